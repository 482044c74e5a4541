package gatekeeper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoutes_Classify(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		path string
		want RouteClass
	}{
		{"/", PublicLanding},
		{"/chat", Chat},
		{"/chat/0192a1b2", Chat},
		{"/api/chat", Chat},
		{"/api/chat/guest-count", Chat},
		{"/chatter", Passthrough},
		{"/settings", Protected},
		{"/settings/profile", Protected},
		{"/billing", Protected},
		{"/pricing", Protected},
		{"/sign-in", AuthOnly},
		{"/sign-up/verify", AuthOnly},
		{"/forgot-password", AuthOnly},
		{"/about", Passthrough},
		{"/api/health", Passthrough},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, routes.Classify(tt.path))
		})
	}
}

func TestRoutes_Classify_trailingSlashPrefix(t *testing.T) {
	routes := Routes{Protected: []string{"/admin/"}}

	require.Equal(t, Protected, routes.Classify("/admin"))
	require.Equal(t, Protected, routes.Classify("/admin/users"))
	require.Equal(t, Passthrough, routes.Classify("/"))
}

func TestRouteClass_String(t *testing.T) {
	require.Equal(t, "chat", Chat.String())
	require.Equal(t, "protected", Protected.String())
	require.Equal(t, "auth-only", AuthOnly.String())
	require.Equal(t, "public-landing", PublicLanding.String())
	require.Equal(t, "passthrough", Passthrough.String())
}
