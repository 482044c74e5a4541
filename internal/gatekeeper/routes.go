package gatekeeper

import "strings"

// RouteClass groups request paths by how the gatekeeper treats them.
type RouteClass int

const (
	// Passthrough routes are allowed with or without a session.
	Passthrough RouteClass = iota
	// Protected routes require a session.
	Protected
	// AuthOnly routes are sign-in pages that signed-in users are sent away from.
	AuthOnly
	// PublicLanding is the marketing landing page.
	PublicLanding
	// Chat routes provision a guest when no session is present.
	Chat
)

func (c RouteClass) String() string {
	switch c {
	case Protected:
		return "protected"
	case AuthOnly:
		return "auth-only"
	case PublicLanding:
		return "public-landing"
	case Chat:
		return "chat"
	default:
		return "passthrough"
	}
}

// Routes lists the path prefixes of each class. A prefix matches the path itself and
// anything below it, so "/chat" matches "/chat/123" but not "/chatter".
type Routes struct {
	Protected []string
	AuthOnly  []string
	Chat      []string

	// Landing is matched exactly.
	Landing string
}

// DefaultRoutes returns the standard route table.
func DefaultRoutes() Routes {
	return Routes{
		Protected: []string{"/settings", "/billing", "/pricing"},
		AuthOnly:  []string{"/sign-in", "/sign-up", "/forgot-password"},
		Chat:      []string{"/chat", "/api/chat"},
		Landing:   "/",
	}
}

// Classify returns the class of path. Landing is checked first, then chat,
// protected and auth-only prefixes.
func (r Routes) Classify(path string) RouteClass {
	switch {
	case r.Landing != "" && path == r.Landing:
		return PublicLanding
	case matchAny(path, r.Chat):
		return Chat
	case matchAny(path, r.Protected):
		return Protected
	case matchAny(path, r.AuthOnly):
		return AuthOnly
	default:
		return Passthrough
	}
}

func matchAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
