package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
)

// Identity headers set by the authenticating proxy in front of the server.
const (
	HeaderForwardedEmail = "X-Forwarded-Email"
	HeaderForwardedUser  = "X-Forwarded-User"
)

type signInResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Plan        string `json:"plan"`
	HasKey      bool   `json:"hasKey"`
}

// signIn exchanges trusted identity headers for a registered session. The downstream
// key is provisioned eagerly, failures are deferred to the first chat request.
func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.cfg.TrustedAuthHeaders {
		s.writeError(w, httpmiddleware.NewError(http.StatusForbidden, httpmiddleware.CodeForbidden,
			"Sign-in is not enabled"))
		return
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(r.Header.Get(HeaderForwardedEmail)))
	if err != nil {
		s.writeError(w, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized,
			"Failed to create session.").WithDetail(err))
		return
	}

	identity, err := s.findOrCreateUser(ctx, addr.Address, r.Header.Get(HeaderForwardedUser))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to resolve signed in user")
		s.writeError(w, httpmiddleware.NewError(http.StatusServiceUnavailable, httpmiddleware.CodeInternal,
			"Failed to create session.").WithDetail(err).WithRetry())
		return
	}

	s.cfg.Keys.EnsureKeyAtLogin(ctx, identity)

	if _, err := s.cfg.Gatekeeper.IssueSession(w, identity); err != nil {
		s.writeError(w, httpmiddleware.NewError(http.StatusInternalServerError, httpmiddleware.CodeInternal,
			"Failed to create session.").WithDetail(err))
		return
	}

	log.Ctx(ctx).Info().Str("identity_id", identity.ID.String()).Msg("User signed in")

	httpmiddleware.WriteJSON(w, http.StatusOK, signInResponse{
		ID:          identity.ID.String(),
		DisplayName: identity.DisplayName,
		Plan:        identity.Plan(),
		HasKey:      identity.HasDownstreamKey(),
	})
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	s.cfg.Gatekeeper.ClearSession(w)
	httpmiddleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) findOrCreateUser(ctx context.Context, email, name string) (*models.Identity, error) {
	identity, err := s.cfg.Identities.GetByEmail(ctx, email)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, store.ErrIdentityNotFound) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity id: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	name = models.TruncateDisplayName(name)

	identity = &models.Identity{
		ID:          id,
		DisplayName: name,
		Email:       &email,
		PlanName:    models.DefaultPlan,
	}

	err = s.cfg.Identities.Create(ctx, identity)
	if errors.Is(err, store.ErrIdentityAlreadyExists) {
		// A concurrent sign-in created the user first.
		return s.cfg.Identities.GetByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Str("identity_id", id.String()).Msg("Created registered user")

	return identity, nil
}
