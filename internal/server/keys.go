package server

import (
	"net/http"

	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/models"
)

type keyResponse struct {
	Key  *string `json:"key"`
	Plan string  `json:"plan"`
}

// registeredIdentity rejects guests, who have no API key access.
func (s *Server) registeredIdentity(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	_, identity, apiErr := s.currentIdentity(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return nil, false
	}
	if identity.IsGuest {
		s.writeError(w, httpmiddleware.NewError(http.StatusForbidden, httpmiddleware.CodeForbidden,
			"Sign up to get an API key"))
		return nil, false
	}
	return identity, true
}

func (s *Server) keyStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.registeredIdentity(w, r)
	if !ok {
		return
	}

	resp := keyResponse{Plan: identity.Plan()}
	if identity.HasDownstreamKey() {
		resp.Key = &identity.DownstreamKey
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) regenerateKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.registeredIdentity(w, r)
	if !ok {
		return
	}

	key, err := s.cfg.Keys.Regenerate(r.Context(), identity)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("identity_id", identity.ID.String()).Msg("Failed to regenerate key")
		s.writeError(w, httpmiddleware.NewError(http.StatusServiceUnavailable, httpmiddleware.CodeKeyProvisioningFailed,
			"Failed to regenerate key. Please try again later.").WithDetail(err).WithRetry())
		return
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, keyResponse{Key: &key, Plan: identity.Plan()})
}
