package server

import (
	"net/http"
	"slices"

	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/models"
)

type modelsResponse struct {
	Plan   string            `json:"plan"`
	Models []inference.Model `json:"models"`
}

// listModels returns the backend models available on the caller's plan.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	planName := models.DefaultPlan
	if _, identity, apiErr := s.currentIdentity(r); apiErr == nil {
		planName = identity.Plan()
	}

	plan, err := s.cfg.Plans.Get(planName)
	if err != nil {
		s.writeError(w, httpmiddleware.NewError(http.StatusInternalServerError, httpmiddleware.CodeInternal,
			"Unknown plan").WithDetail(err))
		return
	}

	if s.cfg.Models == nil {
		httpmiddleware.WriteJSON(w, http.StatusOK, modelsResponse{Plan: plan.Name, Models: []inference.Model{}})
		return
	}

	all, err := s.cfg.Models.Models(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("Failed to list models")
		s.writeError(w, httpmiddleware.NewError(http.StatusBadGateway, httpmiddleware.CodeUpstreamUnavailable,
			"Unable to list models, please try again shortly").WithDetail(err).WithRetry())
		return
	}

	available := make([]inference.Model, 0, len(all))
	for _, m := range all {
		if slices.Contains(plan.Models, m.ID) {
			available = append(available, m)
		}
	}

	httpmiddleware.WriteJSON(w, http.StatusOK, modelsResponse{Plan: plan.Name, Models: available})
}
