package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/store"
)

// DefaultHealthTimeout bounds each dependency check.
const DefaultHealthTimeout = 3 * time.Second

// Dependency states reported by the health endpoint.
const (
	StatusHealthy     = "healthy"
	StatusUnhealthy   = "unhealthy"
	StatusUnreachable = "unreachable"
	StatusUnchecked   = "unchecked"
)

// InferenceHealth checks the inference backend.
type InferenceHealth interface {
	Health(ctx context.Context) error
}

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Inference string    `json:"inference"`
	Version   string    `json:"version"`
}

// HealthChecker probes the identity store and the inference backend.
type HealthChecker struct {
	store     store.Pinger
	inference InferenceHealth
	timeout   time.Duration
	version   string
}

// NewHealthChecker creates a checker. db may be nil for in-memory stores and inference
// may be nil to skip the backend check.
func NewHealthChecker(db store.Pinger, inference InferenceHealth, timeout time.Duration, version string) *HealthChecker {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &HealthChecker{store: db, inference: inference, timeout: timeout, version: version}
}

// Check runs the probes. The store result decides overall health, the inference backend
// is informational.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Database:  StatusHealthy,
		Inference: StatusUnchecked,
		Version:   h.version,
	}

	if h.store != nil {
		dbCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.store.Ping(dbCtx)
		cancel()
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Identity store health check failed")
			report.Status = StatusUnhealthy
			report.Database = StatusUnhealthy
		}
	}

	if h.inference != nil {
		infCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.inference.Health(infCtx)
		cancel()

		var apiErr *inference.APIError
		switch {
		case err == nil:
			report.Inference = StatusHealthy
		case errors.As(err, &apiErr):
			report.Inference = StatusUnhealthy
		default:
			log.Ctx(ctx).Warn().Err(err).Msg("Inference backend unreachable")
			report.Inference = StatusUnreachable
		}
	}

	return report
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.cfg.Health.Check(r.Context())

	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	httpmiddleware.WriteJSON(w, status, report)
}
