// Package server assembles the HTTP surface: the gatekeeper in front of every route,
// the chat proxy and the small JSON APIs around it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"filippo.io/csrf"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/chatgate/internal/gatekeeper"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/logger"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/plans"
	"github.com/wolfeidau/chatgate/internal/session"
	"github.com/wolfeidau/chatgate/internal/store"
	"github.com/wolfeidau/chatgate/internal/usage"
)

// KeyManager provisions and rotates downstream keys.
type KeyManager interface {
	EnsureKeyAtLogin(ctx context.Context, identity *models.Identity)
	Regenerate(ctx context.Context, identity *models.Identity) (string, error)
}

// ModelLister lists the models served by the inference backend.
type ModelLister interface {
	Models(ctx context.Context) ([]inference.Model, error)
}

// UsageReader exposes the guest usage windows.
type UsageReader interface {
	Snapshot(id uuid.UUID) (usage.Window, bool)
	Limit() int
	WindowLength() time.Duration
}

// Config holds the server's collaborators and settings.
type Config struct {
	Gatekeeper *gatekeeper.Gatekeeper
	Identities store.IdentityStore
	Usage      UsageReader
	Keys       KeyManager
	Plans      *plans.Catalog
	Models     ModelLister
	Health     *HealthChecker

	// Chat serves POST /api/chat.
	Chat http.Handler

	Logger zerolog.Logger

	CORSOrigins []string
	// TrustProxy reads the client address from X-Forwarded-For.
	TrustProxy bool
	// TrustedAuthHeaders enables sign-in from identity headers set by an auth proxy.
	TrustedAuthHeaders bool
	Production         bool

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Server serves the application routes.
type Server struct {
	cfg Config
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Gatekeeper == nil:
		return nil, errors.New("gatekeeper is required")
	case cfg.Identities == nil:
		return nil, errors.New("identity store is required")
	case cfg.Usage == nil:
		return nil, errors.New("usage guard is required")
	case cfg.Keys == nil:
		return nil, errors.New("key manager is required")
	case cfg.Plans == nil:
		return nil, errors.New("plan catalog is required")
	case cfg.Chat == nil:
		return nil, errors.New("chat handler is required")
	case cfg.Health == nil:
		return nil, errors.New("health checker is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{cfg: cfg}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	protection := csrf.New()
	for _, origin := range s.cfg.CORSOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid CORS origin %q: %w", origin, err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpmiddleware.ClientIPMiddleware(s.cfg.TrustProxy))
	r.Use(logger.Requests(s.cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(protection.Handler)
	r.Use(s.cfg.Gatekeeper.Middleware)

	r.Route("/api", func(api chi.Router) {
		api.Use(withCORS(s.cfg.CORSOrigins))

		// Streams are flushed as they arrive and never compressed.
		api.Method(http.MethodPost, "/chat", s.cfg.Chat)

		api.Group(func(j chi.Router) {
			j.Use(gzipJSON)

			j.Get("/chat/guest-count", s.guestCount)
			j.Get("/health", s.health)
			j.Get("/models", s.listModels)

			j.Get("/user/key", s.keyStatus)
			j.Post("/user/key/regenerate", s.regenerateKey)

			j.Post("/auth/session", s.signIn)
			j.Delete("/auth/session", s.signOut)
		})
	})

	s.registerPages(r)

	return r, nil
}

func gzipJSON(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// withCORS allows browser API access from the configured origins with cookies.
func withCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true, // Required for cookie-based sessions
	})
	return middleware.Handler
}

func (s *Server) writeError(w http.ResponseWriter, e *httpmiddleware.Error) {
	httpmiddleware.WriteError(w, e, s.cfg.Production)
}

// currentIdentity loads the identity behind the request's session.
func (s *Server) currentIdentity(r *http.Request) (*session.Session, *models.Identity, *httpmiddleware.Error) {
	sess, ok := gatekeeper.SessionFromContext(r.Context())
	if !ok {
		return nil, nil, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized, "Unauthorized")
	}

	id, err := uuid.Parse(sess.SubjectID)
	if err != nil {
		return nil, nil, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized, "Unauthorized").WithDetail(err)
	}

	identity, err := s.cfg.Identities.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return nil, nil, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized, "Unauthorized").WithDetail(err)
		}
		return nil, nil, httpmiddleware.NewError(http.StatusServiceUnavailable, httpmiddleware.CodeInternal,
			"Unable to load your account, please try again shortly").WithDetail(err).WithRetry()
	}

	return sess, identity, nil
}
