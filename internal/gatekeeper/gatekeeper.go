// Package gatekeeper decides every inbound request before routing: allow, redirect or
// provision a guest. Sessions are stateless signed cookies that are re-signed with a
// fresh expiry on each allowed request.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/session"
	"github.com/wolfeidau/chatgate/internal/store"
	"github.com/wolfeidau/chatgate/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// CookieName is the name of the session cookie.
const CookieName = "session"

// DefaultTTL is the session lifetime used when Config.TTL is zero.
const DefaultTTL = 24 * time.Hour

type contextKey struct{}

// GuestProvisioner creates guest identities.
type GuestProvisioner interface {
	Provision(ctx context.Context) (*models.Identity, error)
}

// IdentityGetter loads identities by id.
type IdentityGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

// Config configures a Gatekeeper.
type Config struct {
	Codec  *session.Codec
	Guests GuestProvisioner
	Routes Routes
	TTL    time.Duration

	// Identities, when set, is consulted for every presented session. A session whose
	// identity no longer exists is treated as absent.
	Identities IdentityGetter

	// Production marks cookies Secure and hides error detail.
	Production bool

	// SignInPath receives protected requests without a session. Default: /sign-in
	SignInPath string
	// AppPath receives signed-in users visiting auth pages. Default: /chat
	AppPath string

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Gatekeeper is the session state machine.
type Gatekeeper struct {
	codec      *session.Codec
	guests     GuestProvisioner
	identities IdentityGetter
	routes     Routes
	ttl        time.Duration
	production bool
	signInPath string
	appPath    string
	now        func() time.Time
}

// New creates a gatekeeper.
func New(cfg Config) (*Gatekeeper, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("session codec is required")
	}
	if cfg.Guests == nil {
		return nil, fmt.Errorf("guest provisioner is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/sign-in"
	}
	if cfg.AppPath == "" {
		cfg.AppPath = "/chat"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Gatekeeper{
		codec:      cfg.Codec,
		guests:     cfg.Guests,
		identities: cfg.Identities,
		routes:     cfg.Routes,
		ttl:        cfg.TTL,
		production: cfg.Production,
		signInPath: cfg.SignInPath,
		appPath:    cfg.AppPath,
		now:        cfg.Now,
	}, nil
}

// SessionFromContext returns the session the gatekeeper attached to the request.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*session.Session)
	return s, ok && s != nil
}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// Middleware applies the gatekeeper decision to every request.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			// CORS preflights carry no cookies.
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		class := g.routes.Classify(r.URL.Path)

		current, hadCookie := g.readSession(r)

		if current == nil {
			switch class {
			case Chat:
				identity, err := g.guests.Provision(ctx)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("Failed to provision guest identity")
					g.record(ctx, "reject", class)
					httpmiddleware.WriteError(w, httpmiddleware.NewError(http.StatusServiceUnavailable,
						httpmiddleware.CodeGuestProvisioningFailed,
						"Unable to start a guest session, please try again shortly").WithDetail(err).WithRetry(), g.production)
					return
				}
				telemetry.GetMetrics().GuestsProvisionedTotal.Add(ctx, 1)

				issued, err := g.IssueSession(w, identity)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("Failed to sign guest session")
					g.record(ctx, "reject", class)
					httpmiddleware.WriteError(w, httpmiddleware.NewError(http.StatusServiceUnavailable,
						httpmiddleware.CodeGuestProvisioningFailed,
						"Unable to start a guest session, please try again shortly").WithDetail(err).WithRetry(), g.production)
					return
				}

				g.record(ctx, "provision", class)
				next.ServeHTTP(w, r.WithContext(WithSession(ctx, issued)))

			case Protected:
				if hadCookie {
					g.ClearSession(w)
				}
				g.record(ctx, "redirect", class)
				http.Redirect(w, r, g.signInPath, http.StatusFound)

			default:
				if hadCookie {
					g.ClearSession(w)
				}
				g.record(ctx, "allow", class)
				next.ServeHTTP(w, r)
			}
			return
		}

		if !current.IsGuest && (class == AuthOnly || class == PublicLanding) {
			g.record(ctx, "redirect", class)
			http.Redirect(w, r, g.appPath, http.StatusFound)
			return
		}

		refreshed, err := g.issue(w, current.SubjectID, current.IsGuest)
		if err != nil {
			// The presented session is still valid, serve it unrefreshed.
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to refresh session")
			refreshed = current
		}

		g.record(ctx, "allow", class)
		next.ServeHTTP(w, r.WithContext(WithSession(ctx, refreshed)))
	})
}

// IssueSession signs a new session for identity and sets the cookie.
func (g *Gatekeeper) IssueSession(w http.ResponseWriter, identity *models.Identity) (*session.Session, error) {
	return g.issue(w, identity.ID.String(), identity.IsGuest)
}

// ClearSession deletes the session cookie, replacing any session cookie already set on
// this response.
func (g *Gatekeeper) ClearSession(w http.ResponseWriter) {
	dropSessionCookies(w.Header())
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.production,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gatekeeper) issue(w http.ResponseWriter, subjectID string, isGuest bool) (*session.Session, error) {
	now := g.now()
	s := &session.Session{
		SubjectID: subjectID,
		IsGuest:   isGuest,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}

	token, err := g.codec.Sign(*s)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}

	dropSessionCookies(w.Header())
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.Remaining(now).Seconds()),
		HttpOnly: true,
		Secure:   g.production,
		SameSite: http.SameSiteLaxMode,
	})

	return s, nil
}

// dropSessionCookies removes session cookies queued on the response so at most one
// Set-Cookie for the session is sent.
func dropSessionCookies(h http.Header) {
	cookies := h.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}

	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if !strings.HasPrefix(c, CookieName+"=") {
			kept = append(kept, c)
		}
	}

	h.Del("Set-Cookie")
	for _, c := range kept {
		h.Add("Set-Cookie", c)
	}
}

// readSession returns the verified, unexpired session, or nil. The second result
// reports whether a session cookie was presented at all.
func (g *Gatekeeper) readSession(r *http.Request) (*session.Session, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	s, err := g.codec.Verify(cookie.Value)
	if err == nil && s.Expired(g.now()) {
		err = session.ErrExpired
	}
	if err != nil {
		telemetry.GetMetrics().InvalidSessionsTotal.Add(r.Context(), 1)
		log.Ctx(r.Context()).Debug().Err(err).Msg("Discarding session cookie")
		return nil, true
	}

	if !g.subjectExists(r.Context(), s) {
		telemetry.GetMetrics().InvalidSessionsTotal.Add(r.Context(), 1)
		log.Ctx(r.Context()).Debug().Str("subject", s.SubjectID).Msg("Discarding session for unknown identity")
		return nil, true
	}

	return s, true
}

// subjectExists reports whether the session's identity is still stored. Lookup failures
// other than not found keep the session so the handler can report the outage.
func (g *Gatekeeper) subjectExists(ctx context.Context, s *session.Session) bool {
	if g.identities == nil {
		return true
	}

	id, err := uuid.Parse(s.SubjectID)
	if err != nil {
		return false
	}

	_, err = g.identities.Get(ctx, id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrIdentityNotFound):
		return false
	default:
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to look up session identity")
		return true
	}
}

func (g *Gatekeeper) record(ctx context.Context, decision string, class RouteClass) {
	telemetry.GetMetrics().GatekeeperDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrDecision.String(decision),
		telemetry.AttrRoute.String(class.String()),
	))
}
