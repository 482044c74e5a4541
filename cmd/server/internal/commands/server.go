package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/chatgate/internal/gatekeeper"
	"github.com/wolfeidau/chatgate/internal/guest"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/keys"
	"github.com/wolfeidau/chatgate/internal/logger"
	"github.com/wolfeidau/chatgate/internal/plans"
	"github.com/wolfeidau/chatgate/internal/prompt"
	"github.com/wolfeidau/chatgate/internal/proxy"
	"github.com/wolfeidau/chatgate/internal/server"
	"github.com/wolfeidau/chatgate/internal/session"
	"github.com/wolfeidau/chatgate/internal/telemetry"
	"github.com/wolfeidau/chatgate/internal/usage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServerCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"CHATGATE_LISTEN"`
	Cert            string        `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"CHATGATE_TLS_CERT"`
	Key             string        `help:"path to TLS key file" default:"" env:"CHATGATE_TLS_KEY"`
	ShutdownTimeout time.Duration `help:"graceful shutdown timeout" default:"30s" env:"CHATGATE_SHUTDOWN_TIMEOUT"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"CHATGATE_CORS_ORIGINS"`

	// Operational modes
	Production         bool    `help:"production mode: secure cookies, error detail hidden" default:"false" env:"CHATGATE_PRODUCTION"`
	TrustProxy         bool    `help:"read client addresses from X-Forwarded-For" default:"false" env:"CHATGATE_TRUST_PROXY"`
	TrustedAuthHeaders bool    `help:"accept identity headers from an authenticating proxy on /api/auth/session" default:"false" env:"CHATGATE_TRUSTED_AUTH_HEADERS"`
	Tracing            bool    `help:"enable tracing" default:"false" env:"CHATGATE_TRACING"`
	TraceSampleRatio   float64 `help:"fraction of root traces sampled" default:"1.0" env:"CHATGATE_TRACE_SAMPLE_RATIO"`

	// Catalog configuration
	PlansFile   string `help:"YAML plan catalog overriding the built-in plans" default:"" env:"CHATGATE_PLANS_FILE"`
	PromptsFile string `help:"YAML system prompts overriding the built-in prompts" default:"" env:"CHATGATE_PROMPTS_FILE"`

	Session   SessionFlags   `embed:"" prefix:"session-"`
	Guest     GuestFlags     `embed:"" prefix:"guest-"`
	Routes    RouteFlags     `embed:"" prefix:"routes-"`
	Inference InferenceFlags `embed:"" prefix:"inference-"`

	// Store configuration
	StoreType        string             `help:"store type (memory, aws, or postgres)" default:"memory" env:"CHATGATE_STORE_TYPE" enum:"memory,aws,postgres"`
	Development      bool               `help:"development mode - use DynamoDB Local and create tables" default:"false" env:"CHATGATE_DEVELOPMENT"`
	DevelopmentClean bool               `help:"clean tables on startup in development mode (deletes all data)" default:"false" env:"CHATGATE_DEVELOPMENT_CLEAN"`
	AWSStore         AWSStoreFlags      `embed:"" prefix:"aws-"`
	PostgresStore    PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type SessionFlags struct {
	Secret string        `help:"secret key for HMAC signing of session cookies (at least 32 bytes)" env:"CHATGATE_SESSION_SECRET" required:""`
	TTL    time.Duration `help:"session TTL, refreshed on every request" default:"24h" env:"CHATGATE_SESSION_TTL"`
}

func (s *SessionFlags) Validate() error {
	if len(s.Secret) < session.MinSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes (256 bits) for HMAC-SHA256", session.MinSecretLength)
	}
	return nil
}

type GuestFlags struct {
	Limit  int           `help:"messages a guest may send per window" default:"100" env:"CHATGATE_GUEST_LIMIT"`
	Window time.Duration `help:"guest usage window" default:"24h" env:"CHATGATE_GUEST_WINDOW"`
}

type RouteFlags struct {
	Protected []string `help:"path prefixes requiring a session" default:"/settings,/billing,/pricing" env:"CHATGATE_ROUTES_PROTECTED"`
	AuthOnly  []string `help:"sign-in path prefixes" default:"/sign-in,/sign-up,/forgot-password" env:"CHATGATE_ROUTES_AUTH_ONLY"`
	Chat      []string `help:"path prefixes that provision guests" default:"/chat,/api/chat" env:"CHATGATE_ROUTES_CHAT"`
	Landing   string   `help:"public landing page path" default:"/" env:"CHATGATE_ROUTES_LANDING"`
}

type InferenceFlags struct {
	URL                   string        `help:"inference proxy base URL" env:"CHATGATE_INFERENCE_URL" required:""`
	MasterKey             string        `help:"inference proxy master key for key management" env:"CHATGATE_INFERENCE_MASTER_KEY" required:""`
	DefaultModel          string        `help:"model used when a chat request names none" default:"free" env:"CHATGATE_INFERENCE_DEFAULT_MODEL"`
	AdminTimeout          time.Duration `help:"timeout for key management calls" default:"15s" env:"CHATGATE_INFERENCE_ADMIN_TIMEOUT"`
	ResponseHeaderTimeout time.Duration `help:"time allowed for a completion to start streaming" default:"60s" env:"CHATGATE_INFERENCE_RESPONSE_HEADER_TIMEOUT"`
	HealthTimeout         time.Duration `help:"timeout for health checks" default:"3s" env:"CHATGATE_INFERENCE_HEALTH_TIMEOUT"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if err := c.Session.Validate(); err != nil {
		return err
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "chatgate",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	identities, err := c.createIdentityStore(ctx)
	if err != nil {
		return err
	}
	defer identities.close()

	catalog, err := c.loadPlans()
	if err != nil {
		return err
	}

	prompts, err := c.loadPrompts()
	if err != nil {
		return err
	}

	codec, err := session.NewCodec([]byte(c.Session.Secret))
	if err != nil {
		return fmt.Errorf("failed to create session codec: %w", err)
	}

	inferenceClient, err := inference.NewClient(inference.Config{
		BaseURL:               c.Inference.URL,
		MasterKey:             c.Inference.MasterKey,
		AdminTimeout:          c.Inference.AdminTimeout,
		ResponseHeaderTimeout: c.Inference.ResponseHeaderTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}

	guard := usage.NewGuard(usage.Config{Window: c.Guest.Window, Limit: c.Guest.Limit})
	defer guard.Stop()

	gk, err := gatekeeper.New(gatekeeper.Config{
		Codec:  codec,
		Guests: guest.NewProvisioner(identities.store),
		Routes: gatekeeper.Routes{
			Protected: c.Routes.Protected,
			AuthOnly:  c.Routes.AuthOnly,
			Chat:      c.Routes.Chat,
			Landing:   c.Routes.Landing,
		},
		TTL:        c.Session.TTL,
		Identities: identities.store,
		Production: c.Production,
	})
	if err != nil {
		return fmt.Errorf("failed to create gatekeeper: %w", err)
	}

	keyProvisioner := keys.NewProvisioner(inferenceClient, identities.store, catalog)

	chat := proxy.NewHandler(proxy.Config{
		Identities:   identities.store,
		Guard:        guard,
		Keys:         keyProvisioner,
		Prompts:      prompts,
		Upstream:     inferenceClient,
		DefaultModel: c.Inference.DefaultModel,
		Production:   c.Production,
	})

	srv, err := server.New(server.Config{
		Gatekeeper:         gk,
		Identities:         identities.store,
		Usage:              guard,
		Keys:               keyProvisioner,
		Plans:              catalog,
		Models:             inferenceClient,
		Health:             server.NewHealthChecker(identities.pinger, inferenceClient, c.Inference.HealthTimeout, globals.Version),
		Chat:               chat,
		Logger:             log,
		CORSOrigins:        c.CORSOrigins,
		TrustProxy:         c.TrustProxy,
		TrustedAuthHeaders: c.TrustedAuthHeaders,
		Production:         c.Production,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	handler, err := srv.Handler()
	if err != nil {
		return err
	}
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "chatgate")
	}

	if !c.Production {
		log.Warn().Msg("Production mode is off: cookies are not Secure and errors include detail")
	}
	if c.TrustedAuthHeaders {
		log.Warn().Msg("Trusted auth headers enabled, the server must only be reachable through the auth proxy")
	}

	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		if c.Cert != "" && c.Key != "" {
			log.Info().Str("addr", c.Listen).Str("store", c.StoreType).Msg("Starting HTTPS server")
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		log.Info().Str("addr", c.Listen).Str("store", c.StoreType).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

func (c *ServerCmd) loadPlans() (*plans.Catalog, error) {
	if c.PlansFile == "" {
		return plans.Default()
	}
	return plans.Load(c.PlansFile)
}

func (c *ServerCmd) loadPrompts() (*prompt.Builder, error) {
	if c.PromptsFile == "" {
		return prompt.NewBuilder()
	}
	return prompt.Load(c.PromptsFile)
}
