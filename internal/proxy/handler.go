// Package proxy implements the streaming chat completion endpoint. Requests are
// validated, guests are metered, a downstream key is ensured and the backend's server
// sent events are relayed to the client as they arrive.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/gatekeeper"
	httpmiddleware "github.com/wolfeidau/chatgate/internal/http"
	"github.com/wolfeidau/chatgate/internal/inference"
	"github.com/wolfeidau/chatgate/internal/models"
	"github.com/wolfeidau/chatgate/internal/store"
	"github.com/wolfeidau/chatgate/internal/telemetry"
	"github.com/wolfeidau/chatgate/internal/usage"
)

// DefaultMaxBodyBytes bounds the size of a chat request body.
const DefaultMaxBodyBytes = 1 << 20

// IdentityGetter loads the identity behind a session.
type IdentityGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

// UsageGuard meters guest requests.
type UsageGuard interface {
	CheckAndIncrement(id uuid.UUID, isGuest bool) usage.Decision
}

// KeyEnsurer returns the downstream key for an identity, minting it on first use.
type KeyEnsurer interface {
	EnsureKey(ctx context.Context, identity *models.Identity, planName string) (string, error)
}

// PromptBuilder returns the system prompt for a model.
type PromptBuilder interface {
	Build(modelID string) string
}

// Upstream opens streaming completions.
type Upstream interface {
	StreamChatCompletion(ctx context.Context, key string, req inference.ChatCompletionRequest) (*inference.Stream, error)
}

// Config configures a Handler.
type Config struct {
	Identities IdentityGetter
	Guard      UsageGuard
	Keys       KeyEnsurer
	Prompts    PromptBuilder
	Upstream   Upstream

	// DefaultModel is used when the request names no model.
	DefaultModel string
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Production hides error detail from clients.
	Production bool
}

// Handler serves POST /api/chat.
type Handler struct {
	cfg Config
}

// NewHandler creates a chat completion handler.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := gatekeeper.SessionFromContext(ctx)
	if !ok {
		h.writeError(w, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized, "A session is required"))
		return
	}

	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, httpmiddleware.NewError(http.StatusRequestEntityTooLarge, httpmiddleware.CodeRequestTooLarge,
				fmt.Sprintf("Conversation exceeds the %d byte request limit", tooLarge.Limit)))
			return
		}
		h.writeError(w, httpmiddleware.NewError(http.StatusBadRequest, httpmiddleware.CodeValidationFailed,
			"Request body is not a valid chat request").WithDetail(err))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, httpmiddleware.NewError(http.StatusBadRequest, httpmiddleware.CodeValidationFailed,
			"Invalid chat request").WithDetail(err))
		return
	}

	modelID := req.Model()
	if modelID == "" {
		modelID = h.cfg.DefaultModel
	}

	messages := upstreamMessages(req.Messages, h.cfg.Prompts.Build(modelID))
	if !hasConversation(messages) {
		h.writeError(w, httpmiddleware.NewError(http.StatusBadRequest, httpmiddleware.CodeValidationFailed,
			"Invalid chat request").WithDetail(errors.New("no user or assistant messages")))
		return
	}

	identity, err := h.loadIdentity(ctx, sess.SubjectID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to load session identity")
		if errors.Is(err, store.ErrIdentityNotFound) {
			h.writeError(w, httpmiddleware.NewError(http.StatusUnauthorized, httpmiddleware.CodeUnauthorized,
				"Session is no longer valid, please reload").WithDetail(err))
			return
		}
		h.writeError(w, httpmiddleware.NewError(http.StatusServiceUnavailable, httpmiddleware.CodeInternal,
			"Unable to load your account, please try again shortly").WithDetail(err).WithRetry())
		return
	}

	decision := h.cfg.Guard.CheckAndIncrement(identity.ID, identity.IsGuest)
	if identity.IsGuest {
		setRateLimitHeaders(w, decision)
	}
	if !decision.Allowed {
		telemetry.GetMetrics().QuotaDeniedTotal.Add(ctx, 1)
		log.Ctx(ctx).Info().
			Str("identity_id", identity.ID.String()).
			Int("limit", decision.Limit).
			Time("reset_at", decision.ResetAt).
			Msg("Guest quota exceeded")

		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt)))
		apiErr := httpmiddleware.NewError(http.StatusTooManyRequests, httpmiddleware.CodeQuotaExceeded,
			"Guest message limit reached. Please sign up for more access.").WithDetail(usage.ErrQuotaExceeded)
		remaining := decision.Remaining
		resetAt := decision.ResetAt
		apiErr.Remaining = &remaining
		apiErr.ResetAt = &resetAt
		h.writeError(w, apiErr)
		return
	}

	key, err := h.cfg.Keys.EnsureKey(ctx, identity, identity.Plan())
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("identity_id", identity.ID.String()).Msg("Failed to ensure downstream key")
		h.writeError(w, httpmiddleware.NewError(http.StatusServiceUnavailable, httpmiddleware.CodeKeyProvisioningFailed,
			"Unable to prepare your chat session, please try again shortly").WithDetail(err).WithRetry())
		return
	}

	h.stream(w, r, key, inference.ChatCompletionRequest{Model: modelID, Messages: messages})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, key string, req inference.ChatCompletionRequest) {
	ctx := r.Context()
	rec := newStreamRecorder(ctx)

	rec.transition(StateUpstreamConnecting)
	connectStart := time.Now()

	upstream, err := h.cfg.Upstream.StreamChatCompletion(ctx, key, req)
	telemetry.GetMetrics().UpstreamConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	if err != nil {
		rec.transition(StateAborted)
		if ctx.Err() != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("Client went away before the stream started")
			return
		}

		log.Ctx(ctx).Error().Err(err).Str("model", req.Model).Msg("Failed to open upstream stream")
		h.writeError(w, httpmiddleware.NewError(http.StatusBadGateway, httpmiddleware.CodeUpstreamUnavailable,
			"The chat service is unavailable, please try again shortly").WithDetail(err).WithRetry())
		return
	}
	defer upstream.Body.Close()

	contentType := upstream.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rec.transition(StateStreaming)
	state, written := relay(ctx, w, upstream.Body)
	telemetry.GetMetrics().StreamBytesTotal.Add(ctx, written)
	rec.transition(state)

	if state == StateUpstreamError {
		// Headers are already sent, aborting the connection is the only signal left.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) loadIdentity(ctx context.Context, subjectID string) (*models.Identity, error) {
	id, err := uuid.Parse(subjectID)
	if err != nil {
		return nil, store.ErrIdentityNotFound
	}
	return h.cfg.Identities.Get(ctx, id)
}

func (h *Handler) writeError(w http.ResponseWriter, e *httpmiddleware.Error) {
	httpmiddleware.WriteError(w, e, h.cfg.Production)
}

func setRateLimitHeaders(w http.ResponseWriter, d usage.Decision) {
	if d.Limit == usage.Unlimited {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func retryAfterSeconds(resetAt time.Time) int {
	if resetAt.IsZero() {
		return 0
	}
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}
