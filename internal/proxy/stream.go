package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/chatgate/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// relayBufferSize is the read size for upstream chunks.
const relayBufferSize = 4 << 10

// State is the lifecycle of one proxied completion.
type State int

const (
	StateIdle State = iota
	StateUpstreamConnecting
	StateStreaming
	StateCompleted
	StateAborted
	StateUpstreamError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpstreamConnecting:
		return "upstream-connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateUpstreamError:
		return "upstream-error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateUpstreamError
}

// relay copies body to w, flushing after every read so events reach the client as they
// arrive. It returns the terminal state and the number of bytes written.
func relay(ctx context.Context, w http.ResponseWriter, body io.Reader) (State, int64) {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)

	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				log.Ctx(ctx).Debug().Err(err).Msg("Client went away during stream")
				return StateAborted, written
			}
			written += int64(n)

			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return StateAborted, written
			}
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF):
			return StateCompleted, written
		case ctx.Err() != nil:
			// The client disconnected, which cancelled the upstream request.
			return StateAborted, written
		default:
			log.Ctx(ctx).Warn().Err(readErr).Msg("Upstream stream failed")
			return StateUpstreamError, written
		}
	}
}

// streamRecorder tracks one stream's state for metrics.
type streamRecorder struct {
	ctx     context.Context
	state   State
	started time.Time
	active  bool
}

func newStreamRecorder(ctx context.Context) *streamRecorder {
	return &streamRecorder{ctx: ctx, state: StateIdle, started: time.Now()}
}

func (r *streamRecorder) transition(next State) {
	m := telemetry.GetMetrics()

	if next == StateStreaming && !r.active {
		r.active = true
		m.ActiveStreams.Add(r.ctx, 1)
	}

	if next.Terminal() {
		if r.active {
			r.active = false
			m.ActiveStreams.Add(r.ctx, -1)
		}
		attrs := metric.WithAttributes(telemetry.AttrOutcome.String(next.String()))
		m.StreamsTotal.Add(r.ctx, 1, attrs)
		m.StreamDuration.Record(r.ctx, time.Since(r.started).Seconds(), attrs)
	}

	log.Ctx(r.ctx).Debug().Str("from", r.state.String()).Str("to", next.String()).Msg("Stream state")
	r.state = next
}
