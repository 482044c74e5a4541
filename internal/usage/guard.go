// Package usage tracks per-identity message counts for guests within a fixed window.
//
// Counters live in process memory and are not required to survive restarts. Each
// identity has its own window guarded by its own mutex, so concurrent requests for
// one guest serialize while different guests never contend beyond the map lookup.
package usage

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Unlimited is reported as Remaining and Limit for identities exempt from the quota.
const Unlimited = -1

// Defaults applied when Config fields are zero.
const (
	DefaultWindow = 24 * time.Hour
	DefaultLimit  = 100
)

// ErrQuotaExceeded is returned by callers that convert a denied Decision into an error.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Config configures a Guard.
type Config struct {
	Window time.Duration
	Limit  int

	// JanitorInterval is how often elapsed windows are evicted. Zero uses Window.
	JanitorInterval time.Duration

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Decision is the outcome of a CheckAndIncrement call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time // zero for exempt identities
}

// Window is a read-only view of an identity's usage.
type Window struct {
	Start time.Time
	Count int
}

type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	evicted bool
}

// Guard enforces the guest message quota.
type Guard struct {
	length time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	windows map[uuid.UUID]*window

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewGuard creates a guard and starts its janitor. Call Stop to release it.
func NewGuard(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = cfg.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g := &Guard{
		length:  cfg.Window,
		limit:   cfg.Limit,
		now:     cfg.Now,
		windows: make(map[uuid.UUID]*window),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go g.janitor(cfg.JanitorInterval)

	return g
}

// Limit returns the per-window cap.
func (g *Guard) Limit() int { return g.limit }

// WindowLength returns the window duration.
func (g *Guard) WindowLength() time.Duration { return g.length }

// CheckAndIncrement records one message for the identity if it is under the cap.
// Non-guests are always allowed and never counted.
func (g *Guard) CheckAndIncrement(id uuid.UUID, isGuest bool) Decision {
	if !isGuest {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}

	for {
		w := g.lookup(id)

		w.mu.Lock()
		if w.evicted {
			// The janitor removed this entry between lookup and lock.
			w.mu.Unlock()
			continue
		}

		now := g.now()
		if w.start.IsZero() || !now.Before(w.start.Add(g.length)) {
			w.start = now
			w.count = 0
		}

		d := Decision{Limit: g.limit, ResetAt: w.start.Add(g.length)}
		if w.count < g.limit {
			w.count++
			d.Allowed = true
		}
		d.Count = w.count
		d.Remaining = g.limit - w.count
		w.mu.Unlock()

		return d
	}
}

// Snapshot returns the current window for the identity. The second result is false
// when there is no live window.
func (g *Guard) Snapshot(id uuid.UUID) (Window, bool) {
	g.mu.Lock()
	w, ok := g.windows[id]
	g.mu.Unlock()
	if !ok {
		return Window{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.evicted || w.start.IsZero() || !g.now().Before(w.start.Add(g.length)) {
		return Window{}, false
	}

	return Window{Start: w.start, Count: w.count}, true
}

// Stop terminates the janitor. It is safe to call more than once.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
}

func (g *Guard) lookup(id uuid.UUID) *window {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[id]
	if !ok {
		w = &window{}
		g.windows[id] = w
	}
	return w
}

func (g *Guard) janitor(interval time.Duration) {
	defer close(g.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if n := g.evictExpired(); n > 0 {
				log.Debug().Int("evicted", n).Msg("Evicted elapsed usage windows")
			}
		}
	}
}

// evictExpired removes windows whose period has elapsed and returns how many were removed.
func (g *Guard) evictExpired() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for id, w := range g.windows {
		// TryLock skips windows that are being updated right now.
		if !w.mu.TryLock() {
			continue
		}
		if w.start.IsZero() || !now.Before(w.start.Add(g.length)) {
			w.evicted = true
			delete(g.windows, id)
			evicted++
		}
		w.mu.Unlock()
	}

	return evicted
}
