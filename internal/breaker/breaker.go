// ABOUTME: Per-upstream circuit breaker with closed/open/half-open states.
// ABOUTME: Gates outbound calls, fails fast while open, and re-probes after a reset timeout.

package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the circuit is open and the reset
// timeout has not yet elapsed. Callers must treat this as backpressure, not
// as an upstream failure.
var ErrOpen = errors.New("circuit open")

// ErrCallTimeout is returned when the wrapped operation exceeds the per-call
// timeout. It counts as a failure against the breaker.
var ErrCallTimeout = errors.New("call timed out")

// State represents the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Classifier decides whether an operation error counts against the breaker.
// The default classifier counts every non-nil error, including well-formed
// upstream application errors.
type Classifier func(err error) bool

// Settings holds breaker thresholds and timeouts.
type Settings struct {
	FailureThreshold  int           // consecutive failures that open the circuit
	SuccessThreshold  int           // consecutive half-open successes that close it
	ResetTimeout      time.Duration // how long the circuit stays open before probing
	CallTimeout       time.Duration // per-call ceiling on the wrapped operation
	FailureClassifier Classifier    // nil means every error counts

	// OnStateChange, when set, is invoked after every state transition with
	// the breaker's name. The breaker lock is not held during the call.
	OnStateChange func(name string, from, to State)
}

// Breaker is a circuit breaker for one upstream identity.
type Breaker struct {
	settings Settings
	name     string
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time // test seam
}

// New creates a breaker with the given settings.
func New(settings Settings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.FailureClassifier == nil {
		settings.FailureClassifier = func(err error) bool { return err != nil }
	}
	return &Breaker{
		settings: settings,
		logger:   logger,
		state:    StateClosed,
		now:      time.Now,
	}
}

// State returns the current state, promoting open to half-open if the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	prev := b.state
	b.maybeHalfOpen()
	cur := b.state
	b.mu.Unlock()

	b.notify(prev, cur)
	return cur
}

// Execute runs op under the breaker. While the circuit is open it returns
// ErrOpen without invoking op. The operation is bounded by the per-call
// timeout; exceeding it counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
	}

	err := b.run(callCtx, op)
	b.Record(err)
	return err
}

// run invokes op and converts a call-timeout expiry into ErrCallTimeout.
func (b *Breaker) run(ctx context.Context, op func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrCallTimeout
		}
		return ctx.Err()
	}
}

// Allow reports whether a call may proceed right now, without recording an
// outcome. Callers that correlate responses asynchronously gate with Allow
// and feed the eventual outcome to Record.
func (b *Breaker) Allow() error { return b.allow() }

// allow checks whether a call may proceed, transitioning open to half-open
// when the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	prev := b.state
	b.maybeHalfOpen()
	cur := b.state

	var err error
	if cur == StateOpen {
		err = fmt.Errorf("%w (retry after %s)", ErrOpen, b.retryAfterLocked())
	}
	b.mu.Unlock()

	b.notify(prev, cur)
	return err
}

// Record feeds an operation outcome into the state machine. The router uses
// this for response-phase outcomes (application errors, request timeouts)
// that arrive after Execute has returned.
func (b *Breaker) Record(err error) {
	failed := b.settings.FailureClassifier(err)

	b.mu.Lock()
	prev := b.state
	if failed {
		b.recordFailureLocked()
	} else {
		b.recordSuccessLocked()
	}
	cur := b.state
	b.mu.Unlock()

	b.notify(prev, cur)
}

// notify reports a transition to the optional hook, outside the lock so the
// hook can read breaker state.
func (b *Breaker) notify(from, to State) {
	if from == to || b.settings.OnStateChange == nil {
		return
	}
	b.settings.OnStateChange(b.name, from, to)
}

func (b *Breaker) recordFailureLocked() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit and restarts the timer.
		b.openLocked()
	case StateOpen:
		// Already open; nothing to count.
	}
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("circuit closed")
		}
	case StateOpen:
		// Late success from a call admitted before opening; ignore.
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.failures = 0
	b.successes = 0
	b.openedAt = b.now()
	b.logger.Warn("circuit opened", "reset_timeout", b.settings.ResetTimeout)
}

// maybeHalfOpen promotes open to half-open once the reset timeout elapses.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		b.logger.Info("circuit half-open, probing")
	}
}

// retryAfterLocked reports the remaining open window. Caller must hold b.mu.
func (b *Breaker) retryAfterLocked() time.Duration {
	remaining := b.settings.ResetTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining.Round(time.Millisecond)
}

// Group lazily creates one breaker per key. Keys are upstream server
// identities, suffixed by transport where HTTP and WebSocket paths to the
// same server are distinguished.
type Group struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group.
func NewGroup(settings Settings, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Settings returns the settings every breaker in the group is created with.
func (g *Group) Settings() Settings { return g.settings }

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(g.settings, g.logger.With("breaker", key))
		b.name = key
		g.breakers[key] = b
	}
	return b
}

// Reset discards the breaker for key, returning it to a fresh closed state
// on next use. Called when a server is removed from the directory.
func (g *Group) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, key)
}
