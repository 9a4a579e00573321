// Package redisbreaker implements a per-endpoint circuit breaker for
// Redis operations. It short-circuits calls to a known-bad Redis so the
// request path degrades in nanoseconds (state check) instead of burning
// a dial timeout per request.
package redisbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects the call without
// executing it. Callers translate it to their own fail-open or
// fail-closed policy.
var ErrOpen = errors.New("redis circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all calls through.
	StateClosed State = iota
	// StateOpen rejects all calls.
	StateOpen
	// StateHalfOpen allows a bounded number of probe calls.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // failures within the window to trip
	WindowSeconds    int           // failure counting window in seconds
	SuccessThreshold int           // consecutive half-open successes to close
	OpenTimeout      time.Duration // time in OPEN before probing
	HalfOpenMaxCalls int           // concurrent probe budget in HALF_OPEN
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		WindowSeconds:    60,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// failureWindow is a fixed-size ring buffer of 1-second failure counts.
type failureWindow struct {
	buckets  [60]int
	size     int
	head     int
	headTime int64 // unix seconds of head bucket
}

func newFailureWindow(windowSeconds int) failureWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return failureWindow{size: windowSeconds}
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *failureWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clearN := min(int(gap), w.size)
	for i := range clearN {
		w.buckets[(w.head+1+i)%w.size] = 0
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

func (w *failureWindow) record(now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head]++
}

func (w *failureWindow) count(now time.Time) int {
	w.advance(now.Unix())
	total := 0
	for i := range w.size {
		total += w.buckets[i]
	}
	return total
}

func (w *failureWindow) reset() {
	for i := range w.size {
		w.buckets[i] = 0
	}
	w.head = 0
	w.headTime = 0
}

// Breaker is a per-endpoint circuit breaker state machine.
type Breaker struct {
	mu        sync.Mutex
	state     State
	window    failureWindow
	openedAt  time.Time
	lastUsed  time.Time // for stale eviction
	probes    int       // half-open calls in flight
	successes int       // consecutive half-open successes
	cfg       Config
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:    StateClosed,
		window:   newFailureWindow(cfg.WindowSeconds),
		cfg:      cfg,
		lastUsed: time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a call may proceed. In HALF_OPEN at most
// HalfOpenMaxCalls probes run concurrently; each allowed probe must be
// resolved with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.probes = 1
			b.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxCalls {
			b.probes++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	if b.state != StateHalfOpen {
		return
	}
	b.probes = max(b.probes-1, 0)
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.window.reset()
		b.probes = 0
		b.successes = 0
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.record(now)

	switch b.state {
	case StateClosed:
		if b.window.count(now) >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.state = StateOpen
		b.openedAt = now
		b.probes = 0
		b.successes = 0
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
