package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is wrapped by every rejection while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError reports a rejected call and when the next attempt is allowed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v, retry in %s", e.Name, ErrOpen, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// RetryAfter extracts the wait hint from an OpenError anywhere in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var open *OpenError
	if errors.As(err, &open) {
		return open.RetryAfter, true
	}
	return 0, false
}

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker.
type Settings struct {
	// Threshold is the consecutive failures that open the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before one probe is let through.
	Cooldown time.Duration
	// IsFailure classifies errors; by default every non-nil error counts.
	IsFailure func(err error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Snapshot is a point-in-time view of a Breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       uint64        `json:"total_failures"`
	Trips               uint64        `json:"trips"`
	RetryAfter          time.Duration `json:"retry_after_ns"`
}

// Breaker opens after Threshold consecutive failures, rejects calls for
// Cooldown, then admits a single probe whose outcome closes or reopens it.
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	total    uint64
	trips    uint64
	openedAt time.Time
	probing  bool
}

// New creates a circuit breaker
func New(name string, settings Settings) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{name: name, settings: settings}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(b.settings.Now())
}

// Snapshot returns the breaker's counters and, while open, the remaining cooldown.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	state := b.currentLocked(now)
	snap := Snapshot{
		Name:                b.name,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: b.failures,
		TotalFailures:       b.total,
		Trips:               b.trips,
	}
	if state == StateOpen {
		snap.RetryAfter = b.remainingLocked(now)
	}
	return snap
}

// Do runs fn through b and returns its result
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	probe, err := b.admit()
	if err != nil {
		return zero, err
	}

	defer func() {
		if e := recover(); e != nil {
			b.record(probe, false)
			panic(e)
		}
	}()

	result, err := fn()
	b.record(probe, !b.settings.IsFailure(err))
	return result, err
}

// Execute is Do for functions without a result.
func (b *Breaker) Execute(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	switch b.currentLocked(now) {
	case StateOpen:
		return false, &OpenError{Name: b.name, RetryAfter: b.remainingLocked(now)}
	case StateHalfOpen:
		if b.probing {
			return false, &OpenError{Name: b.name}
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe, success bool) {
	b.mu.Lock()
	from := b.currentLocked(b.settings.Now())
	if probe {
		b.probing = false
	}

	to := from
	if success {
		b.failures = 0
		if probe {
			to = StateClosed
		}
	} else {
		b.failures++
		b.total++
		if probe || (from == StateClosed && b.failures >= b.settings.Threshold) {
			to = StateOpen
			b.trips++
			b.openedAt = b.settings.Now()
		}
	}
	b.state = to
	b.mu.Unlock()

	b.notify(from, to)
}

// currentLocked moves an expired open breaker to half-open.
func (b *Breaker) currentLocked(now time.Time) State {
	if b.state == StateOpen && b.remainingLocked(now) == 0 {
		b.state = StateHalfOpen
	}
	return b.state
}

func (b *Breaker) remainingLocked(now time.Time) time.Duration {
	left := b.openedAt.Add(b.settings.Cooldown).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
