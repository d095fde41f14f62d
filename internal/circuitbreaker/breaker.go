// Package circuitbreaker implements per-service circuit breakers with a
// time-bucketed rolling failure window and a bounded half-open trial phase.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgequota/edgegate/internal/config"
)

// State is a breaker state. The numeric values match the
// edgegate_circuit_breaker_state gauge.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// Settings are the tunables of one breaker.
type Settings struct {
	ErrorThreshold   float64 // percent; trips when strictly exceeded
	VolumeThreshold  int
	ResetTimeout     time.Duration
	RollingWindow    time.Duration
	RollingBuckets   int
	HalfOpenMaxCalls int
	SuccessThreshold int
	Filter           ErrorFilter
}

// SettingsFrom converts validated config.
func SettingsFrom(c config.BreakerConfig) Settings {
	s := Settings{
		ErrorThreshold:   c.ErrorThresholdPercentage,
		VolumeThreshold:  c.VolumeThreshold,
		ResetTimeout:     config.MustParseDuration(c.ResetTimeout, 30*time.Second),
		RollingWindow:    config.MustParseDuration(c.RollingWindow, 10*time.Second),
		RollingBuckets:   c.RollingBuckets,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
		SuccessThreshold: c.SuccessThreshold,
		Filter:           NewClassFilter(c.IgnoreErrors),
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.VolumeThreshold < 1 {
		s.VolumeThreshold = 1
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = 10 * time.Second
	}
	if s.RollingBuckets < 1 {
		s.RollingBuckets = 1
	}
	if s.HalfOpenMaxCalls < 1 {
		s.HalfOpenMaxCalls = 1
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 1
	}
	return s
}

// transition is a state change reported to the owner after the lock is released.
type transition struct {
	from, to State
	reason   string
	at       time.Time
}

// Breaker guards one service. All methods are safe for concurrent use.
type Breaker struct {
	name  string
	clock func() time.Time

	mu                sync.Mutex
	settings          Settings
	state             State
	win               *window
	lastChange        time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	onTransition      func(b *Breaker, t transition)
}

func newBreaker(name string, s Settings, clock func() time.Time, onTransition func(*Breaker, transition)) *Breaker {
	s = s.withDefaults()
	return &Breaker{
		name:         name,
		clock:        clock,
		settings:     s,
		state:        StateClosed,
		win:          newWindow(s.RollingWindow, s.RollingBuckets),
		lastChange:   clock(),
		onTransition: onTransition,
	}
}

// Name is the guarded service.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In HALF_OPEN an allowed call
// holds a trial slot until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	t := b.advanceLocked()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.halfOpenInFlight < b.settings.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			allowed = true
		}
	}
	b.mu.Unlock()
	b.fire(t)
	return allowed
}

// Record accounts the outcome of a call that Allow admitted.
func (b *Breaker) Record(o Outcome) {
	b.mu.Lock()
	now := b.clock()
	advanced := b.advanceLocked()
	var t *transition

	switch b.state {
	case StateClosed:
		if o == Ignored {
			break
		}
		b.win.add(now, o == Failure)
		if b.shouldTripLocked(now) {
			t = b.setLocked(StateOpen, "failure threshold exceeded", now)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		switch o {
		case Failure:
			t = b.setLocked(StateOpen, "trial call failed", now)
		case Success:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.settings.SuccessThreshold {
				t = b.setLocked(StateClosed, "trial calls succeeded", now)
			}
		}
	case StateOpen:
		// Outcome of a call admitted before the breaker opened.
	}
	b.mu.Unlock()
	b.fire(advanced)
	b.fire(t)
}

// State returns the current state, applying a due OPEN to HALF_OPEN move.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.advanceLocked()
	s := b.state
	b.mu.Unlock()
	b.fire(t)
	return s
}

// Reset forces the breaker CLOSED and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var t *transition
	if b.state != StateClosed {
		t = b.setLocked(StateClosed, "manual reset", b.clock())
	} else {
		b.win.reset()
	}
	b.mu.Unlock()
	b.fire(t)
}

// Update swaps the tunables. The window restarts when its shape changes.
func (b *Breaker) Update(s Settings) {
	s = s.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.RollingWindow != b.settings.RollingWindow || s.RollingBuckets != b.settings.RollingBuckets {
		b.win = newWindow(s.RollingWindow, s.RollingBuckets)
	}
	b.settings = s
}

// Filter is the error filter of the current settings.
func (b *Breaker) Filter() ErrorFilter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings.Filter
}

func (b *Breaker) shouldTripLocked(now time.Time) bool {
	success, failures := b.win.totals(now)
	samples := success + failures
	if samples < b.settings.VolumeThreshold {
		return false
	}
	return float64(failures)*100/float64(samples) > b.settings.ErrorThreshold
}

// advanceLocked moves OPEN to HALF_OPEN once the reset timeout has elapsed.
func (b *Breaker) advanceLocked() *transition {
	if b.state != StateOpen {
		return nil
	}
	now := b.clock()
	if now.Sub(b.lastChange) < b.settings.ResetTimeout {
		return nil
	}
	return b.setLocked(StateHalfOpen, "reset timeout elapsed", now)
}

func (b *Breaker) setLocked(to State, reason string, now time.Time) *transition {
	from := b.state
	b.state = to
	b.lastChange = now
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	if to == StateClosed {
		b.win.reset()
	}
	return &transition{from: from, to: to, reason: reason, at: now}
}

func (b *Breaker) fire(t *transition) {
	if t != nil && b.onTransition != nil {
		b.onTransition(b, *t)
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Service              string     `json:"service"`
	State                State      `json:"state"`
	FailureCount         int        `json:"failure_count"`
	SuccessCount         int        `json:"success_count"`
	FailureRate          float64    `json:"failure_rate"`
	ConsecutiveSuccesses int        `json:"consecutive_successes_in_half_open"`
	HalfOpenInFlight     int        `json:"half_open_in_flight"`
	LastStateChange      time.Time  `json:"last_state_change"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
	ErrorThreshold       float64    `json:"error_threshold_percentage"`
	VolumeThreshold      int        `json:"volume_threshold"`
	ResetTimeout         string     `json:"reset_timeout"`
}

// Snapshot reports state and window counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	t := b.advanceLocked()
	now := b.clock()
	success, failures := b.win.totals(now)
	s := Snapshot{
		Service:              b.name,
		State:                b.state,
		FailureCount:         failures,
		SuccessCount:         success,
		ConsecutiveSuccesses: b.halfOpenSuccesses,
		HalfOpenInFlight:     b.halfOpenInFlight,
		LastStateChange:      b.lastChange,
		ErrorThreshold:       b.settings.ErrorThreshold,
		VolumeThreshold:      b.settings.VolumeThreshold,
		ResetTimeout:         b.settings.ResetTimeout.String(),
	}
	if total := success + failures; total > 0 {
		s.FailureRate = float64(failures) * 100 / float64(total)
	}
	if b.state == StateOpen {
		next := b.lastChange.Add(b.settings.ResetTimeout)
		s.NextAttemptAt = &next
	}
	b.mu.Unlock()
	b.fire(t)
	return s
}
