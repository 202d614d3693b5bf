package retry

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrBreakerOpen is returned without calling the dependency while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State is a breaker position.
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
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// Breaker trips after consecutive failures and lets one trial call through after a timeout.
// It is safe for concurrent use within one process.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	timeout     time.Duration
	state       State
	failures    int
	lastFailure time.Time
	now         func() time.Time
	onChange    func(from, to State)
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock injects the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback invoked under the breaker lock.
func OnStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker builds a closed breaker; non-positive arguments use the defaults.
func NewBreaker(threshold int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	b := &Breaker{threshold: threshold, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed, moving open to half_open once the timeout elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.timeout {
		b.setLocked(StateHalfOpen)
		return nil
	}
	return ErrBreakerOpen
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setLocked(StateClosed)
}

// RecordFailure counts a failure and opens on threshold or when the half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.setLocked(StateOpen)
	}
}

func (b *Breaker) setLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
