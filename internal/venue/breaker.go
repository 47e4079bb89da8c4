package venue

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BreakerState represents the state of a venue circuit breaker.
type BreakerState int32

const (
	// StateClosed - venue healthy, dispatch allowed
	StateClosed BreakerState = iota
	// StateOpen - venue unhealthy, dispatch suppressed
	StateOpen
	// StateHalfOpen - probing whether the venue has recovered
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// Breaker tracks venue health from submit outcomes. Consecutive failures
// open the breaker; after the timeout a single probe order is allowed
// through, and its outcome closes or re-opens the circuit.
type Breaker struct {
	name        string
	maxFailures int64
	timeout     time.Duration

	state           int32
	failureCount    int64
	lastFailureTime int64 // unix nano
	probing         int32

	logger *zap.Logger
}

// NewBreaker creates a breaker for the named venue.
func NewBreaker(name string, maxFailures int, timeout time.Duration, logger *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Breaker{
		name:        name,
		maxFailures: int64(maxFailures),
		timeout:     timeout,
		state:       int32(StateClosed),
		logger:      logger,
	}
}

// maybeHalfOpen moves an expired open circuit to half-open so the next
// dispatch can probe the venue.
func (b *Breaker) maybeHalfOpen() {
	if BreakerState(atomic.LoadInt32(&b.state)) != StateOpen {
		return
	}
	last := atomic.LoadInt64(&b.lastFailureTime)
	if time.Now().UnixNano()-last < b.timeout.Nanoseconds() {
		return
	}
	if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
		atomic.StoreInt32(&b.probing, 0)
		b.logger.Info("venue breaker transitioning to half-open",
			zap.String("venue", b.name))
	}
}

// Allow reports whether a dispatch to this venue may proceed, consuming the
// single probe slot while the circuit is half-open.
func (b *Breaker) Allow() bool {
	b.maybeHalfOpen()
	switch BreakerState(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return true
	case StateHalfOpen:
		// One probe at a time.
		return atomic.CompareAndSwapInt32(&b.probing, 0, 1)
	default:
		return false
	}
}

// Available reports whether the circuit admits traffic without consuming the
// probe slot. Routing and health checks use this; the dispatch path calls
// Allow before actually sending.
func (b *Breaker) Available() bool {
	b.maybeHalfOpen()
	return BreakerState(atomic.LoadInt32(&b.state)) != StateOpen
}

// RecordSuccess notes a successful venue interaction.
func (b *Breaker) RecordSuccess() {
	if BreakerState(atomic.LoadInt32(&b.state)) == StateHalfOpen {
		if atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateClosed)) {
			atomic.StoreInt64(&b.failureCount, 0)
			b.logger.Info("venue breaker closed after successful probe",
				zap.String("venue", b.name))
		}
		return
	}
	atomic.StoreInt64(&b.failureCount, 0)
}

// RecordFailure notes a failed venue interaction.
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failureCount, 1)
	atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())

	state := BreakerState(atomic.LoadInt32(&b.state))
	if state == StateClosed && failures >= b.maxFailures {
		if atomic.CompareAndSwapInt32(&b.state, int32(StateClosed), int32(StateOpen)) {
			b.logger.Warn("venue breaker opened",
				zap.String("venue", b.name),
				zap.Int64("failures", failures))
		}
	} else if state == StateHalfOpen {
		if atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateOpen)) {
			b.logger.Warn("venue breaker re-opened after failed probe",
				zap.String("venue", b.name))
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}
