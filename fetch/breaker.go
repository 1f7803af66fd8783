package fetch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

type BreakerState int32

const (
	StateBreakerClosed BreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerDisabled
)

var breakerStateNames = [...]string{"closed", "open", "half-open", "disabled"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// CircuitBreaker guards one source. FailureThreshold consecutive transient
// failures open it; after RecoveryTimeout it admits up to HalfOpenRequests
// probes and closes once that many have succeeded. Any failed probe opens it
// again. A nil or disabled breaker admits everything.
type CircuitBreaker struct {
	name   string
	logger types.Logger
	now    func() time.Time

	threshold int
	cooldown  time.Duration
	probes    int

	mu        sync.Mutex
	state     BreakerState
	failures  int
	inFlight  int
	succeeded int
	openedAt  time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, name string) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		logger:    logger,
		now:       time.Now,
		state:     StateBreakerDisabled,
		threshold: 5,
		cooldown:  30 * time.Second,
		probes:    1,
	}
	if config == nil || !config.Enabled {
		return cb
	}

	cb.state = StateBreakerClosed
	if config.FailureThreshold > 0 {
		cb.threshold = config.FailureThreshold
	}
	if config.RecoveryTimeout > 0 {
		cb.cooldown = config.RecoveryTimeout
	}
	if config.HalfOpenRequests > 0 {
		cb.probes = config.HalfOpenRequests
	}
	return cb
}

// CanExecute reports whether a call may go to the source. In half-open state
// each true result takes one probe slot until the outcome is recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateBreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.set(StateBreakerHalfOpen)
	}

	switch cb.state {
	case StateBreakerOpen:
		return false
	case StateBreakerHalfOpen:
		if cb.inFlight+cb.succeeded >= cb.probes {
			return false
		}
		cb.inFlight++
	}
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures = 0
	case StateBreakerHalfOpen:
		cb.release()
		cb.succeeded++
		if cb.succeeded >= cb.probes {
			cb.set(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures++
		cb.logger.Debug("Source failure counted",
			zap.String("source", cb.name),
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.threshold))
		if cb.failures >= cb.threshold {
			cb.set(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.release()
		cb.set(StateBreakerOpen)
	}
}

// Release returns a half-open probe slot for a call that ended without a
// health signal, such as a fatal answer or a cancelled caller.
func (cb *CircuitBreaker) Release() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateBreakerHalfOpen {
		cb.release()
	}
}

// Reset closes an open or half-open breaker. The breaker-reset job calls it so
// a source that recovered while idle is tried again.
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateBreakerOpen || cb.state == StateBreakerHalfOpen {
		cb.set(StateBreakerClosed)
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return StateBreakerDisabled
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) release() {
	if cb.inFlight > 0 {
		cb.inFlight--
	}
}

// set must be called with mu held.
func (cb *CircuitBreaker) set(next BreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.inFlight, cb.succeeded = 0, 0

	fields := []zap.Field{zap.String("source", cb.name), zap.Stringer("from", prev)}
	switch next {
	case StateBreakerOpen:
		cb.openedAt = cb.now()
		cb.logger.Warn("Circuit breaker opened", append(fields, zap.Int("failures", cb.failures), zap.Duration("cooldown", cb.cooldown))...)
	case StateBreakerHalfOpen:
		cb.logger.Info("Circuit breaker half-open", fields...)
	case StateBreakerClosed:
		cb.failures = 0
		cb.logger.Info("Circuit breaker closed", fields...)
	}
}
