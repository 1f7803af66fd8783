// Package fetch performs one logical resource read with a per-attempt
// timeout, cooperative cancellation and bounded retries of transient
// failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/backoff"
	"github.com/saiset-co/sai-directory/types"
)

const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
)

var errAttemptTimeout = errors.New("attempt timed out")

// WaitFunc blocks for d or until ctx ends.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Fetcher struct {
	name           string
	source         types.Source
	policy         *backoff.Policy
	attemptTimeout time.Duration
	maxRetries     int
	classify       Classifier
	breaker        *CircuitBreaker
	wait           WaitFunc
	logger         types.Logger
	attempts       types.Counter
	retries        types.Counter
	outcomes       types.MetricsManager
}

type Option func(*Fetcher)

func WithPolicy(policy *backoff.Policy) Option {
	return func(f *Fetcher) { f.policy = policy }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried. A
// negative value keeps the default.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

func WithClassifier(classify Classifier) Option {
	return func(f *Fetcher) { f.classify = classify }
}

func WithBreaker(breaker *CircuitBreaker) Option {
	return func(f *Fetcher) { f.breaker = breaker }
}

func WithWait(wait WaitFunc) Option {
	return func(f *Fetcher) { f.wait = wait }
}

func WithLogger(logger types.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

func WithMetrics(metrics types.MetricsManager) Option {
	return func(f *Fetcher) { f.outcomes = metrics }
}

func New(name string, source types.Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		name:           name,
		source:         source,
		policy:         backoff.Default(),
		attemptTimeout: DefaultAttemptTimeout,
		maxRetries:     DefaultMaxRetries,
		classify:       DefaultClassifier,
		wait:           sleep,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.outcomes != nil {
		labels := map[string]string{"source": name}
		f.attempts = f.outcomes.Counter("fetch_attempts_total", labels)
		f.retries = f.outcomes.Counter("fetch_retries_total", labels)
	}

	return f
}

// NewFromConfig builds a fetcher with the retry, backoff and breaker
// settings of the fetch config section.
func NewFromConfig(name string, source types.Source, config *types.FetchConfig, logger types.Logger, metrics types.MetricsManager) *Fetcher {
	opts := []Option{WithLogger(logger), WithMetrics(metrics)}

	if config != nil {
		opts = append(opts,
			WithAttemptTimeout(config.AttemptTimeout),
			WithMaxRetries(config.MaxRetries),
			WithPolicy(backoff.New(config.BackoffBase, config.BackoffMax, config.Jitter)),
		)
		if config.CircuitBreaker != nil && config.CircuitBreaker.Enabled {
			opts = append(opts, WithBreaker(NewCircuitBreaker(config.CircuitBreaker, logger, name)))
		}
	}

	return New(name, source, opts...)
}

func (f *Fetcher) Breaker() *CircuitBreaker {
	return f.breaker
}

// Fetch returns the payload for key or an error wrapping exactly one of
// ErrCancelled, ErrFatal or ErrTransientExhausted. When the last attempt
// timed out the error also wraps ErrTimeout.
func (f *Fetcher) Fetch(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.Payload{}, f.finish(key, "cancelled", types.Categorize(types.ErrCancelled, err))
		}

		if !f.breaker.CanExecute() {
			err := fmt.Errorf("%w: %w: %s", types.ErrTransientExhausted, types.ErrStoreUnavailable, types.ErrCircuitBreakerOpen)
			return types.Payload{}, f.finish(key, "rejected", err)
		}

		f.inc(f.attempts)
		payload, err := f.attempt(ctx, key)
		if err == nil {
			f.breaker.RecordSuccess()
			f.finish(key, "success", nil)
			return payload, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			f.breaker.Release()
			return types.Payload{}, f.finish(key, "cancelled", types.Categorize(types.ErrCancelled, ctxErr))
		}

		if f.classify(err) == ClassFatal {
			f.breaker.Release()
			return types.Payload{}, f.finish(key, "fatal", types.Categorize(types.ErrFatal, err))
		}

		f.breaker.RecordFailure()
		lastErr = err

		if attempt >= f.maxRetries {
			break
		}

		delay := f.policy.Delay(attempt)
		f.debug("Retrying fetch",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		f.inc(f.retries)

		if waitErr := f.wait(ctx, delay); waitErr != nil {
			return types.Payload{}, f.finish(key, "cancelled", types.Categorize(types.ErrCancelled, waitErr))
		}
	}

	exhausted := types.Errorf(types.ErrTransientExhausted, "%d attempts for %s: %v", f.maxRetries+1, key, lastErr)
	if errors.Is(lastErr, errAttemptTimeout) {
		return types.Payload{}, f.finish(key, "timeout", types.Categorize(types.ErrTimeout, exhausted))
	}
	return types.Payload{}, f.finish(key, "exhausted", exhausted)
}

// attempt runs one source call. The call is abandoned as soon as its context
// ends even if the source ignores cancellation.
func (f *Fetcher) attempt(ctx context.Context, key types.FetchKey) (types.Payload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	type result struct {
		payload types.Payload
		err     error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: types.Categorize(types.ErrFatal, fmt.Errorf("source panicked: %v", r))}
			}
		}()

		payload, err := f.source.Fetch(attemptCtx, key)
		done <- result{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return types.Payload{}, types.Categorize(errAttemptTimeout, r.err)
		}
		return r.payload, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return types.Payload{}, ctx.Err()
		}
		return types.Payload{}, types.Errorf(errAttemptTimeout, "after %s", f.attemptTimeout)
	}
}

func (f *Fetcher) finish(key types.FetchKey, outcome string, err error) error {
	if f.outcomes != nil {
		f.outcomes.Counter("fetch_outcomes_total", map[string]string{"source": f.name, "outcome": outcome}).Inc()
	}
	if err != nil && f.logger != nil {
		f.logger.Warn("Fetch failed",
			zap.String("source", f.name),
			zap.String("key", key.String()),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
	return err
}

func (f *Fetcher) inc(counter types.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

func (f *Fetcher) debug(msg string, fields ...zap.Field) {
	if f.logger != nil {
		f.logger.Debug(msg, fields...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
