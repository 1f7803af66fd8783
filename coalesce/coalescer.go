// Package coalesce merges concurrent requests for the same key into a single
// underlying call.
package coalesce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
)

// call is one in-flight request. payload and err are written once, under
// Coalescer.mu, right before done is closed.
type call struct {
	done        chan struct{}
	payload     types.Payload
	err         error
	subscribers int
	cancel      context.CancelFunc
}

// Coalescer keeps at most one in-flight call per key. It is usable before
// Start; Stop cancels what is still running.
type Coalescer struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	grace  time.Duration

	mu    sync.Mutex
	calls map[types.FetchKey]*call
	wg    sync.WaitGroup

	running int32

	started   types.Counter
	joined    types.Counter
	abandoned types.Counter
}

func New(ctx context.Context, logger types.Logger, metrics types.MetricsManager) *Coalescer {
	cctx, cancel := context.WithCancel(ctx)

	c := &Coalescer{
		ctx:    cctx,
		cancel: cancel,
		logger: logger,
		grace:  10 * time.Second,
		calls:  make(map[types.FetchKey]*call),
	}

	if metrics != nil {
		c.started = metrics.Counter("coalesce_calls_started_total", nil)
		c.joined = metrics.Counter("coalesce_calls_joined_total", nil)
		c.abandoned = metrics.Counter("coalesce_calls_abandoned_total", nil)
	}
	return c
}

func (c *Coalescer) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

// Stop cancels every in-flight call and waits for them to settle.
func (c *Coalescer) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Coalescer stopped")
	case <-time.After(c.grace):
		c.logger.Warn("Coalesced calls still running after stop", zap.Int("in_flight", c.Len()))
	}

	return nil
}

func (c *Coalescer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Request returns the outcome of fn for key. Concurrent callers with an equal
// key share one execution of fn. A caller whose ctx ends gets ErrCancelled;
// the shared execution is cancelled only when no subscriber is left.
//
// fn runs under a context owned by the coalescer, never under a caller's ctx.
func (c *Coalescer) Request(ctx context.Context, key types.FetchKey, fn types.FetchFunc) (types.Payload, error) {
	c.mu.Lock()
	cl, exists := c.calls[key]
	if exists {
		cl.subscribers++
		inc(c.joined)
	} else {
		callCtx, cancel := context.WithCancel(c.ctx)
		cl = &call{
			done:        make(chan struct{}),
			subscribers: 1,
			cancel:      cancel,
		}
		c.calls[key] = cl
		c.wg.Add(1)
		inc(c.started)
		go c.run(callCtx, key, cl, fn)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.payload, cl.err
	case <-ctx.Done():
		if c.leave(key, cl) {
			return cl.payload, cl.err
		}
		return types.Payload{}, types.Categorize(types.ErrCancelled, ctx.Err())
	}
}

// Len reports the number of in-flight calls.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Coalescer) subscribers(key types.FetchKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.calls[key]; ok {
		return cl.subscribers
	}
	return 0
}

func (c *Coalescer) run(ctx context.Context, key types.FetchKey, cl *call, fn types.FetchFunc) {
	defer c.wg.Done()

	payload, err := invoke(ctx, fn)

	c.mu.Lock()
	cl.payload, cl.err = payload, err
	if c.calls[key] == cl {
		delete(c.calls, key)
	}
	close(cl.done)
	c.mu.Unlock()

	cl.cancel()
}

// leave drops one subscriber. It reports true when the call had already
// settled, in which case the caller should take the result.
func (c *Coalescer) leave(key types.FetchKey, cl *call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-cl.done:
		return true
	default:
	}

	cl.subscribers--
	if cl.subscribers > 0 {
		return false
	}

	if c.calls[key] == cl {
		delete(c.calls, key)
	}
	cl.cancel()
	inc(c.abandoned)

	c.logger.Debug("Last subscriber left, in-flight call cancelled", zap.String("key", key.String()))
	return false
}

func invoke(ctx context.Context, fn types.FetchFunc) (payload types.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Categorize(types.ErrFatal, fmt.Errorf("coalesced call panicked: %v", r))
		}
	}()
	return fn(ctx)
}

func inc(counter types.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
