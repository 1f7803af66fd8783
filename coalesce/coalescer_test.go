package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/logger"
	"github.com/saiset-co/sai-directory/metrics"
	"github.com/saiset-co/sai-directory/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoalescer(t *testing.T) *Coalescer {
	t.Helper()
	c := New(context.Background(), logger.NewZapWrapper(zap.NewNop()), metrics.NewNoopMetrics())
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

var key = types.NewFetchKey("users", map[string]string{"page": "1"})

func TestConcurrentRequestsShareOneCall(t *testing.T) {
	c := newTestCoalescer(t)

	const n = 50
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (types.Payload, error) {
		calls.Add(1)
		<-release
		return types.Payload{Total: 42}, nil
	}

	var wg sync.WaitGroup
	results := make([]types.Payload, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Request(context.Background(), key, fn)
		}(i)
	}

	waitFor(t, func() bool { return c.subscribers(key) == n })
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(42), results[i].Total)
	}
	assert.Equal(t, 0, c.Len())
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	c := newTestCoalescer(t)

	var calls atomic.Int32
	fn := func(ctx context.Context) (types.Payload, error) {
		calls.Add(1)
		return types.Payload{}, nil
	}

	_, err := c.Request(context.Background(), types.NewFetchKey("users", nil), fn)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), types.NewFetchKey("clients", nil), fn)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestFailureDeliveredToEverySubscriber(t *testing.T) {
	c := newTestCoalescer(t)

	boom := types.Categorize(types.ErrTransientExhausted, errors.New("upstream down"))
	release := make(chan struct{})
	fn := func(ctx context.Context) (types.Payload, error) {
		<-release
		return types.Payload{}, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Request(context.Background(), key, fn)
		}(i)
	}

	waitFor(t, func() bool { return c.subscribers(key) == 3 })
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.Equal(t, boom, err)
	}
}

func TestSettledCallIsRemovedImmediately(t *testing.T) {
	c := newTestCoalescer(t)

	var calls atomic.Int32
	fn := func(ctx context.Context) (types.Payload, error) {
		return types.Payload{Total: int64(calls.Add(1))}, nil
	}

	first, err := c.Request(context.Background(), key, fn)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	second, err := c.Request(context.Background(), key, fn)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Total)
	assert.Equal(t, int64(2), second.Total)
}

func TestCancellingOneSubscriberKeepsSharedCall(t *testing.T) {
	c := newTestCoalescer(t)

	release := make(chan struct{})
	var sawCancel atomic.Bool
	fn := func(ctx context.Context) (types.Payload, error) {
		select {
		case <-release:
			return types.Payload{Total: 1}, nil
		case <-ctx.Done():
			sawCancel.Store(true)
			return types.Payload{}, ctx.Err()
		}
	}

	leaverCtx, leave := context.WithCancel(context.Background())
	leaverErr := make(chan error, 1)
	go func() {
		_, err := c.Request(leaverCtx, key, fn)
		leaverErr <- err
	}()

	stayerResult := make(chan types.Payload, 1)
	go func() {
		payload, _ := c.Request(context.Background(), key, fn)
		stayerResult <- payload
	}()

	waitFor(t, func() bool { return c.subscribers(key) == 2 })
	leave()

	assert.ErrorIs(t, <-leaverErr, types.ErrCancelled)
	assert.Equal(t, 1, c.subscribers(key))

	close(release)
	assert.Equal(t, int64(1), (<-stayerResult).Total)
	assert.False(t, sawCancel.Load())
}

func TestLastSubscriberCancelsSharedCall(t *testing.T) {
	c := newTestCoalescer(t)

	cancelled := make(chan struct{})
	fn := func(ctx context.Context) (types.Payload, error) {
		<-ctx.Done()
		close(cancelled)
		return types.Payload{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, key, fn)
		errCh <- err
	}()

	waitFor(t, func() bool { return c.subscribers(key) == 1 })
	cancel()

	assert.ErrorIs(t, <-errCh, types.ErrCancelled)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("shared call was not cancelled")
	}

	payload, err := c.Request(context.Background(), key, func(ctx context.Context) (types.Payload, error) {
		return types.Payload{Total: 9}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), payload.Total)
}

func TestStopCancelsInFlightCalls(t *testing.T) {
	c := New(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, c.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), key, func(ctx context.Context) (types.Payload, error) {
			<-ctx.Done()
			return types.Payload{}, types.Categorize(types.ErrCancelled, ctx.Err())
		})
		errCh <- err
	}()

	waitFor(t, func() bool { return c.Len() == 1 })
	require.NoError(t, c.Stop())

	assert.ErrorIs(t, <-errCh, types.ErrCancelled)
	assert.False(t, c.IsRunning())
}

func TestPanicBecomesFatalError(t *testing.T) {
	c := newTestCoalescer(t)

	_, err := c.Request(context.Background(), key, func(ctx context.Context) (types.Payload, error) {
		panic("bad source")
	})

	assert.ErrorIs(t, err, types.ErrFatal)
	assert.Equal(t, 0, c.Len())
}
