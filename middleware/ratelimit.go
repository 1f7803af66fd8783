package middleware

import (
	"bytes"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	rateShardCount  = 32
	rateShardPrune  = 1024
	defaultRequests = 600
	defaultWindow   = time.Minute
)

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
)

// RateLimitMiddleware counts requests per caller in fixed windows. It runs
// after auth so authenticated callers are keyed by user id; anything else
// falls back to the client address.
type RateLimitMiddleware struct {
	logger   types.Logger
	weight   int
	limit    int64
	window   time.Duration
	shards   [rateShardCount]*rateShard
	rejected types.Counter
	now      func() time.Time
}

type RateLimitConfig struct {
	RequestsPerWindow int64  `json:"requests_per_window"`
	Window            string `json:"window"`
}

type rateShard struct {
	mu      sync.Mutex
	clients map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int64
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*RateLimitMiddleware, error) {
	rateConfig := &RateLimitConfig{RequestsPerWindow: defaultRequests}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, rateConfig); err != nil {
			logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
			return nil, err
		}
	}

	window := defaultWindow
	if rateConfig.Window != "" {
		d, err := time.ParseDuration(rateConfig.Window)
		if err != nil || d <= 0 {
			return nil, types.Errorf(types.ErrInvalidParameter, "rate limit window: %q", rateConfig.Window)
		}
		window = d
	}
	if rateConfig.RequestsPerWindow <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "rate limit requests_per_window must be positive")
	}

	rl := &RateLimitMiddleware{
		logger: logger,
		weight: weightOf(NameRateLimit, item),
		limit:  rateConfig.RequestsPerWindow,
		window: window,
		now:    time.Now,
	}
	for i := range rl.shards {
		rl.shards[i] = &rateShard{clients: make(map[string]*rateWindow)}
	}
	if metrics != nil {
		rl.rejected = metrics.Counter("rate_limited_total", nil)
	}

	return rl, nil
}

func (rl *RateLimitMiddleware) Name() string { return NameRateLimit }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	key := clientKey(ctx)

	remaining, retryAfter, ok := rl.take(key)
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

	if !ok {
		rl.logger.Warn("Rate limit exceeded", zap.String("client", key), zap.ByteString("path", ctx.Path()))
		if rl.rejected != nil {
			rl.rejected.Inc()
		}
		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds()+0.999)))
		utils.WriteError(ctx, fasthttp.StatusTooManyRequests, types.ErrRateLimited.Error(), "too many requests, retry later")
		return
	}

	next(ctx)
}

// take counts one request for key and reports what is left of the window.
func (rl *RateLimitMiddleware) take(key string) (remaining int64, retryAfter time.Duration, ok bool) {
	shard := rl.shards[shardOf(key)]
	now := rl.now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, exists := shard.clients[key]
	if !exists || now.Sub(w.start) >= rl.window {
		if !exists && len(shard.clients) >= rateShardPrune {
			rl.prune(shard, now)
		}
		w = &rateWindow{start: now}
		shard.clients[key] = w
	}

	if w.count >= rl.limit {
		return 0, w.start.Add(rl.window).Sub(now), false
	}

	w.count++
	return rl.limit - w.count, 0, true
}

// prune drops windows that have already ended. Caller holds shard.mu.
func (rl *RateLimitMiddleware) prune(shard *rateShard, now time.Time) {
	for key, w := range shard.clients {
		if now.Sub(w.start) >= rl.window {
			delete(shard.clients, key)
		}
	}
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % rateShardCount)
}

func clientKey(ctx *fasthttp.RequestCtx) string {
	if caller, ok := types.CallerFrom(ctx); ok && caller.UserID != "" {
		return "user:" + caller.UserID
	}
	return "ip:" + clientAddr(ctx)
}

// clientAddr prefers the proxy headers over the socket address.
func clientAddr(ctx *fasthttp.RequestCtx) string {
	if ip := ctx.Request.Header.PeekBytes(realIPHeader); len(ip) > 0 {
		return string(bytes.TrimSpace(ip))
	}
	if fwd := ctx.Request.Header.PeekBytes(forwardedHeader); len(fwd) > 0 {
		if i := bytes.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return string(bytes.TrimSpace(fwd))
	}
	return ctx.RemoteIP().String()
}
