// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase = 100 * time.Millisecond
	DefaultMax  = 5 * time.Second
)

// Policy yields min(Base*2^attempt, Max). With Jitter at zero the result is a
// pure function of attempt and never decreases as attempt grows.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(base, max time.Duration, jitter float64) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	return &Policy{Base: base, Max: max, Jitter: jitter}
}

func Default() *Policy {
	return New(DefaultBase, DefaultMax, 0)
}

// WithSource makes jittered delays reproducible.
func (p *Policy) WithSource(src rand.Source) *Policy {
	p.mu.Lock()
	p.rnd = rand.New(src)
	p.mu.Unlock()
	return p
}

func (p *Policy) Delay(attempt int) time.Duration {
	d := p.capped(attempt)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}

	// Jitter only ever shortens the delay, so the cap still holds.
	spread := float64(d) * p.Jitter
	return d - time.Duration(spread*p.float64())
}

func (p *Policy) capped(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Max || d > p.Max/2 {
			return p.Max
		}
		d *= 2
	}

	if d > p.Max {
		return p.Max
	}
	return d
}

func (p *Policy) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}
