package fetcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pacer enforces a minimum spacing between requests. Each Slowdown doubles the
// spacing for the rest of the pacer's life; it never speeds back up.
type Pacer struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
}

// NewPacer allows requests events per period. Non-positive arguments fall back
// to 5 requests per 10 seconds.
func NewPacer(requests int, period time.Duration) *Pacer {
	if requests <= 0 {
		requests = 5
	}
	if period <= 0 {
		period = 10 * time.Second
	}
	interval := period / time.Duration(requests)
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Slowdown doubles the minimum spacing and returns the new value.
func (p *Pacer) Slowdown() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval *= 2
	p.limiter.SetLimit(rate.Every(p.interval))
	zap.L().Warn("rate limited: doubling request spacing",
		zap.Duration("interval", p.interval),
	)
	return p.interval
}

// Interval returns the current minimum spacing.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
