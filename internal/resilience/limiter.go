package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Bucket is a token bucket shared by every call through one client. Tokens
// refill lazily at a fixed rate up to the burst capacity.
type Bucket struct {
	limiter *rate.Limiter
	burst   int
}

// NewBucket creates a bucket refilling perSec tokens per second with the
// given capacity. A non-positive rate disables limiting.
func NewBucket(perSec float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	return &Bucket{limiter: rate.NewLimiter(limit, burst), burst: burst}
}

// Acquire blocks until cost tokens are available and deducts them. A nil
// bucket never blocks.
func (b *Bucket) Acquire(ctx context.Context, cost int) error {
	if b == nil {
		return nil
	}
	if cost < 1 {
		cost = 1
	}
	if cost > b.burst {
		return eris.Errorf("rate limiter: cost %d exceeds capacity %d", cost, b.burst)
	}
	if err := b.limiter.WaitN(ctx, cost); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}
	return nil
}

// Capacity returns the burst size.
func (b *Bucket) Capacity() int {
	return b.burst
}
