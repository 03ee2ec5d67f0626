package quota

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/posthog/capture-flags/pkg/clock"
)

// PartitionLimiter bounds how many events per second a single
// partition key ("token:distinct_id") may produce. A key that exceeds
// its rate has its key nulled out by NextKey, so the log producer (C10)
// routes that event to a random partition instead of piling onto one
// hot partition.
type PartitionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	clk      clock.Source
}

func NewPartitionLimiter(rps float64, burst int, clk clock.Source) *PartitionLimiter {
	return &PartitionLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
		clk:      clk,
	}
}

// NextKey returns key unchanged if it is still within its partition
// budget, or "" (meaning: random partition) if the key has overflowed.
func (p *PartitionLimiter) NextKey(key string) string {
	if key == "" {
		return key
	}
	p.mu.Lock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.limiters[key] = lim
	}
	p.mu.Unlock()

	if lim.AllowN(p.clk.Now(), 1) {
		return key
	}
	return ""
}
