package runner

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"course-autopilot/internal/config"
)

// Pacer waits for a delay drawn from a range. Implementations return early
// when ctx is done.
type Pacer interface {
	Pause(ctx context.Context, r config.DelayRange)
}

type RandomPacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPacer() *RandomPacer {
	return &RandomPacer{rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))}
}

// Draw returns a duration in [r.Min, r.Max].
func (p *RandomPacer) Draw(r config.DelayRange) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	p.mu.Lock()
	n := p.rng.Int64N(int64(r.Max-r.Min) + 1)
	p.mu.Unlock()
	return r.Min + time.Duration(n)
}

func (p *RandomPacer) Pause(ctx context.Context, r config.DelayRange) {
	sleepContext(ctx, p.Draw(r))
}

// NoPacing never waits.
type NoPacing struct{}

func (NoPacing) Pause(context.Context, config.DelayRange) {}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
