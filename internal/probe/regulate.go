package probe

import (
	"context"
	"net"
	"sync"
	"time"
)

// regulatingProber wraps a Prober and enforces a minimum delay between any
// two probes it sends, regardless of destination — the same role
// env->getProbeRegulatingPeriod() plays ahead of every DirectProber
// implementation in the original tool, independent of the per-worker
// stagger a caller layers on top via internal/worker.
type regulatingProber struct {
	Prober
	period time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

// withRegulatingPeriod returns p unchanged when period is non-positive,
// otherwise a wrapper that sleeps as needed before every SingleProbe.
func withRegulatingPeriod(p Prober, period time.Duration) Prober {
	if period <= 0 {
		return p
	}
	return &regulatingProber{Prober: p, period: period}
}

func (r *regulatingProber) SingleProbe(ctx context.Context, dst net.IP, ttl int, fixedFlow bool) (*Record, error) {
	r.mu.Lock()
	wait := r.period - time.Since(r.lastSent)
	r.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	rec, err := r.Prober.SingleProbe(ctx, dst, ttl, fixedFlow)

	r.mu.Lock()
	r.lastSent = time.Now()
	r.mu.Unlock()

	return rec, err
}
