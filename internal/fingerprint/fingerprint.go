// Package fingerprint collects a lightweight TTL-based fingerprint of
// every interface discovered so far: one fixed-flow probe sent straight
// at the interface itself, at a TTL high enough to be certain of
// reaching it, expecting a direct Echo Reply. The IP TTL carried by that
// reply is rounded up to the next well-known OS default (32, 64, 128 or
// 255) and recorded
// against the interface, independent of whatever Time-Exceeded-derived
// iTTL the tracer might already have seen.
package fingerprint

import (
	"context"
	"net"
	"sync"

	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/worker"
)

// virtuallyInfiniteTTL is sent on every fingerprinting probe: high enough
// that no real route is expected to still be short of the destination.
const virtuallyInfiniteTTL = 255

const (
	icmpEchoReplyV4 = 0
	icmpEchoReplyV6 = 129
)

// Prober fingerprints a batch of interfaces concurrently, one probe per
// interface, each through its own Prober instance.
type Prober struct {
	newProber  func() (probe.Prober, error)
	maxWorkers int
}

// New creates a fingerprinting Prober. newProber opens one fresh Prober
// per worker, the same one-socket-per-unit ownership FingerprintingUnit
// uses.
func New(newProber func() (probe.Prober, error), maxWorkers int) *Prober {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Prober{newProber: newProber, maxWorkers: maxWorkers}
}

// Run sends one fixed-flow probe to every address in addrs and folds any
// direct Echo Reply's IP-header TTL into the corresponding table entry
// via SetInitialTTLEcho. Addresses that don't answer, or answer with
// anything but a direct Echo Reply, are left untouched.
func (p *Prober) Run(ctx context.Context, table *iptable.Table, addrs []net.IP) error {
	if len(addrs) == 0 {
		return nil
	}

	concurrency := p.maxWorkers
	if concurrency > len(addrs) {
		concurrency = len(addrs)
	}
	pool := worker.New(concurrency, 0)

	var mu sync.Mutex
	var firstErr error

	tasks := make([]worker.Task, len(addrs))
	for i := range addrs {
		addr := addrs[i]
		tasks[i] = func(ctx context.Context, _ int) {
			prober, err := p.newProber()
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			defer prober.Close()

			rec, err := prober.SingleProbe(ctx, addr, virtuallyInfiniteTTL, true)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if rec == nil || rec.IsAnonymous || !isEchoReply(rec.ReplyICMPType) || !rec.ReplyAddr.Equal(addr) {
				return
			}

			entry := table.LookupOrCreate(addr)
			entry.SetInitialTTLEcho(rec.ReplyTTL)
		}
	}
	pool.Run(ctx, tasks)

	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}

func isEchoReply(icmpType int) bool {
	return icmpType == icmpEchoReplyV4 || icmpType == icmpEchoReplyV6
}
