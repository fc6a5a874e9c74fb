// Package tracer implements the fixed-flow (Paris) tracer: for one target
// at a time, it walks TTLs upward from 1, feeding every discovered
// interface into the shared IP Table, until it reaches the destination or
// gives up. One Tracer wraps exactly one Prober and is used by exactly one
// goroutine at a time, so the Prober's fixed-flow field never needs to
// vary mid-trace.
package tracer

import (
	"context"
	"net"

	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/route"
)

// MaxTTL bounds how far a single trace will walk; it is extremely rare to
// observe a real TTL above this.
const MaxTTL = 64

// Limits bounds the stop conditions the tracer applies mid-trace.
type Limits struct {
	// MaxConsecutiveAnonymous stops the trace once more than this many
	// anonymous hops have been seen in a row.
	MaxConsecutiveAnonymous int
	// MaxCycles stops the trace once more than this many hops have
	// repeated an interface already seen earlier in the same trace.
	MaxCycles int
}

// DefaultLimits mirrors the configuration surface's own defaults
// (max-anon-hops=3, max-cycles=4); callers that build a Tracer directly
// without going through the engine's Config get the same bounds.
func DefaultLimits() Limits {
	return Limits{MaxConsecutiveAnonymous: 3, MaxCycles: 4}
}

// Tracer runs the fixed-flow probe loop for one target against one
// Prober.
type Tracer struct {
	prober probe.Prober
	table  *iptable.Table
	limits Limits
}

// New creates a Tracer. table is the shared IP Table every discovered
// interface is recorded into.
func New(p probe.Prober, table *iptable.Table, limits Limits) *Tracer {
	return &Tracer{prober: p, table: table, limits: limits}
}

// Trace computes the route to dst, recording every discovered interface in
// the IP Table and returning the resulting Trace. It never returns an
// error for probe-level failures (those degrade to anonymous hops); it
// only returns an error if the context is cancelled or the underlying
// socket fails outright.
func (t *Tracer) Trace(ctx context.Context, dst net.IP) (*route.Trace, error) {
	targetEntry := t.table.LookupOrCreate(dst)

	usedTimeout := t.prober.Timeout()
	if preferred := targetEntry.PreferredTimeout(); preferred > usedTimeout {
		t.prober.SetTimeout(preferred)
		usedTimeout = preferred
	}
	defer t.prober.SetTimeout(usedTimeout)

	var hops []route.Hop
	var seen []net.IP
	anonymous, cycles := 0, 0
	reachedDst := false

	for ttl := 1; ttl <= MaxTTL; ttl++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := t.prober.SingleProbe(ctx, dst, ttl, true)
		if err != nil {
			return nil, err
		}

		if rec.IsAnonymous {
			// Retry once with twice the timeout before giving up on this hop.
			t.prober.SetTimeout(usedTimeout * 2)
			rec, err = t.prober.SingleProbe(ctx, dst, ttl, true)
			t.prober.SetTimeout(usedTimeout)
			if err != nil {
				return nil, err
			}
		}

		if rec.IsAnonymous {
			anonymous++
		} else {
			anonymous = 0
			for _, ip := range seen {
				if ip.Equal(rec.ReplyAddr) {
					cycles++
					break
				}
			}
		}

		if anonymous > t.limits.MaxConsecutiveAnonymous || cycles > t.limits.MaxCycles {
			break
		}

		if isUnreachable(rec.ReplyICMPType) {
			break
		}
		if isEchoReply(rec.ReplyICMPType) {
			reachedDst = true
			break
		}

		hop := route.Hop{IP: rec.ReplyAddr, ReplyTTL: rec.ReplyTTL}
		if rec.IsAnonymous {
			hop.State = route.StateAnonymous
		} else {
			hop.State = route.StateViaTraceroute
			entry := t.table.LookupOrCreate(rec.ReplyAddr)
			entry.SetInitialTTLTimeExceeded(rec.ReplyTTL)
			entry.RecordHopCount(ttl)
			seen = append(seen, rec.ReplyAddr)
		}
		hops = append(hops, hop)
	}

	trace := route.NewTrace(dst)
	trace.Route = hops
	if reachedDst {
		trace.Reachable = true
		targetEntry.RecordHopCount(len(hops) + 1)
	}
	return trace, nil
}

func isUnreachable(icmpType int) bool {
	return icmpType == icmpTypeDestUnreachV4 || icmpType == icmpTypeDestUnreachV6
}

func isEchoReply(icmpType int) bool {
	return icmpType == icmpTypeEchoReplyV4 || icmpType == icmpTypeEchoReplyV6
}

// ICMP type numbers, kept local to avoid pulling x/net into this package
// just for four constants the probe package already resolves for us.
const (
	icmpTypeEchoReplyV4    = 0
	icmpTypeDestUnreachV4  = 3
	icmpTypeEchoReplyV6    = 129
	icmpTypeDestUnreachV6  = 1
)
