// Package iptable is the global, concurrent IP dictionary: a bucketed hash
// map keyed by the high 20 bits of an IPv4 address, each bucket a small
// address-ordered list, exactly as `structure/IPLookUpTable` partitions its
// haystack. The table outlives every trace and is the sole owner of
// Interface entries; traces reference interfaces by address, never by
// pointer (see the Trace data-model note in SPEC_FULL.md).
package iptable

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// noKnownTTL mirrors IPTableEntry::NO_KNOWN_TTL, the sentinel meaning "no
// hop count observed yet".
const noKnownTTL = 255

// Interface is one discovered IPv4 address and everything learned about it
// across every trace, repair, and rate-limit round that touched it.
type Interface struct {
	mu sync.Mutex

	addr net.IP

	minTTL    int // minimum observed hop count; noKnownTTL until first record
	hopCounts []int

	preferredTimeout time.Duration

	rateLimited bool

	targetForRL net.IP
	ttlForRL    int

	initialTTLTimeExceeded int
	initialTTLEcho         int
	inconsistentITTL       bool

	stretchedTTLs []int
	inCyclesTTLs  []int

	roundRecords []RoundRecord
}

func newInterface(addr net.IP) *Interface {
	return &Interface{
		addr:             append(net.IP(nil), addr...),
		minTTL:           noKnownTTL,
		preferredTimeout: 2500 * time.Millisecond,
	}
}

// Addr returns the interface's IPv4 address.
func (e *Interface) Addr() net.IP {
	return e.addr
}

// MinTTL returns the minimum observed hop count, or 0 if none has been
// recorded yet.
func (e *Interface) MinTTL() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.minTTL == noKnownTTL && len(e.hopCounts) == 0 {
		return 0
	}
	return e.minTTL
}

// RecordHopCount folds a newly observed hop count into the interface,
// maintaining the invariant min(hopCounts) == minTTL. A reading equal to
// the current minimum is not duplicated into the list (mirrors
// IPTableEntry::recordHopCount, which only ever appends when hopCount !=
// TTL).
func (e *Interface) RecordHopCount(h int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.hopCounts) == 0 {
		e.hopCounts = append(e.hopCounts, h)
		e.minTTL = h
		return
	}
	if h == e.minTTL {
		return
	}
	if h < e.minTTL {
		e.hopCounts = append([]int{h}, e.hopCounts...)
		e.minTTL = h
		return
	}
	i := sort.SearchInts(e.hopCounts, h)
	e.hopCounts = append(e.hopCounts, 0)
	copy(e.hopCounts[i+1:], e.hopCounts[i:])
	e.hopCounts[i] = h
}

// HopCounts returns a copy of the recorded hop counts in ascending order. A
// reading equal to the minimum at the time it arrived is not stored again.
func (e *Interface) HopCounts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.hopCounts))
	copy(out, e.hopCounts)
	return out
}

// SetPreferredTimeout records a longer-than-default timeout to use for
// every probe toward this interface. The pre-scan phase does not call it,
// so an entry keeps the 2.5 s default unless a caller sets one.
func (e *Interface) SetPreferredTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preferredTimeout = d
}

// PreferredTimeout returns the timeout to use when this interface is the
// trace target.
func (e *Interface) PreferredTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preferredTimeout
}

// inferITTL rounds a remaining TTL up to the next power-of-two boundary in
// {32, 64, 128, 255}; 0 (or negative) maps to 0, "unknown".
func inferITTL(remaining int) int {
	switch {
	case remaining > 128:
		return 255
	case remaining > 64:
		return 128
	case remaining > 32:
		return 64
	case remaining > 0:
		return 32
	default:
		return 0
	}
}

// SetInitialTTLTimeExceeded folds a remaining TTL observed on a
// Time-Exceeded reply into the interface's inferred initial TTL. A zero
// reading is ignored outright (routers under load occasionally report a
// remaining TTL of 0); the first non-zero reading latches the value, and
// any later disagreement sets the inconsistent-iTTL flag rather than
// overwriting it.
func (e *Interface) SetInitialTTLTimeExceeded(remaining int) {
	iTTL := inferITTL(remaining)
	if iTTL == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialTTLTimeExceeded == 0 {
		e.initialTTLTimeExceeded = iTTL
	} else if iTTL != e.initialTTLTimeExceeded {
		e.inconsistentITTL = true
	}
}

// SetInitialTTLEcho folds a remaining TTL observed on a direct Echo Reply
// (the fingerprinting phase) into the interface. Unlike the Time-Exceeded
// field, this one carries no inconsistency tracking: an Echo Reply is
// never relayed through an intermediate hop, so only the first reading is
// kept.
func (e *Interface) SetInitialTTLEcho(remaining int) {
	iTTL := inferITTL(remaining)
	if iTTL == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialTTLEcho == 0 {
		e.initialTTLEcho = iTTL
	}
}

// AddStretchedTTL appends a hop-count at which this interface was observed
// above its minimum (duplicates allowed — the summary counts them).
func (e *Interface) AddStretchedTTL(ttl int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stretchedTTLs = append(e.stretchedTTLs, ttl)
}

// AddInCycleTTL appends a hop-count at which this interface recurred
// within a single trace.
func (e *Interface) AddInCycleTTL(ttl int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inCyclesTTLs = append(e.inCyclesTTLs, ttl)
}

// IsStretched reports whether this interface was ever flagged stretched.
func (e *Interface) IsStretched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stretchedTTLs) > 0
}

// IsCycling reports whether this interface was ever flagged cycling.
func (e *Interface) IsCycling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inCyclesTTLs) > 0
}

// SetRateLimited flags the interface as a rate-limit candidate, typically
// because it replaced a `*` during route repair.
func (e *Interface) SetRateLimited() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimited = true
}

// IsRateLimited reports the rate-limit candidate flag.
func (e *Interface) IsRateLimited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateLimited
}

// SetRLAnalysisTarget records the destination+TTL pair that makes this
// interface appear in a route, used by the rate-limit scheduler to decide
// where to aim its probes.
func (e *Interface) SetRLAnalysisTarget(target net.IP, ttl int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetForRL = target
	e.ttlForRL = ttl
}

// RLAnalysisTarget returns the destination+TTL pair set by
// SetRLAnalysisTarget.
func (e *Interface) RLAnalysisTarget() (net.IP, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targetForRL, e.ttlForRL
}

// PushRoundRecord appends a completed rate-limit round to this interface's
// history.
func (e *Interface) PushRoundRecord(r RoundRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roundRecords = append(e.roundRecords, r)
}

// RoundRecords returns a copy of every rate-limit round recorded so far.
func (e *Interface) RoundRecords() []RoundRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RoundRecord, len(e.roundRecords))
	copy(out, e.roundRecords)
	return out
}

// HasRoundRecords reports whether any rate-limit round has completed.
func (e *Interface) HasRoundRecords() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.roundRecords) > 0
}

// runLengthPercent run-length-encodes a sorted TTL list into "ttl - pct%"
// segments, exactly as IPTableEntry::toString does for stretchedTTLs and
// inCyclesTTLs.
func runLengthPercent(ttls []int) string {
	if len(ttls) == 0 {
		return ""
	}
	sorted := append([]int(nil), ttls...)
	sort.Ints(sorted)

	var segs []string
	total := len(sorted)
	prev := sorted[0]
	count := 0
	for _, cur := range sorted {
		if cur == prev {
			count++
			continue
		}
		ratio := float64(count) / float64(total) * 100
		segs = append(segs, fmt.Sprintf("%d - %.5g%%", prev, ratio))
		prev = cur
		count = 1
	}
	ratio := float64(count) / float64(total) * 100
	segs = append(segs, fmt.Sprintf("%d - %.5g%%", prev, ratio))
	return strings.Join(segs, ", ")
}

// ToString renders the entry the way `L.ip` records it: address, minimum
// TTL, the `<iTTL-TimeExceeded,iTTL-Echo>` pair (each side `*` if unknown
// or inconsistent), followed by any rate-limit/stretch/cycle flags.
func (e *Interface) ToString() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	minTTL := e.minTTL
	if minTTL == noKnownTTL && len(e.hopCounts) == 0 {
		minTTL = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s - %d - <", e.addr.String(), minTTL)
	if e.initialTTLTimeExceeded > 0 && !e.inconsistentITTL {
		fmt.Fprintf(&b, "%d", e.initialTTLTimeExceeded)
	} else {
		b.WriteString("*")
	}
	b.WriteString(",")
	if e.initialTTLEcho > 0 {
		fmt.Fprintf(&b, "%d", e.initialTTLEcho)
	} else {
		b.WriteString("*")
	}
	b.WriteString(">")

	if e.rateLimited {
		b.WriteString(" | Might be rate-limited")
	}
	if len(e.stretchedTTLs) > 0 {
		fmt.Fprintf(&b, " | Stretched [%s]", runLengthPercent(e.stretchedTTLs))
	}
	if len(e.inCyclesTTLs) > 0 {
		fmt.Fprintf(&b, " | Cycling [%s]", runLengthPercent(e.inCyclesTTLs))
	}
	b.WriteString("\n")
	return b.String()
}
