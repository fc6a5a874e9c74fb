package analyzer

import (
	"fmt"
	"net"

	"github.com/jefgrailet/rtrack/internal/route"
)

// Mitigate rewrites PostProcessed on every trace that needs it: cycles are
// collapsed first, then stretches are resolved by splicing in the prefix
// of whichever trace first reached the stretched interface at its true
// hop count.
func (a *Analyzer) Mitigate(traces []*route.Trace) {
	if a.allTraces == nil {
		a.allTraces = traces
	}
	var toFix []*route.Trace
	for _, t := range traces {
		if t.Reachable && needsPostProcessing(t) {
			toFix = append(toFix, t)
		}
	}
	if len(toFix) == 0 {
		return
	}
	if len(toFix) > 1 {
		fmt.Fprintf(a.out, "There are %d routes to post-process.\n", len(toFix))
	} else {
		fmt.Fprintln(a.out, "There is one route to post-process.")
	}

	cycleFixed := 0
	var stillNeedStretch []*route.Trace
	for _, t := range toFix {
		if needsCyclingMitigation(t) {
			t.PostProcessed = mitigateCycles(t.Route)
			cycleFixed++
		}
		if needsStretchingMitigation(t) {
			stillNeedStretch = append(stillNeedStretch, t)
		}
	}
	if cycleFixed > 0 {
		if cycleFixed > 1 {
			fmt.Fprintf(a.out, "Mitigated route cycling on %d routes.\n", cycleFixed)
		} else {
			fmt.Fprintln(a.out, "Mitigated route cycling on one route.")
		}
	}

	stretchFixed := 0
	for _, t := range stillNeedStretch {
		base := t.Route
		if t.PostProcessed != nil {
			base = t.PostProcessed
		}
		t.PostProcessed = a.mitigateStretches(base)
		stretchFixed++
	}
	if stretchFixed > 0 {
		if stretchFixed > 1 {
			fmt.Fprintf(a.out, "Mitigated route stretching on %d routes.\n", stretchFixed)
		} else {
			fmt.Fprintln(a.out, "Mitigated route stretching on one route.")
		}
	}
	fmt.Fprintln(a.out)
}

func needsPostProcessing(t *route.Trace) bool {
	return t.NeedsPostProcessing()
}

func needsCyclingMitigation(t *route.Trace) bool {
	for _, h := range t.Route {
		if h.State == route.StateCycle {
			return true
		}
	}
	return false
}

func needsStretchingMitigation(t *route.Trace) bool {
	for _, h := range t.Route {
		if h.State == route.StateStretched {
			return true
		}
	}
	return false
}

// mitigateCycles repeatedly finds the last cyclic hop, locates where its
// interface first appeared, and splices out everything in between until no
// cycle remains.
func mitigateCycles(hops []route.Hop) []route.Hop {
	cur := append([]route.Hop(nil), hops...)
	for hasState(cur, route.StateCycle) {
		cycleEnd := lastIndexOfState(cur, route.StateCycle)
		if cycleEnd <= 0 {
			break
		}
		cycledIP := cur[cycleEnd].IP

		cycleStart := 0
		for i := cycleEnd - 1; i >= 0; i-- {
			if cur[i].IP != nil && cur[i].IP.Equal(cycledIP) {
				cycleStart = i
			}
		}

		var next []route.Hop
		next = append(next, cur[:cycleStart]...)
		next = append(next, cur[cycleEnd:]...)
		for i := range next {
			if next[i].IP != nil && next[i].IP.Equal(cycledIP) {
				next[i].State = route.StateViaTraceroute
			}
		}
		cur = next
	}
	return cur
}

// mitigateStretches repeatedly finds the last stretched hop, splices in the
// prefix leading up to its true hop count from elsewhere in the batch, and
// repeats until no stretch remains.
func (a *Analyzer) mitigateStretches(in []route.Hop) []route.Hop {
	cur := append([]route.Hop(nil), in...)
	for hasState(cur, route.StateStretched) {
		offset := lastIndexOfState(cur, route.StateStretched)
		if offset <= 0 {
			break
		}
		toFix := cur[offset].IP

		prefix := a.findPrefix(toFix)
		if prefix == nil {
			break
		}

		var next []route.Hop
		next = append(next, prefix...)
		next = append(next, cur[offset:]...)
		for i := range next {
			if next[i].IP != nil && next[i].IP.Equal(toFix) {
				next[i].State = route.StateViaTraceroute
			}
		}
		cur = next
	}
	return cur
}

// findPrefix locates, among every trace's raw route, the earliest point a
// stretched interface's true hop count (its IP Table minimum TTL) was
// reached — either mid-route or as the route's own target — and returns
// the hops strictly before it.
func (a *Analyzer) findPrefix(stretched net.IP) []route.Hop {
	entry := a.table.Lookup(stretched)
	if entry == nil {
		return nil
	}
	ttl := entry.MinTTL()
	if ttl <= 0 {
		return nil
	}

	for _, t := range a.allTraces {
		if !t.Reachable {
			continue
		}
		if len(t.Route) >= ttl && t.Route[ttl-1].IP != nil && t.Route[ttl-1].IP.Equal(stretched) {
			return append([]route.Hop(nil), t.Route[:ttl-1]...)
		}
		if len(t.Route) == ttl-1 && t.Target.Equal(stretched) {
			return append([]route.Hop(nil), t.Route...)
		}
	}
	return nil
}

func hasState(hops []route.Hop, s route.State) bool {
	for _, h := range hops {
		if h.State == s {
			return true
		}
	}
	return false
}

func lastIndexOfState(hops []route.Hop, s route.State) int {
	for i := len(hops) - 1; i >= 0; i-- {
		if hops[i].State == s {
			return i
		}
	}
	return -1
}
