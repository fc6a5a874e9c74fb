// Package analyzer implements route cycling/stretching detection and
// mitigation, run once the trace phase has collected every route. It never
// probes the network itself — it only reshuffles the hops a Trace already
// recorded, using the IP Table's per-interface minimum hop count as ground
// truth for what a "correct" TTL should have been.
package analyzer

import (
	"fmt"
	"io"
	"net"

	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/route"
)

// Analyzer runs detection then mitigation over a batch of traces.
type Analyzer struct {
	table     *iptable.Table
	out       io.Writer
	allTraces []*route.Trace
}

// New creates an Analyzer. out receives the same narrative log lines the
// original tool printed to its console; pass io.Discard to silence them.
func New(table *iptable.Table, out io.Writer) *Analyzer {
	if out == nil {
		out = io.Discard
	}
	return &Analyzer{table: table, out: out}
}

// Process runs Detect then Mitigate over traces, in place. It keeps a
// reference to the full batch so stretch mitigation can search every
// trace (not just the ones needing a fix) for the earliest occurrence of
// a stretched interface.
func (a *Analyzer) Process(traces []*route.Trace) {
	a.allTraces = traces
	a.Detect(traces)
	a.Mitigate(traces)
}

// Detect flags cycling and stretching on every trace with a valid
// (reachable) route, without altering hop order.
func (a *Analyzer) Detect(traces []*route.Trace) {
	affectedByCycling := 0
	fmt.Fprintln(a.out, "Evaluating route cycling...")
	for _, t := range traces {
		if !t.Reachable {
			continue
		}
		a.checkForCycles(t)
		nbCycles, longest := countCycles(t)
		if nbCycles > 0 {
			affectedByCycling++
			reportCycles(a.out, t.Target, nbCycles, longest)
		}
	}
	if affectedByCycling > 0 {
		fmt.Fprint(a.out, "Done.\n\n")
	} else {
		fmt.Fprint(a.out, "No router suffers from route cycling.\n\n")
	}

	affectedByStretching := 0
	fmt.Fprintln(a.out, "Evaluating route stretching...")
	for _, t := range traces {
		if !t.Reachable {
			continue
		}
		nbStretches, maxStretch := a.checkForStretches(t)
		if nbStretches > 0 {
			affectedByStretching++
			reportStretches(a.out, t.Target, nbStretches, maxStretch)
		}
	}
	if affectedByStretching > 0 {
		fmt.Fprint(a.out, "Done.\n\n")
	} else {
		fmt.Fprint(a.out, "No router suffers from route stretching.\n\n")
	}
}

// checkForCycles marks every hop that repeats an interface seen earlier in
// the same route as StateCycle, and records the occurrence on the shared
// IP Table entry.
func (a *Analyzer) checkForCycles(t *route.Trace) {
	for i := range t.Route {
		if t.Route[i].State == route.StateCycle || t.Route[i].IsAnonymous() {
			continue
		}
		cur := t.Route[i].IP
		for j := i + 1; j < len(t.Route); j++ {
			if t.Route[j].IP != nil && cur.Equal(t.Route[j].IP) {
				t.Route[j].State = route.StateCycle
				if entry := a.table.Lookup(cur); entry != nil {
					entry.AddInCycleTTL(j + 1)
				}
			}
		}
	}
}

// checkForStretches marks every hop whose interface was seen at a smaller
// hop count elsewhere as StateStretched, and records the occurrence on the
// shared IP Table entry.
func (a *Analyzer) checkForStretches(t *route.Trace) (nbStretches, maxStretch int) {
	for i := range t.Route {
		hop := t.Route[i].IP
		if hop == nil || t.Route[i].State == route.StateCycle {
			continue
		}
		entry := a.table.Lookup(hop)
		if entry == nil {
			continue
		}
		shortestTTL := entry.MinTTL()
		if (i + 1) > shortestTTL {
			diff := (i + 1) - shortestTTL
			t.Route[i].State = route.StateStretched
			entry.AddStretchedTTL(i + 1)
			nbStretches++
			if diff > maxStretch {
				maxStretch = diff
			}
		}
	}
	return
}

func countCycles(t *route.Trace) (nbCycles, longest int) {
	ignore := make([]bool, len(t.Route))
	for i := len(t.Route) - 1; i >= 0; i-- {
		if ignore[i] || t.Route[i].State != route.StateCycle {
			continue
		}
		nbCycles++
		cur := t.Route[i].IP
		length := 0
		for j := i - 1; j >= 0; j-- {
			if t.Route[j].IP != nil && t.Route[j].IP.Equal(cur) {
				length = i - j
				ignore[j] = true
			}
		}
		if length > longest {
			longest = length
		}
	}
	return
}

func reportCycles(out io.Writer, target net.IP, nbCycles, longest int) {
	if nbCycles > 1 {
		fmt.Fprintf(out, "Found %d cycles in route to %v (maximum cycle length: %d).\n", nbCycles, target, longest)
	} else {
		fmt.Fprintf(out, "Found one cycle in route to %v (cycle length: %d).\n", target, longest)
	}
}

func reportStretches(out io.Writer, target net.IP, nbStretches, maxStretch int) {
	unit := "hop"
	if maxStretch > 1 {
		unit = "hops"
	}
	if nbStretches > 1 {
		fmt.Fprintf(out, "Found %d stretches in route to %v (longest stretch: %d %s).\n", nbStretches, target, maxStretch, unit)
	} else {
		fmt.Fprintf(out, "Found one stretch in route to %v (stretch: %d %s).\n", target, maxStretch, unit)
	}
}
