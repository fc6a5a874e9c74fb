package repair

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/route"
	"github.com/jefgrailet/rtrack/internal/worker"
)

// onlineGroup is one representative trace plus every other trace sharing
// the identical hop-before/hop-after pattern at the same gap(s): probing
// the representative's missing hop also answers for the rest of the
// group, the same shortcut offline repair uses.
type onlineGroup struct {
	primary *route.Trace
	similar []*route.Trace
}

// onlineRepair re-probes whatever gaps remain after offline repair, at a
// deliberately slow rate (each worker pauses one second after an
// unanswered probe and two seconds after a resolved one), runs a second pass if the first left a meaningful but
// incomplete fraction solved, and returns every repair it managed.
func (r *Repairer) onlineRepair(ctx context.Context, traces []*route.Trace) ([]*route.Repair, error) {
	var all []*route.Repair
	firstPassTotal := 0

	for pass := 0; pass < 2; pass++ {
		incomplete := incompleteReachable(traces)
		if len(incomplete) == 0 {
			break
		}
		total := 0
		for _, t := range incomplete {
			total += countMissingHops(t)
		}
		if pass == 0 {
			firstPassTotal = total
		}

		groups := groupSimilar(incomplete)
		reps, err := r.probeGroups(ctx, groups)
		all = append(all, reps...)
		if err != nil {
			return all, err
		}

		if pass == 1 || firstPassTotal == 0 {
			break
		}

		solved := 0
		for _, rep := range all {
			solved += rep.NOccMissing
		}
		ratio := float64(solved) / float64(firstPassTotal) * 100

		if ratio <= secondPassFloor || ratio >= secondPassCeiling {
			break
		}

		fmt.Fprintf(r.out, "Repaired %.5g%% of missing hops. Starting a second opinion...\n", ratio)

		select {
		case <-ctx.Done():
			return all, ctx.Err()
		case <-time.After(onlineCooldown):
		}
	}

	return all, nil
}

func incompleteReachable(traces []*route.Trace) []*route.Trace {
	var out []*route.Trace
	for _, t := range traces {
		if t.Reachable && hasIncompleteRoute(t) {
			out = append(out, t)
		}
	}
	return out
}

// groupSimilar greedily partitions traces so each group's primary
// absorbs every other trace that shares one of its anonymous gaps'
// hop-before/hop-after pair — mirroring the grouping the original tool
// built before dispatching reprobe workers.
func groupSimilar(traces []*route.Trace) []onlineGroup {
	remaining := append([]*route.Trace(nil), traces...)
	var groups []onlineGroup
	for len(remaining) > 0 {
		primary := remaining[0]
		remaining = remaining[1:]

		var similar, rest []*route.Trace
		for _, t2 := range remaining {
			if similarAnonymousHops(primary, t2) {
				similar = append(similar, t2)
			} else {
				rest = append(rest, t2)
			}
		}
		remaining = rest
		groups = append(groups, onlineGroup{primary: primary, similar: similar})
	}
	return groups
}

// similarAnonymousHops reports whether t1 has an anonymous hop (not its
// first or last) whose immediate neighbors on both sides match t2's
// hops at the same position — the same triplet-witness test offline
// repair uses, applied here to decide whether one reprobe can settle
// both traces at once.
func similarAnonymousHops(t1, t2 *route.Trace) bool {
	n1, n2 := len(t1.Route), len(t2.Route)
	for i := 1; i < n1-1; i++ {
		if i >= n2-1 {
			break
		}
		if !t1.Route[i].IsAnonymous() {
			continue
		}
		before, after := t1.Route[i-1].IP, t1.Route[i+1].IP
		if before == nil || after == nil {
			continue
		}
		if ipEqual(t2.Route[i-1].IP, before) && ipEqual(t2.Route[i+1].IP, after) {
			return true
		}
	}
	return false
}

// probeGroups dispatches one worker per group (bounded to maxWorkers
// concurrent probers), each re-probing its primary trace's gaps in
// order and propagating any success to the group's similar traces under
// a shared mutex, exactly as the original's single parent callback did
// across all reprobe workers.
func (r *Repairer) probeGroups(ctx context.Context, groups []onlineGroup) ([]*route.Repair, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	concurrency := r.maxWorkers
	if concurrency > len(groups) {
		concurrency = len(groups)
	}
	pool := worker.New(concurrency, 50*time.Millisecond)

	var mu sync.Mutex
	var repairs []*route.Repair
	var firstErr error

	tasks := make([]worker.Task, len(groups))
	for gi := range groups {
		g := groups[gi]
		tasks[gi] = func(ctx context.Context, _ int) {
			prober, err := r.newProber()
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			defer prober.Close()

			r.reprobeGroup(ctx, prober, g, &mu, &repairs)
		}
	}
	pool.Run(ctx, tasks)

	if err := ctx.Err(); err != nil {
		return repairs, err
	}
	return repairs, firstErr
}

// reprobeGroup walks the primary trace's gaps in TTL order, sleeping a
// second after every anonymous reply and two seconds after every success
// (a reply other than Time Exceeded is skipped without a pause), applying a
// resolved hop to the primary and, when the triplet around it still
// matches, to every similar trace as well.
func (r *Repairer) reprobeGroup(ctx context.Context, prober probe.Prober, g onlineGroup, mu *sync.Mutex, out *[]*route.Repair) {
	t := g.primary
	for i := range t.Route {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !t.Route[i].IsAnonymous() {
			continue
		}

		rec, err := prober.SingleProbe(ctx, t.Target, i+1, true)
		if err != nil {
			return
		}
		if rec == nil || rec.IsAnonymous {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.sleepAfterFail):
			}
			continue
		}
		if !isTimeExceeded(rec.ReplyICMPType) {
			continue
		}

		mu.Lock()
		rep := applyOnlineRepair(t, i, rec.ReplyAddr, g.similar)
		*out = append(*out, rep)
		mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.sleepAfterSuccess):
		}
	}
}

// applyOnlineRepair deanonymizes hop of t, then — if it isn't the
// route's first or last hop — propagates the same replacement to every
// similar trace whose triplet at hop still matches and is still a gap.
func applyOnlineRepair(t *route.Trace, hop int, solution net.IP, similar []*route.Trace) *route.Repair {
	routeSize := len(t.Route)
	t.Route[hop].IP = solution
	t.Route[hop].State = route.StateRepairedOnline

	rep := &route.Repair{
		Replacement:    solution,
		Online:         true,
		NOccMissing:    1,
		TTL:            hop + 1,
		Representative: t,
	}

	if hop == 0 || hop == routeSize-1 {
		if hop > 0 {
			rep.HopBefore = t.Route[hop-1].IP
		}
		if hop < routeSize-1 {
			rep.HopAfter = t.Route[hop+1].IP
		}
		return rep
	}

	hopBefore, hopAfter := t.Route[hop-1].IP, t.Route[hop+1].IP
	rep.HopBefore, rep.HopAfter = hopBefore, hopAfter

	if len(similar) == 0 {
		return rep
	}

	fixed := 1
	for _, t2 := range similar {
		if hop == 0 || hop >= len(t2.Route)-1 {
			continue
		}
		if !ipEqual(t2.Route[hop-1].IP, hopBefore) || !ipEqual(t2.Route[hop+1].IP, hopAfter) {
			continue
		}
		if !t2.Route[hop].IsAnonymous() {
			continue
		}
		t2.Route[hop].IP = solution
		t2.Route[hop].State = route.StateRepairedOnline
		fixed++
	}
	rep.NOccMissing = fixed
	return rep
}

func isTimeExceeded(icmpType int) bool {
	return icmpType == icmpTimeExceededV4 || icmpType == icmpTimeExceededV6
}
