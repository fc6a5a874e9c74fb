// Package repair mends the gaps a trace leaves behind: hops where no
// reply ever arrived. It runs in two stages. Offline repair infers a
// missing interface from the "policemen and drunkard" principle — when
// every other route sharing the same hop-before/hop-after pair agrees on
// a single interface at the gap, that interface is almost certainly the
// one the timed-out hop would have reported. Online repair re-probes
// whatever offline repair could not settle, at a deliberately slow rate
// so a flaky or rate-limiting router has a chance to answer.
package repair

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/route"
)

// onlineCooldown is the pause observed before the first online pass, and
// again before an optional second pass.
const onlineCooldown = 60 * time.Second

// secondPassFloor/Ceiling bound the ratio-solved window that triggers a
// second online pass: comfortably worth another minute, but not so close
// to 100% that it is pointless.
const (
	secondPassFloor   = 40.0
	secondPassCeiling = 100.0
)

const (
	icmpTimeExceededV4 = 11
	icmpTimeExceededV6 = 3
)

// Repairer runs the offline then online repair stages over a batch of
// traces, mutating their Route hops in place and returning the ledger of
// what it changed.
type Repairer struct {
	out        io.Writer
	newProber  func() (probe.Prober, error)
	maxWorkers int
	sleepAfterFail    time.Duration
	sleepAfterSuccess time.Duration
}

// New creates a Repairer. newProber opens one fresh Prober per online
// repair worker — each worker owns its socket for the worker's lifetime,
// the same way one AnonymousCheckUnit owned one DirectProber.
func New(out io.Writer, newProber func() (probe.Prober, error), maxWorkers int) *Repairer {
	if out == nil {
		out = io.Discard
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Repairer{
		out:               out,
		newProber:         newProber,
		maxWorkers:        maxWorkers,
		sleepAfterFail:    time.Second,
		sleepAfterSuccess: 2 * time.Second,
	}
}

// Repair mends traces in place and returns every repair it performed, in
// the order offline repairs (trace by trace in batch order, each trace's
// own repairs sorted by hop-before/hop-after) then online repairs (in the
// order they were resolved).
func (r *Repairer) Repair(ctx context.Context, traces []*route.Trace) ([]*route.Repair, error) {
	if countIncomplete(traces) == 0 {
		fmt.Fprintln(r.out, "All routes to reachable destinations are complete.")
		return nil, nil
	}
	fmt.Fprintln(r.out, "There are incomplete routes towards reachable IPs.")

	permanentlyAnonymous := r.markUnavoidableAnonymous(traces)
	if permanentlyAnonymous > 0 {
		if permanentlyAnonymous > 1 {
			fmt.Fprintf(r.out, "Found %d unavoidable missing hops. These hops will be considered "+
				"as regular interfaces during repair.\n", permanentlyAnonymous)
		} else {
			fmt.Fprintln(r.out, "Found one unavoidable missing hop. This hop will be considered "+
				"as a regular interface during repair.")
		}
	}

	if countIncomplete(traces) == 0 {
		fmt.Fprintln(r.out, "There is no other missing hop in route(s) towards (a) reachable "+
			"IP(s). No repair will occur.")
		resetUnavoidableAnonHops(traces)
		return nil, nil
	}

	nbIncomplete := countIncomplete(traces)
	if nbIncomplete > 1 {
		fmt.Fprintf(r.out, "Found %d incomplete routes towards reachable IPs. Starting offline "+
			"repair...\n", nbIncomplete)
	} else {
		fmt.Fprintln(r.out, "Found one incomplete route towards a reachable IP. Starting offline "+
			"repair...")
	}

	var repairs []*route.Repair
	for _, t := range traces {
		if !t.Reachable || !hasIncompleteRoute(t) {
			continue
		}
		cur := repairRouteOffline(t, traces)
		for _, rep := range cur {
			fmt.Fprintln(r.out, rep.ToString())
		}
		repairs = append(repairs, cur...)
	}

	if len(repairs) == 0 {
		fmt.Fprintln(r.out, "Could not fix incomplete routes with offline repair.")
	} else {
		fmt.Fprintln(r.out)
		if countIncomplete(traces) == 0 {
			fmt.Fprintln(r.out, "All routes towards reachable IPs are now complete.")
			resetUnavoidableAnonHops(traces)
			return repairs, nil
		}
	}

	nbIncomplete = countIncomplete(traces)
	if nbIncomplete > 1 {
		fmt.Fprintf(r.out, "There remain %d incomplete routes towards reachable IPs. Starting "+
			"online repair...\n", nbIncomplete)
	} else {
		fmt.Fprintln(r.out, "There remains one incomplete route towards a reachable IP. Starting "+
			"online repair...")
	}

	select {
	case <-ctx.Done():
		resetUnavoidableAnonHops(traces)
		return repairs, ctx.Err()
	case <-time.After(onlineCooldown):
	}

	onlineRepairs, err := r.onlineRepair(ctx, traces)
	if err != nil {
		resetUnavoidableAnonHops(traces)
		return repairs, err
	}

	if len(onlineRepairs) == 0 {
		fmt.Fprintln(r.out, "Could not fix incomplete routes towards reachable IPs with online "+
			"repair.")
	} else {
		for _, rep := range onlineRepairs {
			fmt.Fprintln(r.out, rep.ToString())
		}
		fmt.Fprintln(r.out)
		repairs = append(repairs, onlineRepairs...)
		if countIncomplete(traces) == 0 {
			fmt.Fprintln(r.out, "All routes towards reachable IPs are now complete.")
		}
	}

	resetUnavoidableAnonHops(traces)
	return repairs, nil
}

func countIncomplete(traces []*route.Trace) int {
	n := 0
	for _, t := range traces {
		if t.Reachable && t.Route != nil && hasIncompleteRoute(t) {
			n++
		}
	}
	return n
}

func hasIncompleteRoute(t *route.Trace) bool {
	for _, h := range t.Route {
		if h.IsAnonymous() {
			return true
		}
	}
	return false
}

func countMissingHops(t *route.Trace) int {
	n := 0
	for _, h := range t.Route {
		if h.IsAnonymous() {
			n++
		}
	}
	return n
}

func hasValidRoute(t *route.Trace) bool {
	return t.Route != nil
}

// markUnavoidableAnonymous finds hop positions that are anonymous on
// every single trace carrying a route that long, and substitutes a
// placeholder address (0.0.0.1 upward) so the rest of repair treats the
// position as a regular, already-known interface rather than a gap worth
// chasing. resetUnavoidableAnonHops reverts these afterward.
func (r *Repairer) markUnavoidableAnonymous(traces []*route.Trace) int {
	minLength := 0
	for _, t := range traces {
		if len(t.Route) > 0 && (minLength == 0 || len(t.Route) < minLength) {
			minLength = len(t.Route)
		}
	}

	permanentlyAnonymous := 0
	for i := 0; i < minLength; i++ {
		anonymous := true
		for _, t := range traces {
			if hasValidRoute(t) && len(t.Route) > i && !t.Route[i].IsAnonymous() {
				anonymous = false
				break
			}
		}
		if !anonymous {
			continue
		}
		permanentlyAnonymous++
		placeholder := placeholderIP(i + 1)
		for _, t := range traces {
			if hasValidRoute(t) && len(t.Route) > i {
				t.Route[i].IP = placeholder
			}
		}
	}
	return permanentlyAnonymous
}

func resetUnavoidableAnonHops(traces []*route.Trace) {
	for _, t := range traces {
		for i := range t.Route {
			if isPlaceholder(t.Route[i].IP) {
				t.Route[i].IP = nil
			}
		}
	}
}

func placeholderIP(n int) net.IP {
	return net.IPv4(0, 0, 0, byte(n))
}

func isPlaceholder(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 0 && v4[1] == 0 && v4[2] == 0 && v4[3] >= 1
}

func ipEqual(a, b net.IP) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}

func dedupeIPs(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		found := false
		for _, seen := range out {
			if ipEqual(seen, ip) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ip)
		}
	}
	return out
}

func ipOrdinal(ip net.IP) uint32 {
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
