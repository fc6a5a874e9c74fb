package repair

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/route"
)

func mustIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad test IP: " + s)
	}
	return ip
}

func hop(ip string) route.Hop {
	if ip == "" {
		return route.Hop{State: route.StateAnonymous}
	}
	return route.Hop{IP: mustIP(ip), State: route.StateViaTraceroute}
}

func traceOf(target string, hops ...route.Hop) *route.Trace {
	return &route.Trace{Target: mustIP(target), Reachable: true, Route: hops}
}

func TestRepairRouteOffline_SingleOption(t *testing.T) {
	gap := traceOf("10.0.0.9", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	witness := traceOf("10.0.0.8", hop("1.1.1.1"), hop("2.2.2.2"), hop("3.3.3.3"))

	all := []*route.Trace{gap, witness}
	repairs := repairRouteOffline(gap, all)

	if len(repairs) != 1 {
		t.Fatalf("len(repairs) = %d, want 1", len(repairs))
	}
	if !gap.Route[1].IP.Equal(mustIP("2.2.2.2")) {
		t.Errorf("gap.Route[1].IP = %v, want 2.2.2.2", gap.Route[1].IP)
	}
	if gap.Route[1].State != route.StateRepairedOffline {
		t.Errorf("gap.Route[1].State = %v, want StateRepairedOffline", gap.Route[1].State)
	}
	if repairs[0].NOccExisting != 1 {
		t.Errorf("NOccExisting = %d, want 1", repairs[0].NOccExisting)
	}
}

func TestRepairRouteOffline_AmbiguousOptionsLeftAlone(t *testing.T) {
	gap := traceOf("10.0.0.9", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	witnessA := traceOf("10.0.0.8", hop("1.1.1.1"), hop("2.2.2.2"), hop("3.3.3.3"))
	witnessB := traceOf("10.0.0.7", hop("1.1.1.1"), hop("2.2.2.99"), hop("3.3.3.3"))

	all := []*route.Trace{gap, witnessA, witnessB}
	repairs := repairRouteOffline(gap, all)

	if len(repairs) != 0 {
		t.Fatalf("len(repairs) = %d, want 0 (ambiguous witnesses)", len(repairs))
	}
	if !gap.Route[1].IsAnonymous() {
		t.Error("gap.Route[1] should remain anonymous when witnesses disagree")
	}
}

func TestRepairRouteOffline_PropagatesToSimilarRoutes(t *testing.T) {
	gapA := traceOf("10.0.0.9", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	gapB := traceOf("10.0.0.6", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	witness := traceOf("10.0.0.8", hop("1.1.1.1"), hop("2.2.2.2"), hop("3.3.3.3"))

	all := []*route.Trace{gapA, gapB, witness}
	repairs := repairRouteOffline(gapA, all)

	if len(repairs) != 1 {
		t.Fatalf("len(repairs) = %d, want 1", len(repairs))
	}
	if repairs[0].NOccMissing != 2 {
		t.Errorf("NOccMissing = %d, want 2 (gapA and gapB)", repairs[0].NOccMissing)
	}
	if !gapB.Route[1].IP.Equal(mustIP("2.2.2.2")) {
		t.Errorf("gapB.Route[1].IP = %v, want 2.2.2.2 (propagated)", gapB.Route[1].IP)
	}
}

func TestRepairRouteOffline_LastHopNeverRepaired(t *testing.T) {
	gap := traceOf("10.0.0.9", hop("1.1.1.1"), hop(""))
	witness := traceOf("10.0.0.8", hop("1.1.1.1"), hop("2.2.2.2"))

	repairs := repairRouteOffline(gap, []*route.Trace{gap, witness})
	if len(repairs) != 0 {
		t.Fatalf("len(repairs) = %d, want 0 (last hop is never repaired offline)", len(repairs))
	}
}

func TestRepairRouteOffline_SingleHopRoute(t *testing.T) {
	gap := traceOf("10.0.0.1", hop(""))
	a := traceOf("10.0.0.2", hop("5.5.5.5"))
	b := traceOf("10.0.0.3", hop("5.5.5.5"))

	repairs := repairRouteOffline(gap, []*route.Trace{gap, a, b})
	if len(repairs) != 1 {
		t.Fatalf("len(repairs) = %d, want 1", len(repairs))
	}
	if !gap.Route[0].IP.Equal(mustIP("5.5.5.5")) {
		t.Errorf("gap.Route[0].IP = %v, want 5.5.5.5", gap.Route[0].IP)
	}
}

func TestMarkAndResetUnavoidableAnonymous(t *testing.T) {
	t1 := traceOf("10.0.0.1", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	t2 := traceOf("10.0.0.2", hop("1.1.1.1"), hop(""), hop("9.9.9.9"))

	r := New(nil, nil, 1)
	n := r.markUnavoidableAnonymous([]*route.Trace{t1, t2})
	if n != 1 {
		t.Fatalf("markUnavoidableAnonymous = %d, want 1", n)
	}
	if t1.Route[1].IsAnonymous() {
		t.Error("hop 1 should now carry a placeholder, not be anonymous")
	}
	if hasIncompleteRoute(t1) {
		t.Error("t1 should no longer be incomplete once its only gap is unavoidable")
	}

	resetUnavoidableAnonHops([]*route.Trace{t1, t2})
	if !t1.Route[1].IsAnonymous() {
		t.Error("hop 1 should be anonymous again after reset")
	}
}

func TestSimilarAnonymousHops(t *testing.T) {
	t1 := traceOf("10.0.0.1", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))
	t2 := traceOf("10.0.0.2", hop("1.1.1.1"), hop("2.2.2.2"), hop("3.3.3.3"))
	t3 := traceOf("10.0.0.3", hop("1.1.1.1"), hop("2.2.2.2"), hop("9.9.9.9"))

	if !similarAnonymousHops(t1, t2) {
		t.Error("t1/t2 share the same hop-before/hop-after around the gap, expected similar")
	}
	if similarAnonymousHops(t1, t3) {
		t.Error("t1/t3 disagree after the gap, expected not similar")
	}
}

type fakeProber struct {
	timeout time.Duration
	replies map[int]*probe.Record
}

func (f *fakeProber) SingleProbe(_ context.Context, _ net.IP, ttl int, _ bool) (*probe.Record, error) {
	if rec, ok := f.replies[ttl]; ok {
		return rec, nil
	}
	return &probe.Record{IsAnonymous: true}, nil
}
func (f *fakeProber) SetTimeout(d time.Duration) { f.timeout = d }
func (f *fakeProber) Timeout() time.Duration     { return f.timeout }
func (f *fakeProber) Close() error               { return nil }

func TestOnlineRepair_ResolvesGapAndStopsWhenComplete(t *testing.T) {
	gap := traceOf("10.0.0.9", hop("1.1.1.1"), hop(""), hop("3.3.3.3"))

	r := New(nil, func() (probe.Prober, error) {
		return &fakeProber{replies: map[int]*probe.Record{
			2: {ReplyAddr: mustIP("2.2.2.2"), ReplyICMPType: icmpTimeExceededV4},
		}}, nil
	}, 2)
	r.sleepAfterFail = time.Millisecond
	r.sleepAfterSuccess = time.Millisecond

	repairs, err := r.onlineRepair(context.Background(), []*route.Trace{gap})
	if err != nil {
		t.Fatalf("onlineRepair() error = %v", err)
	}
	if len(repairs) != 1 {
		t.Fatalf("len(repairs) = %d, want 1", len(repairs))
	}
	if !gap.Route[1].IP.Equal(mustIP("2.2.2.2")) {
		t.Errorf("gap.Route[1].IP = %v, want 2.2.2.2", gap.Route[1].IP)
	}
	if hasIncompleteRoute(gap) {
		t.Error("gap should be complete after the reply resolves its only missing hop")
	}
}

func TestRepair_NoIncompleteRoutesIsANoOp(t *testing.T) {
	clean := traceOf("10.0.0.1", hop("1.1.1.1"), hop("2.2.2.2"))
	r := New(nil, nil, 1)

	repairs, err := r.Repair(context.Background(), []*route.Trace{clean})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if repairs != nil {
		t.Errorf("repairs = %v, want nil", repairs)
	}
}
