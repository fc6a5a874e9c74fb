package route

import (
	"fmt"
	"net"
	"strings"
)

// Trace is one measured path toward a target, plus the post-processed
// route the analyzer derives from it once cycles/stretches are found.
type Trace struct {
	Target    net.IP
	Reachable bool

	// OpinionNumber is 1 for the first trace toward Target, 2.. for
	// bis-traces (re-traces run to confirm a previously observed anomaly).
	OpinionNumber int

	Route           []Hop
	PostProcessed   []Hop // nil unless at least one hop was cycle/stretched
}

// NewTrace creates a trace with the default opinion number (1).
func NewTrace(target net.IP) *Trace {
	return &Trace{Target: target, OpinionNumber: 1}
}

// NeedsPostProcessing reports whether any hop of the observed route is
// tagged cycle or stretched.
func (t *Trace) NeedsPostProcessing() bool {
	for _, h := range t.Route {
		if h.State == StateCycle || h.State == StateStretched {
			return true
		}
	}
	return false
}

func tagFor(s State) string {
	switch s {
	case StateRepairedOffline:
		return "Repaired-1"
	case StateRepairedOnline:
		return "Repaired-2"
	case StateLimited:
		return "Limited"
	case StateStretched:
		return "Stretched"
	case StateCycle:
		return "Cycle"
	default:
		return ""
	}
}

// ToStringMeasured renders the trace the way `L.traces` records it:
// a header block, then one line per hop with its anomaly/repair tag (if
// any), or "Anonymous"/"Skipped" for hops without a reply.
func (t *Trace) ToStringMeasured() string {
	var b strings.Builder
	b.WriteString("#\n")
	b.WriteString("Target: ")
	b.WriteString(t.Target.String())
	if t.OpinionNumber > 1 {
		fmt.Fprintf(&b, " (opinion n°%d)", t.OpinionNumber)
	}
	b.WriteString("\n")

	if !t.Reachable {
		b.WriteString("Unreachable\n")
		return b.String()
	}

	fmt.Fprintf(&b, "TTL: %d\n", len(t.Route)+1)
	for i, h := range t.Route {
		if h.IsAnonymous() {
			if h.State == StateAnonymous || h.State == StateMissing {
				fmt.Fprintf(&b, "%d - Anonymous\n", i+1)
			} else {
				fmt.Fprintf(&b, "%d - Skipped\n", i+1)
			}
			continue
		}

		fmt.Fprintf(&b, "%d - %s", i+1, h.IP.String())
		if tag := tagFor(h.State); tag != "" {
			fmt.Fprintf(&b, " [%s]", tag)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ToStringPostProcessed renders the post-processed route, if any, the way
// `L.post-processed` records it: no anomaly tags survive mitigation.
func (t *Trace) ToStringPostProcessed() string {
	if t.PostProcessed == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("#\n")
	b.WriteString("Target: ")
	b.WriteString(t.Target.String())
	b.WriteString("\n")

	for i, h := range t.PostProcessed {
		if h.IsAnonymous() {
			fmt.Fprintf(&b, "%d - Anonymous\n", i+1)
			continue
		}
		fmt.Fprintf(&b, "%d - %s\n", i+1, h.IP.String())
	}
	return b.String()
}
