package route

import (
	"fmt"
	"net"
	"strings"
)

// Repair records a single de-anonymization: a `hop-before, *, hop-after`
// context replaced by a witnessed (offline) or re-probed (online) IP.
//
// Representative is a one-directional handle to the trace the repair was
// found through, kept only for reporting — it is never walked back from
// the trace (that would be the cyclic reference the design notes call
// out to avoid).
type Repair struct {
	HopBefore   net.IP // nil means "*" / beginning of route
	HopAfter    net.IP // nil means "*" / end of route
	Replacement net.IP
	Online      bool

	// NOccMissing is how many traces this repair fixes, its own trace
	// included (offline), or how many anonymous occurrences it resolves
	// (online).
	NOccMissing int
	// NOccExisting is how many traces already witnessed the replacement
	// value directly. Always 0 for online repairs.
	NOccExisting int

	// TTL is the 1-based hop position the repair applies to.
	TTL int

	Representative *Trace
}

// ToString renders the repair the way `L.repair` records it, one line per
// repair, offline and online formats differing in both the arrow body and
// the trailing annotation.
func (r *Repair) ToString() string {
	var b strings.Builder

	if r.Online {
		index := r.TTL - 1
		routeSize := 0
		if r.Representative != nil {
			routeSize = len(r.Representative.Route)
		}

		if index > 0 {
			if r.HopBefore == nil {
				b.WriteString("*, ")
			} else {
				fmt.Fprintf(&b, "%s, ", r.HopBefore.String())
			}
		}
		b.WriteString("*")
		if index < routeSize-1 {
			if r.HopAfter == nil {
				b.WriteString(", *")
			} else {
				fmt.Fprintf(&b, ", %s", r.HopAfter.String())
			}
		}

		b.WriteString(" -> ")

		if index > 0 {
			if r.HopBefore == nil {
				b.WriteString("*, ")
			} else {
				fmt.Fprintf(&b, "%s, ", r.HopBefore.String())
			}
		}
		b.WriteString(r.Replacement.String())
		if index < routeSize-1 {
			if r.HopAfter == nil {
				b.WriteString(", *")
			} else {
				fmt.Fprintf(&b, ", %s", r.HopAfter.String())
			}
		}

		fmt.Fprintf(&b, " (online, %d)", r.NOccMissing)
		return b.String()
	}

	switch {
	case r.HopBefore == nil && r.HopAfter == nil:
		fmt.Fprintf(&b, "* -> %s (single hop)", r.Replacement.String())
	case r.HopBefore == nil:
		fmt.Fprintf(&b, "*, %s -> %s, %s (beginning)", r.HopAfter, r.Replacement, r.HopAfter)
	case r.HopAfter == nil:
		fmt.Fprintf(&b, "%s, * -> %s, %s (end)", r.HopBefore, r.HopBefore, r.Replacement)
	default:
		fmt.Fprintf(&b, "%s, *, %s -> %s, %s, %s",
			r.HopBefore, r.HopAfter, r.HopBefore, r.Replacement, r.HopAfter)
	}

	ratio := float64(r.NOccExisting) / float64(r.NOccExisting+r.NOccMissing) * 100
	fmt.Fprintf(&b, " (%d / %d - %.5g%%)", r.NOccMissing, r.NOccExisting, ratio)
	return b.String()
}
