// Package route holds the Trace/RouteHop/RouteRepair data model: the
// observed and post-processed paths produced by the tracer, the analyzer,
// and the repairer.
package route

import "net"

// State tags a RouteHop with what the analyzer/repairer learned about it.
// Transitions are monotonic: missing -> repaired-* -> stretched|cycle.
type State int

const (
	// StateViaTraceroute is a hop that replied directly during tracing.
	StateViaTraceroute State = iota
	// StateMissing is a hop with no reply yet, still open for repair.
	StateMissing
	// StateAnonymous is a hop with no reply. The tracer tags every
	// timed-out hop this way, and repair treats it as a gap to fill.
	StateAnonymous
	// StateSkipped marks a hop intentionally left out of a rendering
	// (distinct from Anonymous only in how it is printed).
	StateSkipped
	// StateRepairedOffline is a hop healed by triplet-witness inference.
	StateRepairedOffline
	// StateRepairedOnline is a hop healed by targeted re-probing.
	StateRepairedOnline
	// StateLimited marks a hop whose interface is a rate-limit candidate.
	StateLimited
	// StateStretched marks a hop observed at a hop-count above the
	// interface's minimum observed hop-count.
	StateStretched
	// StateCycle marks a hop whose IP already occurred earlier in the
	// same trace.
	StateCycle
)

func (s State) String() string {
	switch s {
	case StateViaTraceroute:
		return "via-traceroute"
	case StateMissing:
		return "missing"
	case StateAnonymous:
		return "anonymous"
	case StateSkipped:
		return "skipped"
	case StateRepairedOffline:
		return "repaired-offline"
	case StateRepairedOnline:
		return "repaired-online"
	case StateLimited:
		return "limited"
	case StateStretched:
		return "stretched"
	case StateCycle:
		return "cycle"
	default:
		return "unknown"
	}
}

// Hop is one position in a route, indexed by TTL-1.
type Hop struct {
	IP      net.IP // nil or unspecified denotes anonymous
	ReplyTTL int   // remaining TTL carried by the reply packet
	State   State
}

// IsAnonymous reports whether this hop carries no usable reply address.
func (h Hop) IsAnonymous() bool {
	return h.IP == nil || h.IP.IsUnspecified()
}
