package repair

import (
	"net"
	"sort"

	"github.com/jefgrailet/rtrack/internal/route"
)

// repairRouteOffline repairs every gap in t's route it can justify purely
// from the rest of the batch, without sending another probe. A gap at
// position i is fixed only when every other route sharing t's hop-before
// and hop-after at that same position agrees on exactly one interface —
// the "policemen and drunkard" principle: enough independent witnesses
// converging on one answer are trusted even without a direct reply.
// Repairs are propagated to every other route exhibiting the identical
// gap, and the final list is sorted by hop-before/hop-after so a report
// reads in a stable order. Apart from the single-hop case below, the last
// hop of a route is never repaired offline — with nothing after it to
// triangulate against, it is too risky to guess.
func repairRouteOffline(t *route.Trace, all []*route.Trace) []*route.Repair {
	routeSize := len(t.Route)
	var result []*route.Repair

	// Single-hop routes can only be fixed if the first hop of every other
	// route names one and the same interface — there is no
	// hop-before/hop-after triplet to triangulate with here.
	if routeSize == 1 {
		if !t.Route[0].IsAnonymous() {
			return result
		}

		var similar []*route.Trace
		for _, t2 := range all {
			if t2 != t && len(t2.Route) == 1 && t2.Route[0].IsAnonymous() {
				similar = append(similar, t2)
			}
		}

		var options []net.IP
		for _, t2 := range all {
			if t2 != t && len(t2.Route) > 0 {
				options = append(options, t2.Route[0].IP)
			}
		}
		nOccurrences := len(options)
		distinct := dedupeIPs(options)

		if len(distinct) == 1 && distinct[0] != nil {
			t.Route[0].IP = distinct[0]
			t.Route[0].State = route.StateRepairedOffline

			rep := &route.Repair{
				Replacement:    distinct[0],
				NOccMissing:    len(similar) + 1,
				NOccExisting:   nOccurrences,
				TTL:            1,
				Representative: t,
			}
			result = append(result, rep)

			for _, t2 := range similar {
				t2.Route[0].IP = distinct[0]
				t2.Route[0].State = route.StateRepairedOffline
			}
		}
		return result
	}

	for i := 0; i < routeSize-1; i++ {
		if !t.Route[i].IsAnonymous() {
			continue
		}

		var hopBefore, hopAfter net.IP
		if i > 0 {
			hopBefore = t.Route[i-1].IP
		}
		hopAfter = t.Route[i+1].IP

		if (i > 0 && hopBefore == nil) || hopAfter == nil {
			continue
		}

		var similar []*route.Trace
		for _, t2 := range all {
			if t2 == t || len(t2.Route) <= i+1 {
				continue
			}
			if !t2.Route[i].IsAnonymous() {
				continue
			}
			if (i == 0 || ipEqual(hopBefore, t2.Route[i-1].IP)) && ipEqual(hopAfter, t2.Route[i+1].IP) {
				similar = append(similar, t2)
			}
		}

		var options []net.IP
		for _, t2 := range all {
			if t2 == t || len(t2.Route) <= i+1 {
				continue
			}
			if t2.Route[i].IsAnonymous() {
				continue
			}
			if (i == 0 || ipEqual(hopBefore, t2.Route[i-1].IP)) && ipEqual(hopAfter, t2.Route[i+1].IP) {
				options = append(options, t2.Route[i].IP)
			}
		}
		nOccurrences := len(options)
		distinct := dedupeIPs(options)

		if len(distinct) != 1 {
			continue
		}

		replacement := distinct[0]
		t.Route[i].IP = replacement
		t.Route[i].State = route.StateRepairedOffline

		rep := &route.Repair{
			HopBefore:      hopBefore,
			HopAfter:       hopAfter,
			Replacement:    replacement,
			NOccMissing:    len(similar) + 1,
			NOccExisting:   nOccurrences,
			TTL:            i + 1,
			Representative: t,
		}
		result = append(result, rep)

		for _, t2 := range similar {
			t2.Route[i].IP = replacement
			t2.Route[i].State = route.StateRepairedOffline
		}
	}

	sortRepairs(result)
	return result
}

func sortRepairs(repairs []*route.Repair) {
	sort.SliceStable(repairs, func(i, j int) bool {
		bi, bj := ipOrdinal(repairs[i].HopBefore), ipOrdinal(repairs[j].HopBefore)
		if bi != bj {
			return bi < bj
		}
		return ipOrdinal(repairs[i].HopAfter) < ipOrdinal(repairs[j].HopAfter)
	})
}
