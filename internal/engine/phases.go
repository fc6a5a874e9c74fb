package engine

import (
	"context"
	"net"

	"github.com/jefgrailet/rtrack/internal/analyzer"
	"github.com/jefgrailet/rtrack/internal/fingerprint"
	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/ratelimit"
	"github.com/jefgrailet/rtrack/internal/repair"
	"github.com/jefgrailet/rtrack/internal/targets"
	"github.com/jefgrailet/rtrack/internal/tracer"
	"github.com/jefgrailet/rtrack/internal/worker"
)

const icmpTypeEchoReplyV4 = 0
const icmpTypeEchoReplyV6 = 129

// Run executes every phase in order — pre-scan, trace, analyze, repair,
// fingerprint, rate-limit — stopping early (but still saving what was
// gathered) the moment the emergency-stop flag goes up.
func (e *Engine) Run(ctx context.Context) error {
	parser := targets.New(e.console.Writer())
	parser.ParseCommandLine(e.cfg.Targets)

	initial := parser.InitialTargets(e.cfg.LAN, e.cfg.MaxThreads)
	if len(initial) == 0 {
		return ErrNoTargets
	}

	e.console.Notice("Starting pre-scanning phase (%d candidate targets).", len(initial))
	if err := e.Prescan(ctx, initial); err != nil {
		return e.finish(err)
	}
	if e.IsStopped() {
		return e.finish(ErrEmergencyStop)
	}

	responsive := parser.ResponsiveTargets(e.table, e.cfg.LAN, e.cfg.MaxThreads)
	if len(responsive) == 0 {
		return e.finish(ErrNoTargets)
	}

	e.console.Notice("Starting traceroute phase (%d responsive targets).", len(responsive))
	if err := e.Trace(ctx, responsive); err != nil {
		return e.finish(err)
	}
	if e.IsStopped() {
		return e.finish(ErrEmergencyStop)
	}

	e.console.Notice("Starting route analysis phase.")
	e.Analyze()

	e.console.Notice("Starting route repair phase.")
	if err := e.Repair(ctx); err != nil {
		return e.finish(err)
	}
	if e.IsStopped() {
		return e.finish(ErrEmergencyStop)
	}

	e.console.Notice("Starting fingerprinting phase.")
	if err := e.Fingerprint(ctx); err != nil {
		return e.finish(err)
	}
	if e.IsStopped() {
		return e.finish(ErrEmergencyStop)
	}

	if e.cfg.rateLimitEnabled() {
		e.console.Notice("Starting rate-limit analysis phase.")
		if err := e.RateLimit(ctx); err != nil {
			return e.finish(err)
		}
	}

	return e.finish(nil)
}

// finish writes every output file this run has produced. On a non-nil,
// non-ErrEmergencyStop error nothing is saved beyond what already landed on
// disk from a completed phase; on ErrEmergencyStop a best-effort
// "[Stopped] <label>.traces" is written so the run is not a total loss.
func (e *Engine) finish(cause error) error {
	defer e.closeLogs()

	if cause == ErrEmergencyStop {
		e.console.Warn("Emergency stop triggered — saving partial results.")
		_ = e.writeStoppedTraces()
		return cause
	}
	if cause != nil {
		return cause
	}
	return e.writeOutputs()
}

// Prescan sends one fixed-flow, TTL-255 probe to every candidate target and
// records which ones answered with a direct Echo Reply — tracing only ever
// targets a responsive address.
func (e *Engine) Prescan(ctx context.Context, candidates []net.IP) error {
	const prescanTTL = 255

	pool := worker.New(e.cfg.MaxThreads, e.cfg.ThreadDelay)
	pool.Spawn(ctx, len(candidates), func(ctx context.Context, i int) {
		if e.IsStopped() {
			return
		}
		dst := candidates[i]

		p, err := e.newProber()
		if err != nil {
			e.console.Warn("Caught an exception because no new socket could be opened.")
			e.TriggerStop()
			return
		}
		defer p.Close()
		p.SetTimeout(e.cfg.Timeout)

		rec, err := p.SingleProbe(ctx, dst, prescanTTL, true)
		if err != nil {
			e.TriggerStop()
			return
		}
		if rec == nil {
			return
		}

		responsive := !rec.IsAnonymous && isEchoReply(rec.ReplyICMPType) && rec.ReplyAddr.Equal(dst)
		if responsive {
			e.table.LookupOrCreate(dst)
		}
		e.markPrescanned(dst, responsive)
	})

	return nil
}

func isEchoReply(icmpType int) bool {
	return icmpType == icmpTypeEchoReplyV4 || icmpType == icmpTypeEchoReplyV6
}

// Trace runs one (or 1+BisTraces) traceroute toward every responsive
// target, each trace opening its own Prober, and appends every resulting
// route.Trace to the engine's collected set.
func (e *Engine) Trace(ctx context.Context, responsive []net.IP) error {
	opinions := 1 + e.cfg.BisTraces

	pool := worker.New(e.cfg.MaxThreads, e.cfg.ThreadDelay)
	pool.Spawn(ctx, len(responsive), func(ctx context.Context, i int) {
		dst := responsive[i]
		for opinion := 1; opinion <= opinions; opinion++ {
			if e.IsStopped() {
				return
			}

			p, err := e.newProber()
			if err != nil {
				e.console.Warn("Caught an exception because no new socket could be opened.")
				e.TriggerStop()
				return
			}
			if iface := e.table.Lookup(dst); iface != nil {
				p.SetTimeout(iface.PreferredTimeout())
			} else {
				p.SetTimeout(e.cfg.Timeout)
			}

			tr := tracer.New(p, e.table, e.cfg.tracerLimits())
			trace, err := tr.Trace(ctx, dst)
			p.Close()
			if err != nil {
				e.TriggerStop()
				return
			}
			if opinions > 1 {
				trace.OpinionNumber = opinion
			}
			e.appendTrace(trace)

			if e.cfg.Verbosity >= 1 {
				e.console.Printf("%s", trace.ToStringMeasured())
			}
		}
	})

	return nil
}

// Analyze runs cycle/stretch detection over every collected trace and
// writes the analyzer's per-route summary to the route_analysis phase
// writer, whatever the verbosity.
func (e *Engine) Analyze() {
	a := analyzer.New(e.table, e.phaseWriter("route_analysis"))
	a.Process(e.Traces())
}

// Repair attempts to de-anonymize every incomplete route, offline first
// (inference from sibling routes) and online (targeted re-probing) for
// whatever offline repair could not resolve. Every resolved interface is
// flagged as a rate-limit candidate, since an unresponsive hop is the
// signature a rate limiter leaves behind.
func (e *Engine) Repair(ctx context.Context) error {
	r := repair.New(e.phaseWriter("route_analysis"), e.newProber, e.cfg.MaxThreads)
	traces := e.Traces()
	repairs, err := r.Repair(ctx, traces)
	if err != nil {
		return err
	}

	for _, rep := range repairs {
		iface := e.table.LookupOrCreate(rep.Replacement)
		iface.SetRateLimited()
		if rep.Representative != nil {
			iface.SetRLAnalysisTarget(rep.Representative.Target, rep.TTL)
		}
	}
	e.setRepairs(repairs)

	if e.cfg.Verbosity >= 1 {
		for _, rep := range repairs {
			e.console.Printf("%s", rep.ToString())
		}
	}
	return nil
}

// Fingerprint sends one TTL-255 probe to every interface the table knows
// about, recording the initial TTL observed on a direct Echo Reply.
func (e *Engine) Fingerprint(ctx context.Context) error {
	var addrs []net.IP
	e.table.ForEach(func(iface *iptable.Interface) {
		addrs = append(addrs, iface.Addr())
	})

	fp := fingerprint.New(e.newProber, e.cfg.MaxThreads)
	return fp.Run(ctx, e.table, addrs)
}

// RateLimit profiles every interface flagged as a rate-limit candidate,
// growing concurrency round by round until the response ratio collapses or
// the configured thread ceiling is reached.
func (e *Engine) RateLimit(ctx context.Context) error {
	candidates := e.table.RateLimitedIPs()
	sched := ratelimit.New(
		e.phaseWriter("rate-limit_analysis"),
		e.newProber,
		e.cfg.MaxThreads,
		ratelimit.WithExperiments(e.cfg.RLExperimentsPerRound),
		ratelimit.WithExperimentDelay(e.cfg.RLDelayBetweenExperiments),
		ratelimit.WithMinResponseRatio(e.cfg.RLMinResponseRatio),
	)

	for _, iface := range candidates {
		if e.IsStopped() {
			return nil
		}
		if err := sched.Run(ctx, iface); err != nil {
			return err
		}
	}
	return nil
}
