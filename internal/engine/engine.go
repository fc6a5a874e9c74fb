// Package engine orchestrates one measurement run: pre-scanning candidate
// targets, tracing routes to the responsive ones, analyzing the resulting
// routes for anomalies, repairing incomplete routes offline or by re-probing, fingerprinting
// interfaces by their initial TTL, and finally profiling rate-limited
// interfaces. Every phase shares one IP table, one console, and one
// emergency-stop flag, all owned by the Engine context struct.
package engine

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/route"
	"github.com/jefgrailet/rtrack/internal/tracer"
)

// Config carries every tunable named on the command line or a configuration
// file. Zero-valued fields are not valid input — call DefaultConfig and
// override from there.
type Config struct {
	// Label prefixes every output file: "<Label>.traces", "<Label>.ip", etc.
	Label string

	// Targets is the raw, unparsed target-list string: a comma-separated
	// mix of single addresses, CIDR blocks, and file paths.
	Targets string

	// LAN is excluded from every probed target list, single addresses and
	// expanded blocks alike. Nil excludes nothing.
	LAN *net.IPNet

	ProbingMethod    probe.Method
	Timeout          time.Duration
	RegulatingPeriod time.Duration
	ThreadDelay      time.Duration

	MaxAnonHops int
	MaxCycles   int
	MaxThreads  int
	BisTraces   int

	RLExperimentsPerRound     int
	RLDelayBetweenExperiments time.Duration
	RLMinResponseRatio        float64

	Verbosity int

	ExternalLogging bool
	OutputDir       string
}

// DefaultConfig returns the configuration-surface defaults.
func DefaultConfig() Config {
	return Config{
		Label:                     time.Now().Format("02-01-2006 15:04:05"),
		ProbingMethod:             probe.MethodICMP,
		Timeout:                   2500 * time.Millisecond,
		RegulatingPeriod:          50 * time.Millisecond,
		ThreadDelay:               250 * time.Millisecond,
		MaxAnonHops:               3,
		MaxCycles:                 4,
		MaxThreads:                256,
		BisTraces:                 2,
		RLExperimentsPerRound:     15,
		RLDelayBetweenExperiments: 2 * time.Second,
		RLMinResponseRatio:        5.0,
		Verbosity:                 0,
		OutputDir:                 ".",
	}
}

// Validate reports ErrConfig-wrapped problems with fields whose range is
// documented: out of bounds values are never silently clamped.
func (c Config) Validate() error {
	switch {
	case c.MaxAnonHops < 1 || c.MaxAnonHops > 255:
		return fmt.Errorf("%w: max-anon-hops must be in [1,255], got %d", ErrConfig, c.MaxAnonHops)
	case c.MaxCycles < 1 || c.MaxCycles > 255:
		return fmt.Errorf("%w: max-cycles must be in [1,255], got %d", ErrConfig, c.MaxCycles)
	case c.MaxThreads < 1 || c.MaxThreads > 32766:
		return fmt.Errorf("%w: threads must be in [1,32766], got %d", ErrConfig, c.MaxThreads)
	case c.BisTraces < 0 || c.BisTraces > 255:
		return fmt.Errorf("%w: bis-traces must be in [0,255], got %d", ErrConfig, c.BisTraces)
	case c.RLExperimentsPerRound < 0 || c.RLExperimentsPerRound > c.MaxThreads:
		return fmt.Errorf("%w: rl-experiments-per-round must be in [0,threads], got %d", ErrConfig, c.RLExperimentsPerRound)
	case c.RLMinResponseRatio <= 0.0 || c.RLMinResponseRatio >= 100.0:
		return fmt.Errorf("%w: rl-min-response-ratio must be in (0,100), got %f", ErrConfig, c.RLMinResponseRatio)
	case c.Verbosity < 0 || c.Verbosity > 2:
		return fmt.Errorf("%w: verbosity must be in [0,2], got %d", ErrConfig, c.Verbosity)
	}
	return nil
}

// rateLimitEnabled reports whether the rate-limit profiling phase should run
// at all; an experiments-per-round of 0 disables it entirely.
func (c Config) rateLimitEnabled() bool {
	return c.RLExperimentsPerRound > 0
}

// tracerLimits translates the engine's own configuration fields into the
// tracer's own vocabulary; the tracer package's own DefaultLimits is only a
// fallback for callers that build a Tracer directly, not what Engine uses.
func (c Config) tracerLimits() tracer.Limits {
	return tracer.Limits{
		MaxConsecutiveAnonymous: c.MaxAnonHops,
		MaxCycles:               c.MaxCycles,
	}
}

// Engine is the explicit context shared by every phase of one run: the IP
// table accumulated so far, the emergency-stop flag, the shared console, and
// the traces collected across the run.
type Engine struct {
	cfg       Config
	table     *iptable.Table
	newProber func() (probe.Prober, error)
	console   *Console

	tracesMu sync.Mutex
	traces   []*route.Trace
	repairs  []*route.Repair

	stopMu  sync.Mutex
	stopped bool

	prescanMu  sync.Mutex
	prescanned map[string]bool

	logMu    sync.Mutex
	logFiles []*os.File
	phaseLog map[string]io.Writer
}

// New builds an Engine ready to run. newProber opens one fresh Prober per
// concurrent worker — phases never share a socket across goroutines.
func New(cfg Config, newProber func() (probe.Prober, error), console *Console) *Engine {
	if console == nil {
		console = NewConsole(io.Discard)
	}
	return &Engine{
		cfg:        cfg,
		table:      iptable.New(),
		newProber:  newProber,
		console:    console,
		prescanned: make(map[string]bool),
	}
}

// Table exposes the accumulated IP table, e.g. for "rtrack ip --show".
func (e *Engine) Table() *iptable.Table { return e.table }

// Traces returns a snapshot of every trace collected so far.
func (e *Engine) Traces() []*route.Trace {
	e.tracesMu.Lock()
	defer e.tracesMu.Unlock()
	out := make([]*route.Trace, len(e.traces))
	copy(out, e.traces)
	return out
}

func (e *Engine) appendTrace(t *route.Trace) {
	e.tracesMu.Lock()
	defer e.tracesMu.Unlock()
	e.traces = append(e.traces, t)
}

// Repairs returns a snapshot of every de-anonymization applied during the
// repair phase.
func (e *Engine) Repairs() []*route.Repair {
	e.tracesMu.Lock()
	defer e.tracesMu.Unlock()
	out := make([]*route.Repair, len(e.repairs))
	copy(out, e.repairs)
	return out
}

func (e *Engine) setRepairs(rs []*route.Repair) {
	e.tracesMu.Lock()
	defer e.tracesMu.Unlock()
	e.repairs = rs
}

// TriggerStop raises the emergency-stop flag. Sticky: once raised, it is
// never lowered for the remainder of the run.
func (e *Engine) TriggerStop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	e.stopped = true
}

// IsStopped reports whether some worker has already raised the emergency
// stop flag. Phases poll this between units of work; it is never delivered
// as a panic or an error mid-probe.
func (e *Engine) IsStopped() bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.stopped
}

func (e *Engine) markPrescanned(ip net.IP, responsive bool) {
	e.prescanMu.Lock()
	defer e.prescanMu.Unlock()
	if responsive {
		e.prescanned[ip.String()] = true
	}
}

// phaseWriter returns where a phase's collaborators (analyzer, repairer,
// rate-limit scheduler) should print to: the shared console alone, or the
// console tee'd into "Log_<label>_<phase>" when external logging is on.
func (e *Engine) phaseWriter(phase string) io.Writer {
	out := e.console.Writer()
	if !e.cfg.ExternalLogging {
		return out
	}

	e.logMu.Lock()
	defer e.logMu.Unlock()

	if w, ok := e.phaseLog[phase]; ok {
		return w
	}

	name := fmt.Sprintf("Log_%s_%s", e.cfg.Label, phase)
	file, err := os.Create(filepath.Join(e.cfg.OutputDir, name))
	if err != nil {
		return out
	}
	e.logFiles = append(e.logFiles, file)

	w := io.MultiWriter(out, file)
	if e.phaseLog == nil {
		e.phaseLog = make(map[string]io.Writer)
	}
	e.phaseLog[phase] = w
	return w
}

// closeLogs flushes and closes every phase log file opened this run.
func (e *Engine) closeLogs() {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	for _, f := range e.logFiles {
		f.Close()
	}
	e.logFiles = nil
}
