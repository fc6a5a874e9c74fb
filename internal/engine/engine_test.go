package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jefgrailet/rtrack/internal/probe"
)

var errSocketExhausted = errors.New("no new socket could be opened")

// fakeProber always replies as if dst were a single, directly-reachable
// hop away: an Echo Reply from dst at every TTL, so pre-scan and
// fingerprinting see a direct reply and the tracer reaches dst at TTL 1.
type fakeProber struct {
	timeout time.Duration
}

func (f *fakeProber) SingleProbe(_ context.Context, dst net.IP, ttl int, _ bool) (*probe.Record, error) {
	if ttl >= 255 {
		return &probe.Record{ReplyAddr: dst, ReplyICMPType: icmpTypeEchoReplyV4}, nil
	}
	return &probe.Record{ReplyAddr: dst, ReplyICMPType: 0, ReplyTTL: 64}, nil
}
func (f *fakeProber) SetTimeout(d time.Duration) { f.timeout = d }
func (f *fakeProber) Timeout() time.Duration     { return f.timeout }
func (f *fakeProber) Close() error               { return nil }

func newFakeProber() (probe.Prober, error) { return &fakeProber{}, nil }

func TestRun_EmptyTargetsReturnsErrNoTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Targets = ""
	cfg.OutputDir = t.TempDir()
	cfg.Label = "run"

	e := New(cfg, newFakeProber, nil)
	if err := e.Run(context.Background()); err != ErrNoTargets {
		t.Fatalf("Run() error = %v, want ErrNoTargets", err)
	}
}

func TestRun_WritesOutputFilesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Targets = "10.0.0.1"
	cfg.OutputDir = dir
	cfg.Label = "run"
	cfg.BisTraces = 0
	cfg.RLExperimentsPerRound = 0 // disable rate-limit for this smoke test
	cfg.ThreadDelay = time.Millisecond

	e := New(cfg, newFakeProber, nil)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, suffix := range []string{".traces", ".post-processed", ".repair", ".ip", ".rate-limit"} {
		path := filepath.Join(dir, "run"+suffix)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected output file %s: %v", path, err)
		}
	}

	traces := e.Traces()
	if len(traces) != 1 {
		t.Fatalf("len(traces) = %d, want 1", len(traces))
	}
	if !traces[0].Reachable {
		t.Error("expected the single-hop target to be reachable")
	}
}

func TestEngine_TriggerStopIsSticky(t *testing.T) {
	e := New(DefaultConfig(), newFakeProber, nil)
	if e.IsStopped() {
		t.Fatal("fresh engine should not be stopped")
	}
	e.TriggerStop()
	if !e.IsStopped() {
		t.Fatal("expected stop flag to stick")
	}
}

func TestRun_SavesStoppedTracesOnEmergencyStop(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Targets = "10.0.0.1,10.0.0.2"
	cfg.OutputDir = dir
	cfg.Label = "stopped"
	cfg.ThreadDelay = time.Millisecond

	var calls int32
	e := New(cfg, func() (probe.Prober, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return nil, errSocketExhausted
		}
		return &fakeProber{}, nil
	}, nil)

	err := e.Run(context.Background())
	if err != ErrEmergencyStop {
		t.Fatalf("Run() error = %v, want ErrEmergencyStop", err)
	}

	path := filepath.Join(dir, "[Stopped] stopped.traces")
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("expected partial-results file %s: %v", path, statErr)
	}
}

func TestConfig_ValidateRejectsOutOfRangeFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCycles = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate() to reject MaxCycles = 0")
	}
}
