// Package ratelimit estimates how hard a rate-limit candidate interface
// can be probed before it starts dropping replies. It runs successive
// rounds of increasing concurrency — round r fires 2^(r-1) probes per
// experiment — and stops either when the success ratio collapses below a
// floor or when the next round would exceed the configured thread
// budget.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/jefgrailet/rtrack/internal/iptable"
	"github.com/jefgrailet/rtrack/internal/probe"
	"github.com/jefgrailet/rtrack/internal/worker"
)

const (
	icmpTimeExceededV4 = 11
	icmpTimeExceededV6 = 3
)

// Scheduler runs the round-based rate-limit evaluation for one candidate
// interface at a time; candidates are evaluated sequentially, each round's
// experiments in parallel.
type Scheduler struct {
	out       io.Writer
	newProber func() (probe.Prober, error)

	maxThreads        int
	nbExperiments     int
	delayExperiments  time.Duration
	minResponseRatio  float64
}

// Option configures a Scheduler beyond its required arguments.
type Option func(*Scheduler)

// WithExperiments overrides the number of experiments run per round
// (default 15).
func WithExperiments(n int) Option {
	return func(s *Scheduler) { s.nbExperiments = n }
}

// WithExperimentDelay overrides the cooldown between experiments within a
// round (default 2s).
func WithExperimentDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.delayExperiments = d }
}

// WithMinResponseRatio overrides the round-mean percentage below which
// evaluation stops (default 5%).
func WithMinResponseRatio(pct float64) Option {
	return func(s *Scheduler) { s.minResponseRatio = pct }
}

// New creates a Scheduler. maxThreads bounds how far round concurrency is
// allowed to climb; newProber opens one fresh Prober per probe sent,
// mirroring one ProbeUnit owning one DirectProber.
func New(out io.Writer, newProber func() (probe.Prober, error), maxThreads int, opts ...Option) *Scheduler {
	if out == nil {
		out = io.Discard
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	s := &Scheduler{
		out:              out,
		newProber:        newProber,
		maxThreads:       maxThreads,
		nbExperiments:    15,
		delayExperiments: 2 * time.Second,
		minResponseRatio: 5.0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates one candidate interface until a round's mean success
// ratio falls below the configured floor, or the thread ceiling is
// reached, appending one RoundRecord per completed round to the
// candidate.
func (s *Scheduler) Run(ctx context.Context, candidate *iptable.Interface) error {
	target, ttl := candidate.RLAnalysisTarget()
	fmt.Fprintf(s.out, "# Evaluation of rate-limit of %s\n\n", candidate.Addr())

	roundNumber := 1
	nbThreads := 1
	for nbThreads <= s.maxThreads {
		delayToWait := time.Second / time.Duration(nbThreads)

		if nbThreads > 1 {
			fmt.Fprintf(s.out, "Starting round n°%d (%d probes, delay between = %s).\n", roundNumber, nbThreads, delayToWait)
		} else {
			fmt.Fprintf(s.out, "Starting round n°%d (one probe, delay between = %s).\n", roundNumber, delayToWait)
		}

		record := iptable.RoundRecord{RoundID: roundNumber}
		for i := 0; i < s.nbExperiments; i++ {
			if roundNumber > 1 || i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.delayExperiments):
				}
			}

			fmt.Fprintf(s.out, "Experiment n°%d...", i+1)

			ratio, misc, err := s.runExperiment(ctx, target, ttl, nbThreads, delayToWait, candidate.Addr())
			if err != nil {
				return err
			}
			record.Ratios = append(record.Ratios, ratio)
			record.MiscIPs = append(record.MiscIPs, misc...)

			fmt.Fprintf(s.out, " %.5g%% of successful probes.\n", ratio)
		}

		overall := record.Mean()
		fmt.Fprintf(s.out, "Average success ratio: %.5g%%.\n\n", overall)
		candidate.PushRoundRecord(record)

		if overall < s.minResponseRatio {
			fmt.Fprintf(s.out, "Average success rate is now below the minimum success ratio "+
				"(%.5g%% of probes). Rate-limit evaluation of %s stops here.\n\n",
				s.minResponseRatio, candidate.Addr())
			return nil
		}

		roundNumber++
		nbThreads = int(math.Pow(2, float64(roundNumber-1)))
	}

	fmt.Fprintf(s.out, "Reached maximum authorized amount of threads (= %d). Rate-limit "+
		"evaluation of %s stops here.\n\n", s.maxThreads, candidate.Addr())
	return nil
}

// runExperiment fires nbThreads fixed-flow probes toward target at ttl,
// staggering their launch by delay, and tallies how many replies came
// from the candidate versus some other interface. Only Time-Exceeded
// replies are counted at all — an anonymous or otherwise-typed reply is
// neither a success nor a misc hit, matching ProbeUnit::run.
func (s *Scheduler) runExperiment(ctx context.Context, target net.IP, ttl, nbThreads int, delay time.Duration, candidateAddr net.IP) (float64, []net.IP, error) {
	pool := worker.New(nbThreads, delay)

	var mu sync.Mutex
	success := 0
	var misc []net.IP
	var firstErr error

	tasks := make([]worker.Task, nbThreads)
	for i := range tasks {
		tasks[i] = func(ctx context.Context, _ int) {
			prober, err := s.newProber()
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			defer prober.Close()

			rec, err := prober.SingleProbe(ctx, target, ttl, true)
			if err != nil || rec == nil {
				return
			}
			if rec.ReplyICMPType != icmpTimeExceededV4 && rec.ReplyICMPType != icmpTimeExceededV6 {
				return
			}
			if rec.IsAnonymous {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if rec.ReplyAddr.Equal(candidateAddr) {
				success++
			} else {
				misc = append(misc, rec.ReplyAddr)
			}
		}
	}
	pool.Run(ctx, tasks)

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if firstErr != nil {
		return 0, nil, firstErr
	}

	ratio := float64(success) / float64(nbThreads) * 100
	return ratio, misc, nil
}
