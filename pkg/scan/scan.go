// Package scan performs one full enumerate -> sample pass over the proc
// filesystem (or a synthetic sample file), producing the per-process
// samples that the snapshot cache commits.
package scan

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herakles-io/procmem/pkg/config"
	"github.com/herakles-io/procmem/pkg/cputrack"
	"github.com/herakles-io/procmem/pkg/procfs"
)

// Sample is one observed process for one scan cycle. Immutable after
// creation; owned by the cycle that created it until handed to the cache.
type Sample struct {
	PID            int32
	Name           string
	RSS            uint64
	PSS            uint64
	USS            uint64
	CPUPercent     float64
	CPUTimeSeconds float64
}

// Scanner runs scan cycles. The CPU tracker is long-lived state shared
// across cycles; everything else is per-cycle.
type Scanner struct {
	cfg     *config.Config
	tracker *cputrack.Tracker
	log     *slog.Logger
}

// New creates a Scanner.
func New(cfg *config.Config, tracker *cputrack.Tracker, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{cfg: cfg, tracker: tracker, log: log}
}

// Scan performs one cycle. Per-process failures (unreadable name or
// memory, below-threshold USS, name filters) skip that process and never
// fail the cycle. A non-nil error means the whole cycle failed (only the
// synthetic source can do that) and nothing should be committed.
func (s *Scanner) Scan(ctx context.Context) ([]Sample, error) {
	if s.cfg.SampleFile != "" {
		return s.scanFile()
	}
	return s.scanProc(ctx)
}

func (s *Scanner) scanProc(ctx context.Context) ([]Sample, error) {
	entries := procfs.Entries(s.cfg.ProcRoot, s.cfg.MaxProcesses)

	workers := s.cfg.Parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		mu      sync.Mutex
		out     = make([]Sample, 0, len(entries))
		skipped atomic.Int64
	)
	minUSS := s.cfg.MinUSSKB * 1024
	buffers := s.cfg.Buffers()
	now := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, e := range entries {
		e := e
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			name, err := procfs.ProcessName(e.Dir)
			if err != nil {
				skipped.Add(1)
				return nil
			}
			if !s.includeName(name) {
				skipped.Add(1)
				return nil
			}

			cpu := s.tracker.Sample(e.PID, e.Dir, now)

			mem, err := procfs.ReadMemory(e.Dir, buffers)
			if err != nil {
				// Process exited mid-scan or permission denied.
				skipped.Add(1)
				return nil
			}
			if mem.USS < minUSS {
				skipped.Add(1)
				return nil
			}

			mu.Lock()
			out = append(out, Sample{
				PID:            e.PID,
				Name:           name,
				RSS:            mem.RSS,
				PSS:            mem.PSS,
				USS:            mem.USS,
				CPUPercent:     cpu.Percent,
				CPUTimeSeconds: cpu.TimeSeconds,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; Wait is for completion

	live := make(map[int32]struct{}, len(out))
	for _, p := range out {
		live[p.PID] = struct{}{}
	}
	s.tracker.Prune(live)

	s.log.Debug("scan cycle complete",
		slog.Int("candidates", len(entries)),
		slog.Int("included", len(out)),
		slog.Int64("skipped", skipped.Load()))
	return out, nil
}

// includeName applies the configured substring filters: exclusion wins,
// then a non-empty include list becomes an allow-list.
func (s *Scanner) includeName(name string) bool {
	for _, ex := range s.cfg.ExcludeNames {
		if strings.Contains(name, ex) {
			return false
		}
	}
	if len(s.cfg.IncludeNames) == 0 {
		return true
	}
	for _, inc := range s.cfg.IncludeNames {
		if strings.Contains(name, inc) {
			return true
		}
	}
	return false
}
