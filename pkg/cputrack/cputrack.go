// Package cputrack converts cumulative per-process CPU time into an
// instantaneous percentage by remembering the previous observation per pid.
package cputrack

import (
	"sync"
	"time"

	"github.com/herakles-io/procmem/pkg/procfs"
)

// Stat is one CPU observation for a process.
type Stat struct {
	// Percent is CPU usage over the window since the previous observation,
	// in percent. Deliberately not clamped at 100: multi-threaded processes
	// can legitimately exceed it.
	Percent float64
	// TimeSeconds is the cumulative user+system CPU time.
	TimeSeconds float64
}

type entry struct {
	timeSeconds float64
	at          time.Time
}

// Tracker keeps the last CPU-time observation per pid across scan cycles.
// Safe for concurrent use by the scan worker pool.
type Tracker struct {
	clkTck int

	mu   sync.RWMutex
	prev map[int32]entry
}

// New creates a Tracker. The clock-tick constant is captured once here
// (see procfs.ClockTicks) and reused for every sample.
func New() *Tracker {
	return &Tracker{
		clkTck: procfs.ClockTicks(),
		prev:   make(map[int32]entry),
	}
}

// Sample reads the process's cumulative CPU time from procDir and derives
// the usage percentage against the previous observation for pid:
//
//	percent = (cur - prev) / elapsed * 100
//
// clamped to 0 if either delta is non-positive (covers tick-counter
// non-monotonicity and the first-ever observation). The history entry is
// unconditionally overwritten, even when the stat read fails: the failed
// reading stores a zero time so a later real reading still computes a
// valid, if skewed, delta instead of failing forever.
func (t *Tracker) Sample(pid int32, procDir string, now time.Time) Stat {
	cur, err := procfs.CPUTimeSeconds(procDir, t.clkTck)
	if err != nil {
		cur = 0
	}

	var percent float64

	t.mu.RLock()
	if prev, ok := t.prev[pid]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		delta := cur - prev.timeSeconds
		if elapsed > 0 && delta > 0 {
			percent = delta / elapsed * 100
		}
	}
	t.mu.RUnlock()

	t.mu.Lock()
	t.prev[pid] = entry{timeSeconds: cur, at: now}
	t.mu.Unlock()

	return Stat{Percent: percent, TimeSeconds: cur}
}

// Prune drops history for pids not present in live, bounding memory under
// process churn. Called after each successful scan cycle with the pids
// that made it into the snapshot.
func (t *Tracker) Prune(live map[int32]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.prev {
		if _, ok := live[pid]; !ok {
			delete(t.prev, pid)
		}
	}
}

// Len reports the number of tracked pids.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prev)
}
