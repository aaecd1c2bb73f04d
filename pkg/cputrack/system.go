package cputrack

import (
	"strings"
	"sync"

	"github.com/herakles-io/procmem/pkg/procfs"
)

// SystemCPU is one system-wide CPU observation.
type SystemCPU struct {
	// Ratios maps a /proc/stat cpu key ("cpu" = aggregate, "cpu0"... =
	// cores) to its busy ratio in [0,1] over the window since the
	// previous observation. Empty on the first observation.
	Ratios map[string]float64
	// Cores is the number of individual cores seen.
	Cores int
}

// SystemTracker derives per-CPU usage ratios from consecutive /proc/stat
// readings. Safe for concurrent use.
type SystemTracker struct {
	mu   sync.Mutex
	prev map[string]procfs.CPUStat
}

// NewSystem creates a SystemTracker with no history.
func NewSystem() *SystemTracker {
	return &SystemTracker{}
}

// Sample reads the cpu lines under root and computes busy ratios against
// the previous reading:
//
//	ratio = (deltaTotal - deltaIdle) / deltaTotal
//
// where idle includes iowait. Counters that went backwards contribute a
// zero delta. A read failure leaves the history untouched so the next
// successful reading still has a valid baseline.
func (t *SystemTracker) Sample(root string) (SystemCPU, error) {
	cur, err := procfs.ReadCPUStats(root)
	if err != nil {
		return SystemCPU{}, err
	}

	out := SystemCPU{Ratios: make(map[string]float64)}
	for key := range cur {
		if key != "cpu" && strings.HasPrefix(key, "cpu") {
			out.Cores++
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.prev != nil {
		for key, c := range cur {
			p, ok := t.prev[key]
			if !ok {
				continue
			}
			dTotal := sub(c.Total(), p.Total())
			dIdle := sub(c.IdleTotal(), p.IdleTotal())
			if dTotal > 0 && dIdle <= dTotal {
				out.Ratios[key] = float64(dTotal-dIdle) / float64(dTotal)
			} else {
				out.Ratios[key] = 0
			}
		}
	}
	t.prev = cur
	return out, nil
}

func sub(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	return 0
}
