// Package procfs reads per-process memory and CPU data from a proc
// filesystem tree. All readers take an explicit process directory (or
// root) so tests can point them at synthetic fixtures instead of /proc.
package procfs

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the mount point of the live proc filesystem.
const DefaultRoot = "/proc"

// ClockTicks returns the number of jiffies (clock ticks) per second.
// It first checks the env var CLK_TCK (useful for testing), otherwise
// falls back to 100 (common default).
//
// Note: On real systems, the authoritative way is `sysconf(_SC_CLK_TCK)`,
// but calling that requires cgo. For portability in a pure-Go exporter,
// this simplified approach is acceptable. Callers should query once at
// startup and reuse the value.
func ClockTicks() int {
	v, _ := strconv.Atoi(os.Getenv("CLK_TCK"))
	if v > 0 {
		return v
	}
	return 100
}

// Entry is a candidate process directory under the proc root.
type Entry struct {
	PID int32
	Dir string
}

// Entries walks root and returns entries whose name is purely numeric
// (a pid) and which expose at least one memory-map source file
// (smaps_rollup or smaps). Enumeration stops early once max entries have
// been collected; max <= 0 means unlimited.
//
// A missing or unreadable root yields an empty slice, not an error:
// the caller treats "nothing to scan" and "no proc mounted" the same way.
func Entries(root string, max int) []Entry {
	des, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	out := make([]Entry, 0, 128)
	for _, de := range des {
		name := de.Name()
		pid, err := strconv.ParseInt(name, 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		dir := filepath.Join(root, name)
		if !exists(filepath.Join(dir, "smaps_rollup")) && !exists(filepath.Join(dir, "smaps")) {
			continue
		}
		out = append(out, Entry{PID: int32(pid), Dir: dir})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
