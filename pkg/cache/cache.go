// Package cache holds the committed result of the latest scan cycle and
// coordinates the single background writer with concurrent readers.
package cache

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/herakles-io/procmem/pkg/scan"
)

// Snapshot is the committed, internally consistent result of one scan
// cycle plus its metadata.
type Snapshot struct {
	Processes       map[int32]scan.Sample
	LastUpdated     time.Time
	UpdateDuration  time.Duration
	UpdateSucceeded bool
}

// Cache is the single source of truth consumed by read requests.
//
// Writer protocol: BeginUpdate marks the refresh in progress and returns
// immediately, so readers that merely check the flag can still read the
// previous snapshot. The scan itself runs with no lock held. Commit (or
// Fail) atomically installs the result, clears the flag and wakes every
// reader that chose to wait. A failed refresh never erases prior data.
type Cache struct {
	mu       sync.RWMutex
	snap     Snapshot
	updating bool
	// ready is closed when the in-flight update finishes (success or
	// failure) and replaced on the next BeginUpdate. Waiting on a closed
	// channel never blocks, so readers racing the transition are safe.
	ready chan struct{}
}

// New creates an empty cache. Until the first successful scan commits,
// reads observe an empty "not yet ready" snapshot rather than failing.
func New() *Cache {
	ready := make(chan struct{})
	close(ready)
	return &Cache{
		snap:  Snapshot{Processes: map[int32]scan.Sample{}},
		ready: ready,
	}
}

// BeginUpdate transitions idle -> updating. The previous snapshot stays
// visible to readers that do not wait.
func (c *Cache) BeginUpdate() {
	c.mu.Lock()
	c.updating = true
	c.ready = make(chan struct{})
	c.mu.Unlock()
}

// Commit installs the samples of a completed cycle. The clear-and-refill
// of the process map happens inside one exclusive critical section, so no
// reader can observe a partially mutated snapshot.
func (c *Cache) Commit(samples []scan.Sample, took time.Duration) {
	procs := make(map[int32]scan.Sample, len(samples))
	for _, s := range samples {
		procs[s.PID] = s
	}

	c.mu.Lock()
	c.snap = Snapshot{
		Processes:       procs,
		LastUpdated:     time.Now(),
		UpdateDuration:  took,
		UpdateSucceeded: true,
	}
	c.updating = false
	ready := c.ready
	c.mu.Unlock()

	close(ready)
}

// Fail ends a refresh that could not produce data. The previous snapshot
// remains fully intact and visible; only the success flag drops.
func (c *Cache) Fail(took time.Duration) {
	c.mu.Lock()
	c.snap.UpdateDuration = took
	c.snap.UpdateSucceeded = false
	c.updating = false
	ready := c.ready
	c.mu.Unlock()

	close(ready)
}

// Read returns a consistent snapshot. A reader arriving mid-update
// suspends on the completion signal instead of busy-polling; once
// signaled it re-checks and proceeds. A reader that finds the cache idle
// proceeds immediately with whatever is committed, however old.
func (c *Cache) Read(ctx context.Context) (Snapshot, error) {
	for {
		c.mu.RLock()
		if !c.updating {
			snap := c.snap
			snap.Processes = maps.Clone(c.snap.Processes)
			c.mu.RUnlock()
			return snap, nil
		}
		ready := c.ready
		c.mu.RUnlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Stale returns the committed snapshot without waiting, even mid-update.
// Used by health reporting, which prefers responsiveness to freshness.
func (c *Cache) Stale() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snap
	snap.Processes = maps.Clone(c.snap.Processes)
	return snap
}

// Updating reports whether a refresh is in progress.
func (c *Cache) Updating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updating
}
