package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herakles-io/procmem/pkg/scan"
)

func samples(pids ...int32) []scan.Sample {
	out := make([]scan.Sample, 0, len(pids))
	for _, pid := range pids {
		out = append(out, scan.Sample{PID: pid, Name: "p", USS: uint64(pid)})
	}
	return out
}

func TestRead_EmptyBeforeFirstCommit(t *testing.T) {
	c := New()
	snap, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Processes)
	assert.False(t, snap.UpdateSucceeded)
	assert.True(t, snap.LastUpdated.IsZero())
}

func TestCommit_ReplacesSnapshotAtomically(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1, 2, 3), 5*time.Millisecond)

	snap, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Processes, 3)
	assert.True(t, snap.UpdateSucceeded)
	assert.Equal(t, 5*time.Millisecond, snap.UpdateDuration)

	// Second cycle fully replaces, not merges.
	c.BeginUpdate()
	c.Commit(samples(7), time.Millisecond)
	snap, err = c.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	_, ok := snap.Processes[7]
	assert.True(t, ok)
}

func TestFail_PreservesPreviousData(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1, 2), time.Millisecond)

	c.BeginUpdate()
	c.Fail(time.Millisecond)

	snap, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Processes, 2, "failed refresh must not erase prior good data")
	assert.False(t, snap.UpdateSucceeded)
}

func TestRead_WaitsDuringUpdateThenSeesNewData(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1), time.Millisecond)

	c.BeginUpdate()
	require.True(t, c.Updating())

	got := make(chan Snapshot, 1)
	go func() {
		snap, err := c.Read(context.Background())
		if err == nil {
			got <- snap
		}
	}()

	// The reader must be suspended, not returning stale mid-update data.
	select {
	case <-got:
		t.Fatal("reader returned while update in progress")
	case <-time.After(50 * time.Millisecond):
	}

	c.Commit(samples(1, 2, 3), time.Millisecond)

	select {
	case snap := <-got:
		assert.Len(t, snap.Processes, 3, "waiting reader must observe the fully committed snapshot")
	case <-time.After(time.Second):
		t.Fatal("reader not woken by commit")
	}
}

func TestRead_ContextCancelledWhileWaiting(t *testing.T) {
	c := New()
	c.BeginUpdate()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRead_NeverObservesPartialView(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1, 2, 3, 4), time.Millisecond)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer flips between a 4-process and an 8-process snapshot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.BeginUpdate()
			if i%2 == 0 {
				c.Commit(samples(1, 2, 3, 4, 5, 6, 7, 8), time.Microsecond)
			} else {
				c.Commit(samples(1, 2, 3, 4), time.Microsecond)
			}
		}
		close(stop)
	}()

	// Readers must only ever see complete snapshots of either size.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := c.Read(context.Background())
				if err != nil {
					return
				}
				n := len(snap.Processes)
				if n != 4 && n != 8 {
					t.Errorf("observed partial snapshot with %d processes", n)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestStale_ReturnsDuringUpdate(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1), time.Millisecond)

	c.BeginUpdate()
	snap := c.Stale()
	assert.Len(t, snap.Processes, 1)
	c.Commit(samples(1, 2), time.Millisecond)
}

func TestReadCopyIsIsolated(t *testing.T) {
	c := New()
	c.BeginUpdate()
	c.Commit(samples(1), time.Millisecond)

	snap, err := c.Read(context.Background())
	require.NoError(t, err)
	snap.Processes[99] = scan.Sample{PID: 99}

	again, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, again.Processes, 1, "reader mutations must not leak into the cache")
}
