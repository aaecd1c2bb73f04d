package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herakles-io/procmem/pkg/classify"
	cfgpkg "github.com/herakles-io/procmem/pkg/config"
	"github.com/herakles-io/procmem/pkg/cputrack"
	"github.com/herakles-io/procmem/pkg/scan"
)

const testRules = `
[[subgroups]]
group = "db"
subgroup = "postgres"
matches = ["postgres"]
`

const mb = 1 << 20

func writeSamples(t *testing.T, recs []scan.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "samples.json")
	b, err := json.Marshal(scan.File{Version: "1", Processes: recs})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func newTestServer(t *testing.T, recs []scan.Record, mutate func(*cfgpkg.Config)) *Server {
	t.Helper()
	cfg, err := cfgpkg.Load("")
	require.NoError(t, err)
	cfg.SampleFile = writeSamples(t, recs)
	// An empty proc root keeps host-wide readings out of the picture.
	cfg.ProcRoot = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	table, err := classify.NewTable([]byte(testRules))
	require.NoError(t, err)

	return New(cfg, table, scan.New(cfg, cputrack.New(), nil), nil)
}

func scrape(t *testing.T, s *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: 500 * mb, PSS: 400 * mb, USS: 300 * mb, CPUPercent: 25, CPUTimeSeconds: 100},
		{PID: 2, Name: "postgres", RSS: 100 * mb, PSS: 80 * mb, USS: 60 * mb, CPUPercent: 5, CPUTimeSeconds: 20},
	}, nil)
	s.Refresh(context.Background())

	body := scrape(t, s)

	assert.Contains(t, body, `procmem_rss_bytes{group="db",name="postgres",pid="1",subgroup="postgres"}`)
	assert.Contains(t, body, `procmem_group_rss_bytes_sum{group="db",subgroup="postgres"} 6.291456e+08`)
	assert.Contains(t, body, `procmem_top_uss_bytes{group="db",name="postgres",pid="1",rank="1",subgroup="postgres"}`)
	assert.Contains(t, body, `procmem_cache_update_success 1`)
	assert.Contains(t, body, `procmem_processes 2`)
}

func TestMetricsEndpoint_EmptyBeforeFirstScan(t *testing.T) {
	s := newTestServer(t, nil, nil)

	body := scrape(t, s)
	assert.Contains(t, body, "procmem_processes 0")
	assert.Contains(t, body, "procmem_cache_update_success 0")
	assert.NotContains(t, body, "procmem_rss_bytes{")
}

func TestMetricsEndpoint_FailedRefreshServesPreviousSnapshot(t *testing.T) {
	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: 10 * mb, USS: 10 * mb},
	}, nil)
	s.Refresh(context.Background())

	// Break the source: the next cycle fails, prior data must survive.
	s.cfg.SampleFile = filepath.Join(t.TempDir(), "gone.json")
	s.Refresh(context.Background())

	body := scrape(t, s)
	assert.Contains(t, body, `procmem_rss_bytes{group="db",name="postgres",pid="1",subgroup="postgres"}`)
	assert.Contains(t, body, "procmem_cache_update_success 0")
}

func TestMetricsEndpoint_DisabledKindsAbsent(t *testing.T) {
	f := false
	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: 10 * mb, PSS: 10 * mb, USS: 10 * mb},
	}, func(c *cfgpkg.Config) {
		c.EnablePSS = &f
		c.EnableCPU = &f
	})
	s.Refresh(context.Background())

	body := scrape(t, s)
	assert.Contains(t, body, "procmem_rss_bytes{")
	assert.NotContains(t, body, "procmem_pss_bytes{")
	assert.NotContains(t, body, "procmem_cpu_percent{")
}

func TestMetricsEndpoint_OtherCapInPidOrder(t *testing.T) {
	var recs []scan.Record
	for i := 1; i <= 15; i++ {
		recs = append(recs, scan.Record{PID: int32(i), Name: fmt.Sprintf("stray-%d", i), RSS: mb, USS: mb})
	}
	s := newTestServer(t, recs, nil)
	s.Refresh(context.Background())

	body := scrape(t, s)
	assert.Equal(t, 10, strings.Count(body, "procmem_uss_bytes{"))
	// pid order is the encounter order, so pids 1..10 survive.
	assert.Contains(t, body, `pid="10"`)
	assert.NotContains(t, body, `pid="11"`)
	assert.Contains(t, body, `procmem_group_uss_bytes_sum{group="other",subgroup="other"} 1.048576e+07`)
}

// writeHostFixtures lays out loadavg, meminfo and stat under root so the
// host-wide readings resolve against a synthetic proc tree.
func writeHostFixtures(t *testing.T, root string, busy, idle uint64) {
	t.Helper()
	files := map[string]string{
		"loadavg": "1.50 0.80 0.40 2/1190 12345\n",
		"meminfo": "MemTotal:       8388608 kB\nMemAvailable:   2097152 kB\nSwapTotal:      1048576 kB\n",
		"stat": fmt.Sprintf("cpu  %d 0 0 %d 0 0 0 0 0 0\ncpu0 %d 0 0 %d 0 0 0 0 0 0\nintr 1\n",
			busy, idle, busy, idle),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
}

func TestMetricsEndpoint_SystemMetrics(t *testing.T) {
	root := t.TempDir()
	writeHostFixtures(t, root, 100, 900)

	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: mb, USS: mb},
	}, func(c *cfgpkg.Config) {
		c.ProcRoot = root
	})
	s.Refresh(context.Background())

	body := scrape(t, s)
	assert.Contains(t, body, "procmem_system_load1 1.5")
	assert.Contains(t, body, "procmem_system_load15 0.4")
	assert.Contains(t, body, "procmem_system_cpu_count 1")
	assert.Contains(t, body, "procmem_system_memory_total_bytes 8.589934592e+09")
	assert.Contains(t, body, "procmem_system_memory_available_bytes 2.147483648e+09")
	assert.Contains(t, body, "procmem_system_memory_used_ratio 0.75")
	assert.Contains(t, body, "procmem_system_swap_total_bytes 1.073741824e+09")
	// First scrape has no CPU usage window yet.
	assert.NotContains(t, body, "procmem_system_cpu_usage_ratio{")

	// +300 busy, +700 idle: 30% busy over the window between scrapes.
	writeHostFixtures(t, root, 400, 1600)
	body = scrape(t, s)
	assert.Contains(t, body, `procmem_system_cpu_usage_ratio{cpu="cpu"} 0.3`)
	assert.Contains(t, body, `procmem_system_cpu_usage_ratio{cpu="cpu0"} 0.3`)
	assert.Contains(t, body, "procmem_system_load1_per_core 1.5")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: mb, USS: mb},
	}, nil)

	health := func(t *testing.T) (int, healthResponse) {
		t.Helper()
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec.Code, resp
	}

	t.Run("unavailable_before_first_scan", func(t *testing.T) {
		code, resp := health(t)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "starting", resp.Status)
		assert.False(t, resp.ScanSucceeded)
	})

	t.Run("ok_after_scan", func(t *testing.T) {
		s.Refresh(context.Background())
		code, resp := health(t)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, resp.ScanSucceeded)
		assert.Equal(t, 1, resp.Processes)
	})

	t.Run("unavailable_after_failed_scan", func(t *testing.T) {
		s.cfg.SampleFile = filepath.Join(t.TempDir(), "gone.json")
		s.Refresh(context.Background())

		code, resp := health(t)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "degraded", resp.Status)
		assert.False(t, resp.ScanSucceeded)
		// The failed cycle keeps the previous snapshot's processes.
		assert.Equal(t, 1, resp.Processes)
	})
}

func TestConcurrentScrapes(t *testing.T) {
	s := newTestServer(t, []scan.Record{
		{PID: 1, Name: "postgres", RSS: 10 * mb, USS: 10 * mb},
		{PID: 2, Name: "stray", RSS: 5 * mb, USS: 5 * mb},
	}, nil)
	s.Refresh(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rec := httptest.NewRecorder()
				s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
				if rec.Code != http.StatusOK {
					t.Errorf("scrape returned %d", rec.Code)
					return
				}
				if !strings.Contains(rec.Body.String(), "procmem_processes 2") {
					t.Error("scrape observed inconsistent process count")
					return
				}
			}
		}()
	}
	wg.Wait()
}
