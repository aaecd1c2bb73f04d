// Package server wires the snapshot cache, aggregation and metric
// rendering behind an HTTP server, and drives the periodic scan loop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/herakles-io/procmem/pkg/aggregate"
	"github.com/herakles-io/procmem/pkg/cache"
	"github.com/herakles-io/procmem/pkg/classify"
	"github.com/herakles-io/procmem/pkg/config"
	"github.com/herakles-io/procmem/pkg/cputrack"
	"github.com/herakles-io/procmem/pkg/export"
	"github.com/herakles-io/procmem/pkg/procfs"
	"github.com/herakles-io/procmem/pkg/scan"
	"github.com/herakles-io/procmem/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Server owns the long-lived exporter state.
type Server struct {
	cfg     *config.Config
	table   *classify.Table
	scanner *scan.Scanner
	cache   *cache.Cache
	metrics *export.Metrics
	system  *cputrack.SystemTracker
	render  http.Handler
	log     *slog.Logger

	// scrapeMu serializes populate+render: the gauge families are shared,
	// so two concurrent scrapes must not interleave reset and encoding.
	scrapeMu sync.Mutex
}

// New assembles a Server.
func New(cfg *config.Config, table *classify.Table, scanner *scan.Scanner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	m := export.New()
	return &Server{
		cfg:     cfg,
		table:   table,
		scanner: scanner,
		cache:   cache.New(),
		metrics: m,
		system:  cputrack.NewSystem(),
		render:  m.Handler(),
		log:     log,
	}
}

// Cache exposes the snapshot cache, mainly for tests.
func (s *Server) Cache() *cache.Cache { return s.cache }

// Run starts the HTTP server and the periodic refresh loop, blocking
// until ctx is cancelled or the server fails. Shutdown is graceful:
// in-flight reads complete naturally; only the refresh loop is aborted.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.refreshLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Routes builds the HTTP routing table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", s.handleHealth)
	return r
}

// refreshLoop runs an immediate first scan and then one per interval
// until the context is cancelled.
func (s *Server) refreshLoop(ctx context.Context) {
	s.Refresh(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh performs one scan cycle against the cache: mark updating,
// scan with no lock held, then commit or fail. A failed cycle leaves the
// previous snapshot intact and is retried on the next tick.
func (s *Server) Refresh(ctx context.Context) {
	start := time.Now()
	s.cache.BeginUpdate()

	samples, err := s.scanner.Scan(ctx)
	if err != nil {
		s.cache.Fail(time.Since(start))
		s.log.Error("scan cycle failed", slog.Any("error", err))
		return
	}

	s.cache.Commit(samples, time.Since(start))

	var totalUSS types.Bytes
	for _, p := range samples {
		totalUSS += types.Bytes(p.USS)
	}
	s.log.Info("scan cycle complete",
		slog.Int("processes", len(samples)),
		slog.String("uss_total", totalUSS.Humanized()),
		slog.Duration("took", time.Since(start)))
}

// handleMetrics is the reader path: wait out an in-flight refresh rather
// than serving a mix of old and new data, aggregate the committed
// snapshot, populate the gauges and render.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	snap, err := s.cache.Read(r.Context())
	if err != nil {
		http.Error(w, "cache read interrupted", http.StatusServiceUnavailable)
		return
	}

	// Map iteration order is random; pid order gives every request the
	// same deterministic encounter order for ranking tie-breaks and the
	// "other" cardinality cap.
	samples := make([]scan.Sample, 0, len(snap.Processes))
	for _, p := range snap.Processes {
		samples = append(samples, p)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].PID < samples[j].PID })

	res := aggregate.Run(samples, s.table, s.cfg.Policy(), aggregate.Limits{
		TopNSubgroup: s.cfg.TopNSubgroup,
		TopNOthers:   s.cfg.TopNOthers,
	})

	sys := s.systemStats()

	s.scrapeMu.Lock()
	defer s.scrapeMu.Unlock()

	s.metrics.SetSystem(sys)
	s.metrics.SetCacheMeta(snap.UpdateDuration, snap.UpdateSucceeded, s.cache.Updating())
	s.metrics.Populate(res, export.Kinds{
		RSS: *s.cfg.EnableRSS,
		PSS: *s.cfg.EnablePSS,
		USS: *s.cfg.EnableUSS,
		CPU: *s.cfg.EnableCPU,
	}, time.Since(start))

	s.render.ServeHTTP(w, r)
}

// systemStats reads the host-wide values for one scrape. Each reading
// fails independently with a warning; the gauges then keep their
// previous values.
func (s *Server) systemStats() export.SystemStats {
	var st export.SystemStats
	root := s.cfg.ProcRoot

	la, err := procfs.ReadLoadAvg(root)
	if err != nil {
		s.log.Warn("load average unavailable", slog.Any("error", err))
	} else {
		st.Load, st.HasLoad = la, true
	}

	mi, err := procfs.ReadMemInfo(root)
	if err != nil {
		s.log.Warn("meminfo unavailable", slog.Any("error", err))
	} else {
		st.Mem, st.HasMem = mi, true
	}

	cpu, err := s.system.Sample(root)
	if err != nil {
		s.log.Warn("cpu stats unavailable", slog.Any("error", err))
	} else {
		st.CPU, st.HasCPU = cpu, true
	}
	return st
}

type healthResponse struct {
	Status          string  `json:"status"`
	LastScan        string  `json:"last_scan,omitempty"`
	LastScanAgeSecs float64 `json:"last_scan_age_seconds,omitempty"`
	ScanSucceeded   bool    `json:"scan_succeeded"`
	Updating        bool    `json:"updating"`
	Processes       int     `json:"processes"`
}

// handleHealth reports readiness from the stale snapshot view: health
// checks must answer even mid-refresh. The status code carries the
// contract for probes: 503 until the first successful scan commits, and
// again whenever the latest scan failed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.cache.Stale()

	resp := healthResponse{
		Status:        "ok",
		ScanSucceeded: snap.UpdateSucceeded,
		Updating:      s.cache.Updating(),
		Processes:     len(snap.Processes),
	}
	code := http.StatusOK
	if snap.LastUpdated.IsZero() {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	} else {
		resp.LastScan = snap.LastUpdated.UTC().Format(time.RFC3339)
		resp.LastScanAgeSecs = time.Since(snap.LastUpdated).Seconds()
		if !snap.UpdateSucceeded {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
