// Package export owns the prometheus metric families and populates them
// from an aggregation result on every scrape. Text encoding is left to
// promhttp.
package export

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/herakles-io/procmem/pkg/aggregate"
	"github.com/herakles-io/procmem/pkg/cputrack"
	"github.com/herakles-io/procmem/pkg/procfs"
)

// Kinds are the per-metric-kind enable flags.
type Kinds struct {
	RSS bool
	PSS bool
	USS bool
	CPU bool
}

var (
	processLabels = []string{"pid", "name", "group", "subgroup"}
	bucketLabels  = []string{"group", "subgroup"}
	topLabels     = []string{"group", "subgroup", "rank", "pid", "name"}
)

// Metrics holds every gauge family the exporter emits.
type Metrics struct {
	registry *prometheus.Registry

	// Per-process values
	rss        *prometheus.GaugeVec
	pss        *prometheus.GaugeVec
	uss        *prometheus.GaugeVec
	cpuPercent *prometheus.GaugeVec
	cpuTime    *prometheus.GaugeVec

	// Per-bucket sums
	aggRSS        *prometheus.GaugeVec
	aggPSS        *prometheus.GaugeVec
	aggUSS        *prometheus.GaugeVec
	aggCPUPercent *prometheus.GaugeVec
	aggCPUTime    *prometheus.GaugeVec

	// Top-N per bucket
	topRSS        *prometheus.GaugeVec
	topPSS        *prometheus.GaugeVec
	topUSS        *prometheus.GaugeVec
	topCPUPercent *prometheus.GaugeVec
	topCPUTime    *prometheus.GaugeVec

	// Percentage-of-bucket for Top-N members
	topRSSPct     *prometheus.GaugeVec
	topPSSPct     *prometheus.GaugeVec
	topUSSPct     *prometheus.GaugeVec
	topCPUTimePct *prometheus.GaugeVec

	// System-wide host values
	sysLoad1        prometheus.Gauge
	sysLoad5        prometheus.Gauge
	sysLoad15       prometheus.Gauge
	sysLoad1PerCore prometheus.Gauge
	sysCPUCount     prometheus.Gauge
	sysCPUUsage     *prometheus.GaugeVec
	sysMemTotal     prometheus.Gauge
	sysMemAvailable prometheus.Gauge
	sysMemUsedRatio prometheus.Gauge
	sysSwapTotal    prometheus.Gauge

	// Exporter meta
	scrapeDuration      prometheus.Gauge
	processesTotal      prometheus.Gauge
	cacheUpdateDuration prometheus.Gauge
	cacheUpdateSuccess  prometheus.Gauge
	cacheUpdating       prometheus.Gauge
}

// New registers every family on a fresh registry.
func New() *Metrics {
	gv := func(name, help string, labels []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		rss:        gv("procmem_rss_bytes", "Resident Set Size per process in bytes.", processLabels),
		pss:        gv("procmem_pss_bytes", "Proportional Set Size per process in bytes.", processLabels),
		uss:        gv("procmem_uss_bytes", "Unique Set Size per process in bytes.", processLabels),
		cpuPercent: gv("procmem_cpu_percent", "CPU usage per process in percent, delta over the last scan.", processLabels),
		cpuTime:    gv("procmem_cpu_time_seconds", "Cumulative CPU time per process in seconds.", processLabels),

		aggRSS:        gv("procmem_group_rss_bytes_sum", "Sum of RSS bytes per subgroup.", bucketLabels),
		aggPSS:        gv("procmem_group_pss_bytes_sum", "Sum of PSS bytes per subgroup.", bucketLabels),
		aggUSS:        gv("procmem_group_uss_bytes_sum", "Sum of USS bytes per subgroup.", bucketLabels),
		aggCPUPercent: gv("procmem_group_cpu_percent_sum", "Sum of CPU percent per subgroup.", bucketLabels),
		aggCPUTime:    gv("procmem_group_cpu_time_seconds_sum", "Sum of CPU time per subgroup in seconds.", bucketLabels),

		topRSS:        gv("procmem_top_rss_bytes", "RSS of the top processes per subgroup, ranked by USS.", topLabels),
		topPSS:        gv("procmem_top_pss_bytes", "PSS of the top processes per subgroup, ranked by USS.", topLabels),
		topUSS:        gv("procmem_top_uss_bytes", "USS of the top processes per subgroup, ranked by USS.", topLabels),
		topCPUPercent: gv("procmem_top_cpu_percent", "CPU percent of the top processes per subgroup.", topLabels),
		topCPUTime:    gv("procmem_top_cpu_time_seconds", "CPU time of the top processes per subgroup in seconds.", topLabels),

		topRSSPct:     gv("procmem_top_rss_percent_of_subgroup", "RSS of a top process as a share of its subgroup sum.", topLabels),
		topPSSPct:     gv("procmem_top_pss_percent_of_subgroup", "PSS of a top process as a share of its subgroup sum.", topLabels),
		topUSSPct:     gv("procmem_top_uss_percent_of_subgroup", "USS of a top process as a share of its subgroup sum.", topLabels),
		topCPUTimePct: gv("procmem_top_cpu_time_percent_of_subgroup", "CPU time of a top process as a share of its subgroup sum.", topLabels),

		sysLoad1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_load1", Help: "Host 1-minute load average."}),
		sysLoad5: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_load5", Help: "Host 5-minute load average."}),
		sysLoad15: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_load15", Help: "Host 15-minute load average."}),
		sysLoad1PerCore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_load1_per_core", Help: "Host 1-minute load average divided by core count."}),
		sysCPUCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_cpu_count", Help: "Number of CPU cores seen in /proc/stat."}),
		sysCPUUsage: gv("procmem_system_cpu_usage_ratio",
			"Busy ratio per CPU since the previous scrape; cpu=\"cpu\" is the aggregate.", []string{"cpu"}),
		sysMemTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_memory_total_bytes", Help: "Total system memory in bytes (MemTotal)."}),
		sysMemAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_memory_available_bytes", Help: "Available system memory in bytes (MemAvailable)."}),
		sysMemUsedRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_memory_used_ratio", Help: "Used memory ratio: 1 - available/total."}),
		sysSwapTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_system_swap_total_bytes", Help: "Total swap space in bytes (SwapTotal)."}),

		scrapeDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_scrape_duration_seconds", Help: "Duration of the last /metrics aggregation pass."}),
		processesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_processes", Help: "Number of processes exported on the last scrape."}),
		cacheUpdateDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_cache_update_duration_seconds", Help: "Duration of the last scan cycle."}),
		cacheUpdateSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_cache_update_success", Help: "Whether the last scan cycle succeeded (1 = yes)."}),
		cacheUpdating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmem_cache_updating", Help: "Whether a scan cycle is currently in progress (1 = yes)."}),
	}

	m.registry.MustRegister(
		m.rss, m.pss, m.uss, m.cpuPercent, m.cpuTime,
		m.aggRSS, m.aggPSS, m.aggUSS, m.aggCPUPercent, m.aggCPUTime,
		m.topRSS, m.topPSS, m.topUSS, m.topCPUPercent, m.topCPUTime,
		m.topRSSPct, m.topPSSPct, m.topUSSPct, m.topCPUTimePct,
		m.sysLoad1, m.sysLoad5, m.sysLoad15, m.sysLoad1PerCore,
		m.sysCPUCount, m.sysCPUUsage,
		m.sysMemTotal, m.sysMemAvailable, m.sysMemUsedRatio, m.sysSwapTotal,
		m.scrapeDuration, m.processesTotal,
		m.cacheUpdateDuration, m.cacheUpdateSuccess, m.cacheUpdating,
	)
	return m
}

// Handler renders the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// reset clears all labeled families so processes gone since the previous
// scrape do not linger with stale values.
func (m *Metrics) reset() {
	for _, v := range []*prometheus.GaugeVec{
		m.rss, m.pss, m.uss, m.cpuPercent, m.cpuTime,
		m.aggRSS, m.aggPSS, m.aggUSS, m.aggCPUPercent, m.aggCPUTime,
		m.topRSS, m.topPSS, m.topUSS, m.topCPUPercent, m.topCPUTime,
		m.topRSSPct, m.topPSSPct, m.topUSSPct, m.topCPUTimePct,
	} {
		v.Reset()
	}
}

// SystemStats carries one scrape's worth of host-wide readings. The Has
// flags gate publication: a failed reading keeps the previous value
// instead of dropping to zero.
type SystemStats struct {
	Load    procfs.LoadAvg
	HasLoad bool
	Mem     procfs.MemInfo
	HasMem  bool
	CPU     cputrack.SystemCPU
	HasCPU  bool
}

// SetSystem publishes the host-wide gauges. The per-CPU family is
// cleared first so cores gone offline do not linger.
func (m *Metrics) SetSystem(st SystemStats) {
	if st.HasLoad {
		m.sysLoad1.Set(st.Load.Load1)
		m.sysLoad5.Set(st.Load.Load5)
		m.sysLoad15.Set(st.Load.Load15)
	}
	if st.HasMem {
		m.sysMemTotal.Set(float64(st.Mem.TotalBytes))
		m.sysMemAvailable.Set(float64(st.Mem.AvailableBytes))
		m.sysMemUsedRatio.Set(st.Mem.UsedRatio())
		m.sysSwapTotal.Set(float64(st.Mem.SwapTotalBytes))
	}
	if st.HasCPU {
		m.sysCPUCount.Set(float64(st.CPU.Cores))
		m.sysCPUUsage.Reset()
		for cpu, ratio := range st.CPU.Ratios {
			m.sysCPUUsage.WithLabelValues(cpu).Set(ratio)
		}
		if st.HasLoad && st.CPU.Cores > 0 {
			m.sysLoad1PerCore.Set(st.Load.Load1 / float64(st.CPU.Cores))
		}
	}
}

// SetCacheMeta publishes snapshot metadata gauges.
func (m *Metrics) SetCacheMeta(updateDuration time.Duration, succeeded, updating bool) {
	m.cacheUpdateDuration.Set(updateDuration.Seconds())
	m.cacheUpdateSuccess.Set(boolGauge(succeeded))
	m.cacheUpdating.Set(boolGauge(updating))
}

// Populate replaces the labeled families with the given aggregation
// result, honoring the metric-kind flags. Percent-of-bucket gauges are
// only emitted when the bucket's corresponding sum is non-zero.
func (m *Metrics) Populate(res aggregate.Result, kinds Kinds, scrapeDur time.Duration) {
	m.reset()

	for _, p := range res.Exported {
		labels := []string{strconv.Itoa(int(p.PID)), p.Name, p.Label.Group, p.Label.Subgroup}
		if kinds.RSS {
			m.rss.WithLabelValues(labels...).Set(float64(p.RSS))
		}
		if kinds.PSS {
			m.pss.WithLabelValues(labels...).Set(float64(p.PSS))
		}
		if kinds.USS {
			m.uss.WithLabelValues(labels...).Set(float64(p.USS))
		}
		if kinds.CPU {
			m.cpuPercent.WithLabelValues(labels...).Set(p.CPUPercent)
			m.cpuTime.WithLabelValues(labels...).Set(p.CPUTimeSeconds)
		}
	}

	for key, b := range res.Buckets {
		if kinds.RSS {
			m.aggRSS.WithLabelValues(key.Group, key.Subgroup).Set(float64(b.RSSSum))
		}
		if kinds.PSS {
			m.aggPSS.WithLabelValues(key.Group, key.Subgroup).Set(float64(b.PSSSum))
		}
		if kinds.USS {
			m.aggUSS.WithLabelValues(key.Group, key.Subgroup).Set(float64(b.USSSum))
		}
		if kinds.CPU {
			m.aggCPUPercent.WithLabelValues(key.Group, key.Subgroup).Set(b.CPUPercentSum)
			m.aggCPUTime.WithLabelValues(key.Group, key.Subgroup).Set(b.CPUTimeSum)
		}

		for _, r := range b.Top {
			labels := []string{key.Group, key.Subgroup, strconv.Itoa(r.Rank), strconv.Itoa(int(r.PID)), r.Name}
			if kinds.RSS {
				m.topRSS.WithLabelValues(labels...).Set(float64(r.RSS))
				if b.RSSSum > 0 {
					m.topRSSPct.WithLabelValues(labels...).Set(r.RSSPct)
				}
			}
			if kinds.PSS {
				m.topPSS.WithLabelValues(labels...).Set(float64(r.PSS))
				if b.PSSSum > 0 {
					m.topPSSPct.WithLabelValues(labels...).Set(r.PSSPct)
				}
			}
			if kinds.USS {
				m.topUSS.WithLabelValues(labels...).Set(float64(r.USS))
				if b.USSSum > 0 {
					m.topUSSPct.WithLabelValues(labels...).Set(r.USSPct)
				}
			}
			if kinds.CPU {
				m.topCPUPercent.WithLabelValues(labels...).Set(r.CPUPercent)
				m.topCPUTime.WithLabelValues(labels...).Set(r.CPUTimeSeconds)
				if b.CPUTimeSum > 0 {
					m.topCPUTimePct.WithLabelValues(labels...).Set(r.CPUTimePct)
				}
			}
		}
	}

	m.processesTotal.Set(float64(len(res.Exported)))
	m.scrapeDuration.Set(scrapeDur.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
