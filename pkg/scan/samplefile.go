package scan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/herakles-io/procmem/pkg/classify"
)

// Record is one process in a synthetic sample file. Group and subgroup
// are written by the generator for human inspection; the scan path
// ignores them, since classification always runs at read time.
type Record struct {
	PID            int32   `json:"pid"`
	Name           string  `json:"name"`
	Group          string  `json:"group"`
	Subgroup       string  `json:"subgroup"`
	RSS            uint64  `json:"rss"`
	PSS            uint64  `json:"pss"`
	USS            uint64  `json:"uss"`
	CPUPercent     float64 `json:"cpu_percent"`
	CPUTimeSeconds float64 `json:"cpu_time_seconds"`
}

// File is the synthetic sample file format.
type File struct {
	Version     string   `json:"version"`
	GeneratedAt string   `json:"generated_at"`
	Processes   []Record `json:"processes"`
}

// scanFile loads the configured sample file in place of live sampling.
// Name and USS filters still apply, so synthetic runs exercise the same
// filtering path. A load failure fails the whole cycle.
func (s *Scanner) scanFile() ([]Sample, error) {
	b, err := os.ReadFile(s.cfg.SampleFile)
	if err != nil {
		return nil, fmt.Errorf("load sample file: %w", err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse sample file: %w", err)
	}

	minUSS := s.cfg.MinUSSKB * 1024
	out := make([]Sample, 0, len(f.Processes))
	skipped := 0
	for _, r := range f.Processes {
		if !s.includeName(r.Name) || r.USS < minUSS {
			skipped++
			continue
		}
		out = append(out, Sample{
			PID:            r.PID,
			Name:           r.Name,
			RSS:            r.RSS,
			PSS:            r.PSS,
			USS:            r.USS,
			CPUPercent:     r.CPUPercent,
			CPUTimeSeconds: r.CPUTimeSeconds,
		})
	}

	s.log.Debug("loaded sample file",
		slog.String("file", s.cfg.SampleFile),
		slog.Int("included", len(out)),
		slog.Int("skipped", skipped))
	return out, nil
}

// Generate writes a synthetic sample file covering every label pair in
// the table, plus extra unclassified processes for the "other" bucket.
func Generate(path string, table *classify.Table, perSubgroup, othersCount int) error {
	if perSubgroup < 1 {
		perSubgroup = 1
	}

	names := namesByLabel(table)
	var recs []Record
	pid := int32(1000)
	for label, matches := range names {
		for i := 0; i < perSubgroup; i++ {
			pid++
			recs = append(recs, randomRecord(pid, matches[i%len(matches)], label))
		}
	}
	for i := 0; i < othersCount; i++ {
		pid++
		recs = append(recs, randomRecord(pid, fmt.Sprintf("synthetic-other-%d", i),
			classify.Label{Group: classify.GroupOther, Subgroup: classify.SubgroupUnknown}))
	}

	f := File{
		Version:     "1",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Processes:   recs,
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func randomRecord(pid int32, name string, label classify.Label) Record {
	rss := uint64(rand.Int63n(2<<30) + 4<<20)
	pss := rss / 2
	uss := pss / 2
	return Record{
		PID:            pid,
		Name:           name,
		Group:          label.Group,
		Subgroup:       label.Subgroup,
		RSS:            rss,
		PSS:            pss,
		USS:            uss,
		CPUPercent:     rand.Float64() * 50,
		CPUTimeSeconds: rand.Float64() * 10000,
	}
}

func namesByLabel(table *classify.Table) map[classify.Label][]string {
	out := make(map[classify.Label][]string)
	for name, label := range table.Rules() {
		out[label] = append(out[label], name)
	}
	return out
}
