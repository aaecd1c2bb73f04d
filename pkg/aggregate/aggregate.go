// Package aggregate groups a snapshot's processes into classification
// buckets, computes per-bucket sums and derives a Top-N ranking. It is
// pure computation executed at request time; rendering lives elsewhere.
package aggregate

import (
	"sort"
	"strings"

	"github.com/herakles-io/procmem/pkg/classify"
	"github.com/herakles-io/procmem/pkg/scan"
)

// Limits are the ranking cardinality knobs. Both are floored at 1.
type Limits struct {
	// TopNSubgroup is the ranked-output size for regular buckets.
	TopNSubgroup int
	// TopNOthers is both the ranked-output size for the "other" bucket
	// and the hard cardinality cap on "other" processes accepted into
	// aggregation at all.
	TopNOthers int
}

// Key identifies an aggregation bucket.
type Key struct {
	Group    string
	Subgroup string
}

// Process is an accepted sample together with its classification.
type Process struct {
	scan.Sample
	Label classify.Label
}

// Ranked is one Top-N member. Percent fields are the share of the
// bucket's corresponding sum; they are only meaningful when that sum is
// non-zero (the exporter checks the bucket before emitting them).
type Ranked struct {
	Process
	Rank       int
	RSSPct     float64
	PSSPct     float64
	USSPct     float64
	CPUTimePct float64
}

// Bucket holds one (group, subgroup) aggregation result.
type Bucket struct {
	RSSSum        uint64
	PSSSum        uint64
	USSSum        uint64
	CPUPercentSum float64
	CPUTimeSum    float64
	// Top is the USS-descending ranking, capped at the bucket's limit.
	Top []Ranked
}

// Result is the full aggregation output for one request.
type Result struct {
	// Exported lists every accepted process in encounter order.
	Exported []Process
	Buckets  map[Key]*Bucket
}

// Run classifies samples (in the given encounter order), applies the
// policy and the "other" cardinality cap, accumulates bucket sums and
// ranks each bucket by USS descending with a stable sort.
func Run(samples []scan.Sample, table *classify.Table, policy classify.Policy, limits Limits) Result {
	res := Result{Buckets: make(map[Key]*Bucket)}

	members := make(map[Key][]Process)
	otherAccepted := 0
	otherCap := limits.TopNOthers
	if otherCap < 1 {
		otherCap = 1
	}

	for _, s := range samples {
		label, ok := table.ClassifyPolicy(s.Name, policy)
		if !ok {
			continue
		}

		// The "other" bucket gets a hard cardinality cap in encounter
		// order: once full, further "other" processes are dropped from
		// export and sums entirely, not just from the ranking.
		if strings.EqualFold(label.Group, classify.GroupOther) {
			if otherAccepted >= otherCap {
				continue
			}
			otherAccepted++
		}

		p := Process{Sample: s, Label: label}
		res.Exported = append(res.Exported, p)

		key := Key{Group: label.Group, Subgroup: label.Subgroup}
		members[key] = append(members[key], p)
	}

	for key, list := range members {
		b := &Bucket{}
		for _, p := range list {
			b.RSSSum += p.RSS
			b.PSSSum += p.PSS
			b.USSSum += p.USS
			b.CPUPercentSum += p.CPUPercent
			b.CPUTimeSum += p.CPUTimeSeconds
		}

		sort.SliceStable(list, func(i, j int) bool {
			return list[i].USS > list[j].USS
		})

		limit := limits.TopNSubgroup
		if isOtherBucket(key) {
			limit = limits.TopNOthers
		}
		if limit < 1 {
			limit = 1
		}
		if limit > len(list) {
			limit = len(list)
		}

		b.Top = make([]Ranked, 0, limit)
		for i := 0; i < limit; i++ {
			r := Ranked{Process: list[i], Rank: i + 1}
			if b.RSSSum > 0 {
				r.RSSPct = float64(list[i].RSS) / float64(b.RSSSum) * 100
			}
			if b.PSSSum > 0 {
				r.PSSPct = float64(list[i].PSS) / float64(b.PSSSum) * 100
			}
			if b.USSSum > 0 {
				r.USSPct = float64(list[i].USS) / float64(b.USSSum) * 100
			}
			if b.CPUTimeSum > 0 {
				r.CPUTimePct = list[i].CPUTimeSeconds / b.CPUTimeSum * 100
			}
			b.Top = append(b.Top, r)
		}
		res.Buckets[key] = b
	}

	return res
}

// isOtherBucket matches the special bucket on either label, accepting
// both "other" and "others" case-insensitively so user rule files that
// route processes into an explicit "others" group get the same cap.
func isOtherBucket(key Key) bool {
	return equalsOther(key.Group) || equalsOther(key.Subgroup)
}

func equalsOther(s string) bool {
	return strings.EqualFold(s, "other") || strings.EqualFold(s, "others")
}
