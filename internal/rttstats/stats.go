// Package rttstats summarizes and persists round-trip-time samples for
// offline analysis. It is read-side enrichment: nothing here feeds
// back into the aggregation invariants the RTT package itself
// enforces.
package rttstats

import (
	"sort"
	"time"

	"github.com/hlcsync/labtime/internal/model"
)

// Summary is a statistical rollup of one class key's samples.
type Summary struct {
	ClassKey string
	Count    int
	Avg      time.Duration
	Min      time.Duration
	Max      time.Duration
	P95      time.Duration
}

// Summarize groups samples by class key and computes count/avg/p95/
// min/max for each. Empty input yields an empty result.
func Summarize(samples []model.RTTSample) []Summary {
	byClass := make(map[string][]time.Duration)
	for _, s := range samples {
		byClass[s.ClassKey] = append(byClass[s.ClassKey], time.Duration(s.RTTNs))
	}

	keys := make([]string, 0, len(byClass))
	for k := range byClass {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		out = append(out, summarizeOne(k, byClass[k]))
	}
	return out
}

func summarizeOne(classKey string, durations []time.Duration) Summary {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	idx := int(float64(len(sorted)-1) * 0.95)
	if idx < 0 {
		idx = 0
	}

	return Summary{
		ClassKey: classKey,
		Count:    len(sorted),
		Avg:      sum / time.Duration(len(sorted)),
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		P95:      sorted[idx],
	}
}
