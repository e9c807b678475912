package metrics

import (
	"math"
	"sort"
	"time"

	"edgefailover/internal/models"
)

// SourceAvailability summarises the verdicts recorded for one health source.
type SourceAvailability struct {
	Source              models.Source `json:"source"`
	AvailabilityPercent float64       `json:"availability_percent"`
	TotalChecks         int           `json:"total_checks"`
	Healthy             int           `json:"healthy"`
	Unhealthy           int           `json:"unhealthy"`
	LastHealthy         *bool         `json:"last_healthy,omitempty"`
	LastChecked         string        `json:"last_checked,omitempty"`
	LongestOutage       string        `json:"longest_outage,omitempty"`
}

// ComputeAvailability aggregates availability per source. Verdicts are
// expected oldest first, as the monitor loops return them.
func ComputeAvailability(bySource map[models.Source][]models.HealthVerdict) []SourceAvailability {
	if len(bySource) == 0 {
		return nil
	}

	keys := make([]models.Source, 0, len(bySource))
	for k := range bySource {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	results := make([]SourceAvailability, 0, len(keys))
	for _, src := range keys {
		verdicts := bySource[src]
		result := SourceAvailability{Source: src, TotalChecks: len(verdicts)}

		var outageStart time.Time
		var longest time.Duration
		for _, v := range verdicts {
			if v.Healthy {
				result.Healthy++
				if !outageStart.IsZero() {
					if d := v.CheckedAt.Sub(outageStart); d > longest {
						longest = d
					}
					outageStart = time.Time{}
				}
				continue
			}
			result.Unhealthy++
			if outageStart.IsZero() {
				outageStart = v.CheckedAt
			}
		}

		if result.TotalChecks > 0 {
			result.AvailabilityPercent = round2(float64(result.Healthy) / float64(result.TotalChecks) * 100)
			last := verdicts[len(verdicts)-1]
			healthy := last.Healthy
			result.LastHealthy = &healthy
			result.LastChecked = last.CheckedAt.UTC().Format(time.RFC3339)
			if !outageStart.IsZero() {
				if d := last.CheckedAt.Sub(outageStart); d > longest {
					longest = d
				}
			}
		}
		if longest > 0 {
			result.LongestOutage = longest.String()
		}
		results = append(results, result)
	}
	return results
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
