package history

import (
	"sort"
	"time"

	"edgefailover/internal/models"
)

const (
	// DefaultTimelinePoints controls how many buckets we generate per source.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

// BuildSourceTimelines builds one timeline per source, ordered by source name.
func BuildSourceTimelines(bySource map[models.Source][]models.HealthVerdict, start, end time.Time, points int) []models.SourceTimeline {
	if len(bySource) == 0 {
		return nil
	}
	keys := make([]models.Source, 0, len(bySource))
	for k := range bySource {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]models.SourceTimeline, 0, len(keys))
	for _, src := range keys {
		out = append(out, models.SourceTimeline{
			Source:   src,
			Timeline: BuildTimeline(bySource[src], start, end, points),
		})
	}
	return out
}

// BuildTimeline reduces verdicts into fixed-width buckets between start and
// end. An empty bucket inherits the previous verdict while it is within the
// expected polling gap, otherwise it is reported as missing.
func BuildTimeline(verdicts []models.HealthVerdict, start, end time.Time, points int) []models.TimelinePoint {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	samples := make([]models.HealthVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if !v.CheckedAt.IsZero() {
			samples = append(samples, v)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].CheckedAt.Before(samples[j].CheckedAt)
	})

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}
	gapThreshold := derivePollGap(samples)

	result := make([]models.TimelinePoint, 0, points)
	idx := 0
	var last models.HealthVerdict
	haveLast := false
	for idx < len(samples) && samples[idx].CheckedAt.Before(start) {
		last = samples[idx]
		haveLast = true
		idx++
	}

	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}

		var bucket []models.HealthVerdict
		for idx < len(samples) && samples[idx].CheckedAt.Before(bucketEnd) {
			bucket = append(bucket, samples[idx])
			idx++
		}
		if i == points-1 {
			for idx < len(samples) && !samples[idx].CheckedAt.After(end) {
				bucket = append(bucket, samples[idx])
				idx++
			}
		}

		point := models.TimelinePoint{Start: bucketStart, End: bucketEnd}
		switch {
		case len(bucket) > 0:
			point.ClassName, point.Label, point.Details = evaluateBucket(bucket)
			last = bucket[len(bucket)-1]
			haveLast = true
		case haveLast && bucketStart.Sub(last.CheckedAt) <= gapThreshold:
			point.ClassName, point.Label = verdictClass(last)
		default:
			point.ClassName, point.Label = "state-missing", "No data"
		}
		result = append(result, point)
	}
	return result
}

func evaluateBucket(bucket []models.HealthVerdict) (className, label string, details []models.TimelineDetail) {
	healthy, unhealthy := 0, 0
	for _, v := range bucket {
		if v.Healthy {
			healthy++
			continue
		}
		unhealthy++
		if len(details) < maxDetailsPerPoint {
			details = append(details, models.TimelineDetail{
				Timestamp: v.CheckedAt,
				State:     "unhealthy",
				Evidence:  v.Evidence,
			})
		}
	}
	switch {
	case unhealthy == 0:
		return "state-success", "Healthy", nil
	case healthy == 0:
		return "state-error", "Unhealthy", details
	default:
		return "state-warning", "Degraded", details
	}
}

func verdictClass(v models.HealthVerdict) (className, label string) {
	if v.Healthy {
		return "state-success", "Healthy"
	}
	return "state-error", "Unhealthy"
}

// derivePollGap estimates how long a verdict stays representative: twice the
// median spacing between samples, clamped to [2s, 10m].
func derivePollGap(samples []models.HealthVerdict) time.Duration {
	const defaultGap = 30 * time.Second
	if len(samples) < 2 {
		return defaultGap
	}
	diffs := make([]time.Duration, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		if d := samples[i].CheckedAt.Sub(samples[i-1].CheckedAt); d > 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return defaultGap
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })

	gap := diffs[len(diffs)/2] * 2
	if gap < 2*time.Second {
		return 2 * time.Second
	}
	if gap > 10*time.Minute {
		return 10 * time.Minute
	}
	return gap
}
