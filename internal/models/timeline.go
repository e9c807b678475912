package models

import "time"

// TimelinePoint represents a single compact bucket in a source timeline.
type TimelinePoint struct {
	ClassName string           `json:"className"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Details   []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries extra information for problematic buckets.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
}

// SourceTimeline aggregates timeline points for a single signal source.
type SourceTimeline struct {
	Source   Source          `json:"source"`
	Timeline []TimelinePoint `json:"timeline"`
}
