// Package report logs a periodic availability summary of the health sources.
package report

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"edgefailover/internal/logging"
	"edgefailover/internal/metrics"
	"edgefailover/internal/models"
	"edgefailover/internal/monitor"
)

// Reporter runs the summary on a cron schedule.
type Reporter struct {
	cron    *cron.Cron
	sources []monitor.VerdictSource
	window  time.Duration
	logger  logging.Logger
	now     func() time.Time
}

// New parses schedule (standard five-field or descriptor such as "@hourly")
// and prepares a reporter covering the given window of history.
func New(schedule string, window time.Duration, sources []monitor.VerdictSource, logger logging.Logger) (*Reporter, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Reporter{
		cron:    cron.New(),
		sources: sources,
		window:  window,
		logger:  logger.With("component", "report"),
		now:     time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, r.Run); err != nil {
		return nil, fmt.Errorf("parse report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins scheduling in the background.
func (r *Reporter) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running report to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

// Run computes and logs one summary line per source.
func (r *Reporter) Run() {
	for _, s := range r.Summary() {
		last := "unknown"
		if s.LastHealthy != nil {
			last = fmt.Sprintf("%t", *s.LastHealthy)
		}
		r.logger.Info("availability report",
			"source", s.Source,
			"window", r.window.String(),
			"availability_percent", s.AvailabilityPercent,
			"checks", s.TotalChecks,
			"unhealthy", s.Unhealthy,
			"longest_outage", s.LongestOutage,
			"last_healthy", last,
		)
	}
}

// Summary returns the availability over the reporting window.
func (r *Reporter) Summary() []metrics.SourceAvailability {
	cutoff := time.Time{}
	if r.window > 0 {
		cutoff = r.now().Add(-r.window)
	}
	bySource := make(map[models.Source][]models.HealthVerdict, len(r.sources))
	for _, src := range r.sources {
		bySource[src.Source()] = src.HistorySince(cutoff)
	}
	return metrics.ComputeAvailability(bySource)
}
