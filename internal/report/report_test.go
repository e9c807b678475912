package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"edgefailover/internal/logging"
	"edgefailover/internal/models"
	"edgefailover/internal/monitor"
)

type staticSource struct {
	source   models.Source
	verdicts []models.HealthVerdict
}

func (s staticSource) Source() models.Source { return s.source }

func (s staticSource) Latest() (models.HealthVerdict, bool) { return models.HealthVerdict{}, false }

func (s staticSource) History() []models.HealthVerdict { return s.verdicts }

func (s staticSource) State() models.HysteresisState { return models.HysteresisState{} }

func (s staticSource) HistorySince(c time.Time) []models.HealthVerdict {
	var out []models.HealthVerdict
	for _, v := range s.verdicts {
		if !v.CheckedAt.Before(c) {
			out = append(out, v)
		}
	}
	return out
}

func TestRun_LogsSummaryWithinWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := staticSource{source: models.SourceCommandPlane, verdicts: []models.HealthVerdict{
		{Healthy: false, CheckedAt: now.Add(-3 * time.Hour)},
		{Healthy: true, CheckedAt: now.Add(-30 * time.Minute)},
		{Healthy: false, CheckedAt: now.Add(-10 * time.Minute)},
	}}

	core, logs := observer.New(zapcore.InfoLevel)
	r, err := New("@hourly", time.Hour, []monitor.VerdictSource{src}, logging.FromZap(zap.New(core)))
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	r.Run()

	entries := logs.FilterMessage("availability report").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, "command-plane", fields["source"])
	assert.Equal(t, 50.0, fields["availability_percent"])
	assert.EqualValues(t, 2, fields["checks"])
	assert.Equal(t, "false", fields["last_healthy"])
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New("every tuesday", time.Hour, nil, nil)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	r, err := New("@every 1h", time.Hour, nil, nil)
	require.NoError(t, err)
	r.Start()
	r.Stop()
}
