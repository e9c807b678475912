// Package hysteresis converts a stream of health verdicts into debounced
// down/recover transitions.
package hysteresis

import (
	"sync"

	"edgefailover/internal/models"
)

// Tracker counts consecutive verdicts for one source. It is safe for
// concurrent use, though in practice only its own loop and the status API
// touch it.
type Tracker struct {
	source            models.Source
	failureThreshold  int
	recoveryThreshold int

	mu    sync.Mutex
	state models.HysteresisState
}

// New returns a tracker in the up state with zeroed counters. Thresholds
// below 1 are raised to 1.
func New(source models.Source, failureThreshold, recoveryThreshold int) *Tracker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	return &Tracker{
		source:            source,
		failureThreshold:  failureThreshold,
		recoveryThreshold: recoveryThreshold,
	}
}

// Source returns the source this tracker counts.
func (t *Tracker) Source() models.Source { return t.source }

// Observe feeds one verdict and returns a transition if a threshold was crossed.
func (t *Tracker) Observe(v models.HealthVerdict) *models.TransitionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.state
	if !v.Healthy {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= t.failureThreshold && !s.Down {
			s.ConsecutiveFailures = 0
			s.Down = true
			return &models.TransitionEvent{Kind: models.GoDown, Source: t.source}
		}
		return nil
	}

	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	if s.ConsecutiveSuccesses >= t.recoveryThreshold && s.Down {
		s.ConsecutiveSuccesses = 0
		s.Down = false
		return &models.TransitionEvent{Kind: models.Recover, Source: t.source}
	}
	return nil
}

// Reset zeroes both counters and forces the latch. The monitor loop calls it
// with down=false after a failed activation, so the next failure run fires
// GoDown again, and with down=true after a failed deactivation.
func (t *Tracker) Reset(down bool) {
	t.mu.Lock()
	t.state = models.HysteresisState{Down: down}
	t.mu.Unlock()
}

// State returns a copy of the counters.
func (t *Tracker) State() models.HysteresisState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
