// Package monitor runs the periodic probe → verdict → tracker → controller
// cycle for one health source.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"edgefailover/internal/failover"
	"edgefailover/internal/hysteresis"
	"edgefailover/internal/logging"
	"edgefailover/internal/models"
	"edgefailover/internal/probe"
)

const (
	maxEvidence   = 512
	maxHistoryCap = 100000
)

// Transitioner receives tracker transitions. *failover.Controller implements it.
type Transitioner interface {
	OnTransition(ctx context.Context, ev models.TransitionEvent) (failover.Ack, error)
}

// VerdictSource exposes the verdicts a loop has recorded.
type VerdictSource interface {
	Source() models.Source
	Latest() (models.HealthVerdict, bool)
	History() []models.HealthVerdict
	HistorySince(time.Time) []models.HealthVerdict
	State() models.HysteresisState
}

// ProbeError wraps a probe failure. The cycle produced no verdict.
type ProbeError struct {
	Source models.Source
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe: %v", e.Source, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Result summarizes one cycle.
type Result struct {
	Verdict    *models.HealthVerdict
	Transition *models.TransitionEvent
	Ack        *failover.Ack
}

// Options configures a Loop.
type Options struct {
	Prober       probe.Prober
	Evaluator    probe.Evaluator
	Tracker      *hysteresis.Tracker
	Controller   Transitioner
	Interval     time.Duration
	ErrorBackoff time.Duration
	Logger       logging.Logger
}

// Loop polls one source at a fixed interval.
type Loop struct {
	prober     probe.Prober
	evaluator  probe.Evaluator
	tracker    *hysteresis.Tracker
	controller Transitioner
	interval   time.Duration
	backoff    time.Duration
	maxHistory int
	logger     logging.Logger
	now        func() time.Time

	mu      sync.RWMutex
	latest  *models.HealthVerdict
	history []models.HealthVerdict

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a loop. The history keeps roughly one day of verdicts.
func New(opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	historyCap := int((24*time.Hour)/interval) + 128
	if historyCap > maxHistoryCap {
		historyCap = maxHistoryCap
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Loop{
		prober:     opts.Prober,
		evaluator:  opts.Evaluator,
		tracker:    opts.Tracker,
		controller: opts.Controller,
		interval:   interval,
		backoff:    backoff,
		maxHistory: historyCap,
		logger:     logger.With("source", opts.Prober.Source()),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Source returns the source this loop polls.
func (l *Loop) Source() models.Source { return l.prober.Source() }

// Start launches the loop in a goroutine. It stops when ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

// Stop requests loop termination and waits until it is done.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.startOnce.Do(func() { close(l.doneCh) })
	<-l.doneCh
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// RunOnce executes a single cycle. A *ProbeError means the cycle was
// inconclusive. Any controller error re-arms the tracker before it is
// returned.
func (l *Loop) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	raw, err := l.prober.Probe(ctx)
	if err != nil {
		return res, &ProbeError{Source: l.Source(), Err: err}
	}

	verdict := models.HealthVerdict{
		Source:    l.Source(),
		Healthy:   l.evaluator.Evaluate(raw, l.Source()),
		CheckedAt: l.now().UTC(),
		Evidence:  evidence(raw),
	}
	l.record(verdict)
	res.Verdict = &verdict

	ev := l.tracker.Observe(verdict)
	if ev == nil {
		l.logger.Debug("verdict", "healthy", verdict.Healthy, "state", l.tracker.State())
		return res, nil
	}
	res.Transition = ev
	l.logger.Info("transition", "kind", ev.Kind)

	ack, err := l.controller.OnTransition(ctx, *ev)
	if err != nil {
		// The controller did not apply the transition. Restore the latch held
		// before it so the next full run of verdicts fires it again.
		l.tracker.Reset(ev.Kind == models.Recover)
		return res, err
	}
	res.Ack = &ack
	return res, nil
}

// Latest returns the most recent verdict.
func (l *Loop) Latest() (models.HealthVerdict, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.latest == nil {
		return models.HealthVerdict{}, false
	}
	return *l.latest, true
}

// History returns a copy of the retained verdicts, oldest first.
func (l *Loop) History() []models.HealthVerdict {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.history) == 0 {
		return nil
	}
	out := make([]models.HealthVerdict, len(l.history))
	copy(out, l.history)
	return out
}

// HistorySince returns verdicts checked at or after cutoff.
func (l *Loop) HistorySince(cutoff time.Time) []models.HealthVerdict {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.history) == 0 {
		return nil
	}
	if cutoff.IsZero() {
		out := make([]models.HealthVerdict, len(l.history))
		copy(out, l.history)
		return out
	}

	idx := sort.Search(len(l.history), func(i int) bool {
		return !l.history[i].CheckedAt.Before(cutoff)
	})
	if idx >= len(l.history) {
		return nil
	}
	out := make([]models.HealthVerdict, len(l.history)-idx)
	copy(out, l.history[idx:])
	return out
}

// State returns the tracker counters.
func (l *Loop) State() models.HysteresisState { return l.tracker.State() }

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	l.logger.Info("monitor loop started", "interval", l.interval.String())
	defer l.logger.Info("monitor loop stopped")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if err := l.cycle(ctx); err != nil && !l.sleep(ctx, l.backoff) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		}
	}
}

// cycle runs RunOnce and returns an error only when the loop should back off.
func (l *Loop) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			l.logger.Error("monitor cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	_, err = l.RunOnce(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var probeErr *ProbeError
	var actErr *failover.ActivationError
	var deErr *failover.DeactivationError
	switch {
	case errors.As(err, &probeErr):
		l.logger.Warn("probe inconclusive", "error", probeErr.Err)
		return nil
	case errors.As(err, &actErr), errors.As(err, &deErr):
		l.logger.Error("failover command failed, tracker re-armed", "error", err)
		return nil
	default:
		l.logger.Error("monitor cycle failed", "error", err, "backoff", l.backoff.String())
		return err
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	}
}

func (l *Loop) record(v models.HealthVerdict) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.latest = &v
	l.history = append(l.history, v)
	if len(l.history) > l.maxHistory {
		l.history = l.history[len(l.history)-l.maxHistory:]
	}
}

func evidence(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxEvidence {
		raw = raw[len(raw)-maxEvidence:]
	}
	return raw
}
