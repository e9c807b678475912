// Package failover owns the backup-active flag and the commands that flip it.
//
// A single goroutine (Run) processes every transition in arrival order, so the
// two monitor loops never race on the standby device. Callers block until their
// transition has been handled and receive the outcome.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgefailover/internal/logging"
	"edgefailover/internal/models"
	"edgefailover/internal/remote"
)

// ErrStopped is returned once Run has exited.
var ErrStopped = errors.New("failover controller stopped")

// ActivationError means the activate command failed. The backup flag is unchanged.
type ActivationError struct {
	Source models.Source
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate standby (triggered by %s): %v", e.Source, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// DeactivationError means the deactivate command failed. The backup stays active.
type DeactivationError struct {
	Source models.Source
	Err    error
}

func (e *DeactivationError) Error() string {
	return fmt.Sprintf("deactivate standby (triggered by %s): %v", e.Source, e.Err)
}

func (e *DeactivationError) Unwrap() error { return e.Err }

// Ack describes what the controller did with one transition.
type Ack struct {
	Action       models.Action
	BackupActive bool
	EventID      string
}

// EventListener is called synchronously from the controller goroutine for
// every processed transition. Slow listeners delay the next transition.
type EventListener func(event models.FailoverEvent)

// Options configures a Controller.
type Options struct {
	Executor          remote.Executor
	Standby           models.PathEndpoint
	ActivateCommand   string
	DeactivateCommand string
	Logger            logging.Logger
}

type request struct {
	ctx   context.Context
	event *models.TransitionEvent
	reply chan response
}

type response struct {
	ack    Ack
	status models.FailoverStatus
	err    error
}

// Controller serializes failover decisions. Create it with New and start Run
// before delivering transitions.
type Controller struct {
	exec       remote.Executor
	standby    models.PathEndpoint
	activate   string
	deactivate string
	logger     logging.Logger
	now        func() time.Time

	requests chan request
	done     chan struct{}
	runOnce  sync.Once

	listenersMu sync.RWMutex
	listeners   []EventListener

	// Owned by the Run goroutine.
	backupActive   bool
	down           map[models.Source]bool
	activations    int
	deactivations  int
	failedCommands int
	lastEvent      *models.FailoverEvent
	lastChangeAt   time.Time
}

// New returns a controller with backup-active false and no source down.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		exec:       opts.Executor,
		standby:    opts.Standby,
		activate:   opts.ActivateCommand,
		deactivate: opts.DeactivateCommand,
		logger:     logger.With("component", "failover"),
		now:        time.Now,
		requests:   make(chan request),
		done:       make(chan struct{}),
		down:       make(map[models.Source]bool),
	}
}

// OnEvent registers a listener for failover events.
func (c *Controller) OnEvent(listener EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Run processes requests until ctx is cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			if req.event == nil {
				req.reply <- response{status: c.snapshot()}
				continue
			}
			ack, err := c.handle(req.ctx, *req.event)
			req.reply <- response{ack: ack, err: err}
		}
	}
}

// OnTransition hands a transition to the controller and waits for the outcome.
func (c *Controller) OnTransition(ctx context.Context, ev models.TransitionEvent) (Ack, error) {
	resp, err := c.call(ctx, &ev)
	if err != nil {
		return Ack{}, err
	}
	return resp.ack, resp.err
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status(ctx context.Context) (models.FailoverStatus, error) {
	resp, err := c.call(ctx, nil)
	if err != nil {
		return models.FailoverStatus{}, err
	}
	return resp.status, nil
}

func (c *Controller) call(ctx context.Context, ev *models.TransitionEvent) (response, error) {
	req := request{ctx: ctx, event: ev, reply: make(chan response, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, ev models.TransitionEvent) (Ack, error) {
	switch ev.Kind {
	case models.GoDown:
		return c.handleGoDown(ctx, ev)
	case models.Recover:
		return c.handleRecover(ctx, ev)
	default:
		return Ack{Action: models.ActionNone, BackupActive: c.backupActive}, fmt.Errorf("unknown transition kind %q", ev.Kind)
	}
}

func (c *Controller) handleGoDown(ctx context.Context, ev models.TransitionEvent) (Ack, error) {
	c.down[ev.Source] = true

	if c.backupActive {
		c.logger.Info("primary path down, backup already active", "source", ev.Source)
		return c.record(ev, models.ActionNone, nil), nil
	}

	c.logger.Warn("primary path down, activating standby", "source", ev.Source, "standby", c.standby.HostPort())
	if _, err := c.exec.Execute(ctx, c.standby, c.activate); err != nil {
		delete(c.down, ev.Source)
		c.failedCommands++
		actErr := &ActivationError{Source: ev.Source, Err: err}
		c.logger.Error("standby activation failed", "source", ev.Source, "error", err)
		return c.record(ev, models.ActionActivate, actErr), actErr
	}

	c.backupActive = true
	c.activations++
	c.lastChangeAt = c.now()
	c.logger.Info("standby activated", "source", ev.Source)
	return c.record(ev, models.ActionActivate, nil), nil
}

func (c *Controller) handleRecover(ctx context.Context, ev models.TransitionEvent) (Ack, error) {
	delete(c.down, ev.Source)

	if len(c.down) > 0 {
		c.logger.Info("source recovered, other sources still down", "source", ev.Source, "down", c.downSources())
		return c.record(ev, models.ActionNone, nil), nil
	}
	if !c.backupActive {
		c.logger.Info("source recovered, backup not active", "source", ev.Source)
		return c.record(ev, models.ActionNone, nil), nil
	}

	c.logger.Info("primary path recovered, deactivating standby", "source", ev.Source, "standby", c.standby.HostPort())
	if _, err := c.exec.Execute(ctx, c.standby, c.deactivate); err != nil {
		c.down[ev.Source] = true
		c.failedCommands++
		deErr := &DeactivationError{Source: ev.Source, Err: err}
		c.logger.Error("standby deactivation failed", "source", ev.Source, "error", err)
		return c.record(ev, models.ActionDeactivate, deErr), deErr
	}

	c.backupActive = false
	c.deactivations++
	c.lastChangeAt = c.now()
	c.logger.Info("standby deactivated", "source", ev.Source)
	return c.record(ev, models.ActionDeactivate, nil), nil
}

func (c *Controller) record(ev models.TransitionEvent, action models.Action, err error) Ack {
	fe := models.FailoverEvent{
		ID:           uuid.NewString(),
		At:           c.now().UTC(),
		Kind:         ev.Kind,
		Source:       ev.Source,
		Action:       action,
		Success:      err == nil,
		BackupActive: c.backupActive,
	}
	if err != nil {
		fe.Error = err.Error()
	}
	c.lastEvent = &fe
	c.emit(fe)
	return Ack{Action: action, BackupActive: c.backupActive, EventID: fe.ID}
}

func (c *Controller) emit(fe models.FailoverEvent) {
	c.listenersMu.RLock()
	listeners := make([]EventListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l(fe)
	}
}

func (c *Controller) snapshot() models.FailoverStatus {
	st := models.FailoverStatus{
		BackupActive:   c.backupActive,
		DownSources:    c.downSources(),
		Activations:    c.activations,
		Deactivations:  c.deactivations,
		LastChangeAt:   c.lastChangeAt,
		FailedCommands: c.failedCommands,
	}
	if c.lastEvent != nil {
		ev := *c.lastEvent
		st.LastEvent = &ev
	}
	return st
}

func (c *Controller) downSources() []models.Source {
	out := make([]models.Source, 0, len(c.down))
	for s := range c.down {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
