package failover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"edgefailover/internal/models"
	"edgefailover/internal/remote"
	"edgefailover/internal/remote/mocks"
)

const (
	activateCmd   = "interface set numbers=0 disabled=no"
	deactivateCmd = "interface set numbers=0 disabled=yes"
)

var standby = models.PathEndpoint{
	Role:     models.RoleStandby,
	Address:  "10.0.0.2",
	Port:     22,
	Username: "admin",
}

func goDown(src models.Source) models.TransitionEvent {
	return models.TransitionEvent{Kind: models.GoDown, Source: src}
}

func recovered(src models.Source) models.TransitionEvent {
	return models.TransitionEvent{Kind: models.Recover, Source: src}
}

func startController(t *testing.T, exec remote.Executor) *Controller {
	t.Helper()
	c := New(Options{
		Executor:          exec,
		Standby:           standby,
		ActivateCommand:   activateCmd,
		DeactivateCommand: deactivateCmd,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func backupActive(t *testing.T, c *Controller) bool {
	t.Helper()
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	return st.BackupActive
}

func TestGoDown_ActivatesStandby(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil).Times(1)

	c := startController(t, exec)
	ack, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)
	assert.Equal(t, models.ActionActivate, ack.Action)
	assert.True(t, ack.BackupActive)
	assert.NotEmpty(t, ack.EventID)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.BackupActive)
	assert.Equal(t, []models.Source{models.SourceCommandPlane}, st.DownSources)
	assert.Equal(t, 1, st.Activations)
	require.NotNil(t, st.LastEvent)
	assert.Equal(t, ack.EventID, st.LastEvent.ID)
}

func TestGoDown_IdempotentWhenAlreadyActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil).Times(1)

	c := startController(t, exec)
	_, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)

	ack, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, ack.Action)

	ack, err = c.OnTransition(context.Background(), goDown(models.SourceConnectivity))
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, ack.Action)
	assert.True(t, backupActive(t, c))
}

func TestRecover_DeactivatesStandby(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil),
		exec.EXPECT().Execute(gomock.Any(), standby, deactivateCmd).Return("", nil),
	)

	c := startController(t, exec)
	_, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)

	ack, err := c.OnTransition(context.Background(), recovered(models.SourceCommandPlane))
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeactivate, ack.Action)
	assert.False(t, ack.BackupActive)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.DownSources)
	assert.Equal(t, 1, st.Deactivations)
}

func TestRecover_NoopWhenBackupInactive(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)

	c := startController(t, exec)
	ack, err := c.OnTransition(context.Background(), recovered(models.SourceConnectivity))
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, ack.Action)
}

func TestDeactivationFailure_KeepsBackupActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	cmdErr := &remote.CommandError{Endpoint: standby.HostPort(), Command: deactivateCmd, Stderr: "failure: no such item"}
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil),
		exec.EXPECT().Execute(gomock.Any(), standby, deactivateCmd).Return("", cmdErr),
	)

	c := startController(t, exec)
	_, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)

	ack, err := c.OnTransition(context.Background(), recovered(models.SourceCommandPlane))
	var deErr *DeactivationError
	require.ErrorAs(t, err, &deErr)
	assert.Equal(t, models.SourceCommandPlane, deErr.Source)
	assert.ErrorIs(t, err, error(cmdErr))
	assert.True(t, ack.BackupActive)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.BackupActive)
	assert.Equal(t, []models.Source{models.SourceCommandPlane}, st.DownSources)
	assert.Equal(t, 1, st.FailedCommands)
}

// Scenario D: a failed activation leaves the flag false and the next GoDown retries.
func TestActivationFailure_RetriedOnNextGoDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	trErr := &remote.TransportError{Endpoint: standby.HostPort(), Op: "dial", Err: errors.New("connection refused")}
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", trErr),
		exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil),
	)

	c := startController(t, exec)
	_, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.False(t, backupActive(t, c))

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.DownSources)
	require.NotNil(t, st.LastEvent)
	assert.False(t, st.LastEvent.Success)
	assert.Contains(t, st.LastEvent.Error, "connection refused")

	_, err = c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.NoError(t, err)
	assert.True(t, backupActive(t, c))
}

func TestRecover_WaitsForEverySource(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil).Times(1),
		exec.EXPECT().Execute(gomock.Any(), standby, deactivateCmd).Return("", nil).Times(1),
	)

	c := startController(t, exec)
	ctx := context.Background()

	_, err := c.OnTransition(ctx, goDown(models.SourceConnectivity))
	require.NoError(t, err)
	_, err = c.OnTransition(ctx, goDown(models.SourceCommandPlane))
	require.NoError(t, err)

	ack, err := c.OnTransition(ctx, recovered(models.SourceCommandPlane))
	require.NoError(t, err)
	assert.Equal(t, models.ActionNone, ack.Action)
	assert.True(t, ack.BackupActive)

	ack, err = c.OnTransition(ctx, recovered(models.SourceConnectivity))
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeactivate, ack.Action)
	assert.False(t, ack.BackupActive)
}

func TestConcurrentTransitions_ProcessedSerially(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctrl := gomock.NewController(t)
		exec := mocks.NewMockExecutor(ctrl)

		var inflight, overlaps atomic.Int32
		slow := func(context.Context, models.PathEndpoint, string) (string, error) {
			if inflight.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			return "", nil
		}
		exec.EXPECT().Execute(gomock.Any(), standby, gomock.Any()).DoAndReturn(slow).AnyTimes()

		c := startController(t, exec)

		var mu sync.Mutex
		var events []models.FailoverEvent
		c.OnEvent(func(ev models.FailoverEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for _, ev := range []models.TransitionEvent{goDown(models.SourceCommandPlane), recovered(models.SourceCommandPlane)} {
			wg.Add(1)
			go func(ev models.TransitionEvent) {
				defer wg.Done()
				_, _ = c.OnTransition(context.Background(), ev)
			}(ev)
		}
		wg.Wait()

		assert.Zero(t, overlaps.Load())
		mu.Lock()
		require.Len(t, events, 2)
		last := events[1]
		mu.Unlock()
		assert.Equal(t, last.BackupActive, backupActive(t, c))
	}
}

func TestOnEvent_ReceivesEveryReaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), standby, activateCmd).Return("", nil)

	c := startController(t, exec)
	var got []models.FailoverEvent
	c.OnEvent(func(ev models.FailoverEvent) { got = append(got, ev) })

	_, err := c.OnTransition(context.Background(), goDown(models.SourceConnectivity))
	require.NoError(t, err)
	_, err = c.OnTransition(context.Background(), goDown(models.SourceConnectivity))
	require.NoError(t, err)

	// Status goes through the same mailbox, so both listener calls have returned.
	_, err = c.Status(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, models.ActionActivate, got[0].Action)
	assert.True(t, got[0].Success)
	assert.Equal(t, models.ActionNone, got[1].Action)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestOnTransition_AfterStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(Options{Executor: mocks.NewMockExecutor(ctrl), Standby: standby})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	<-c.done

	_, err := c.OnTransition(context.Background(), goDown(models.SourceCommandPlane))
	require.ErrorIs(t, err, ErrStopped)
}

func TestOnTransition_CallerContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(Options{Executor: mocks.NewMockExecutor(ctrl), Standby: standby})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.OnTransition(ctx, goDown(models.SourceCommandPlane))
	require.ErrorIs(t, err, context.Canceled)
}
