package flows

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, steps map[string]StepFn) *Controller {
	t.Helper()
	store := newTestStore(t)
	controller, err := NewController(testDefinition(steps), store, ControllerOptions{
		ArtifactsRoot: filepath.Join(t.TempDir(), "flows"),
	})
	require.NoError(t, err)
	return controller
}

func noopSteps() map[string]StepFn {
	return map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome { return Complete(nil) },
	}
}

func TestController_StartFlowCreatesPendingRun(t *testing.T) {
	controller := newTestController(t, noopSteps())

	record, err := controller.StartFlow(map[string]any{"workspace_root": "/w"}, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, "run_one_turn", record.CurrentStep)
	assert.DirExists(t, controller.ArtifactsDir(record.ID))
}

func TestController_StartFlowRejectsDuplicateID(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", nil, nil)
	require.NoError(t, err)

	_, err = controller.StartFlow(nil, record.ID, nil, nil)
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestController_StopFlowIdempotent(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", nil, nil)
	require.NoError(t, err)

	first, err := controller.StopFlow(record.ID)
	require.NoError(t, err)
	second, err := controller.StopFlow(record.ID)
	require.NoError(t, err)
	assert.True(t, first.StopRequested)
	assert.True(t, second.StopRequested)
	assert.Equal(t, first.Status, second.Status)
}

func TestController_StopRunningMovesToStopping(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", nil, nil)
	require.NoError(t, err)
	_, err = controller.Store().UpdateStatus(record.ID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	stopped, err := controller.StopFlow(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, stopped.Status)
}

func TestController_ResumeSanitizesTicketEngineState(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", map[string]any{
		"reason_summary": "old",
		"ticket_engine": map[string]any{
			"status":      "failed",
			"reason":      "too many turns",
			"reason_code": "max_turns",
			"total_turns": float64(25),
		},
	}, nil)
	require.NoError(t, err)
	_, err = controller.Store().UpdateStatus(record.ID, StatusFailed, StatusUpdate{})
	require.NoError(t, err)

	resumed, err := controller.ResumeFlow(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)
	assert.NotContains(t, resumed.State, "reason_summary")

	engine, ok := resumed.State["ticket_engine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", engine["status"])
	assert.Equal(t, float64(0), engine["total_turns"])
	assert.NotContains(t, engine, "reason")
	assert.NotContains(t, engine, "reason_code")
}

func TestController_ResumeRejectsActiveRun(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", nil, nil)
	require.NoError(t, err)
	_, err = controller.Store().UpdateStatus(record.ID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	_, err = controller.ResumeFlow(record.ID)
	assert.Error(t, err)
}

func TestController_StreamEventsEndsAtTerminal(t *testing.T) {
	controller := newTestController(t, noopSteps())
	record, err := controller.StartFlow(nil, "", nil, nil)
	require.NoError(t, err)

	_, err = controller.RunFlow(context.Background(), record.ID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var types []EventType
	for event := range controller.StreamEvents(ctx, record.ID, 0) {
		types = append(types, event.Type)
	}
	assert.Equal(t, EventFlowCompleted, types[len(types)-1])
}
