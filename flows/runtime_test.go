package flows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinition(steps map[string]StepFn) *Definition {
	return &Definition{FlowType: "ticket_flow", InitialStep: "run_one_turn", Steps: steps}
}

func runTestFlow(t *testing.T, store *Store, definition *Definition, runID string) *RunRecord {
	t.Helper()
	runtime, err := NewRuntime(definition, store, RuntimeOptions{})
	require.NoError(t, err)
	record, err := runtime.RunFlow(context.Background(), runID, nil)
	require.NoError(t, err)
	return record
}

func eventTypes(t *testing.T, store *Store, runID string) []EventType {
	t.Helper()
	events, err := store.GetEvents(runID, 0, 0)
	require.NoError(t, err)
	types := make([]EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func TestRuntime_CompleteAfterContinue(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	calls := 0
	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			calls++
			if calls == 1 {
				return ContinueTo("run_one_turn", map[string]any{"turn": calls})
			}
			return Complete(map[string]any{"turn": calls})
		},
	})

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, float64(2), final.State["turn"])
	require.NotNil(t, final.FinishedAt)
	assert.Equal(t, 2, calls)

	types := eventTypes(t, store, record.ID)
	assert.Equal(t, []EventType{
		EventFlowStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventFlowCompleted,
	}, types)
}

func TestRuntime_PauseKeepsRunResumable(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			if step.State["resumed"] == true {
				return Complete(nil)
			}
			return Pause("need credentials", map[string]any{"resumed": false})
		},
	})

	paused := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, "Reason: need credentials", paused.ErrorMessage)
	assert.Nil(t, paused.FinishedAt)

	// Resume with patched state and finish.
	runtime, err := NewRuntime(definition, store, RuntimeOptions{})
	require.NoError(t, err)
	state := paused.State
	state["resumed"] = true
	final, err := runtime.RunFlow(context.Background(), record.ID, state)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestRuntime_StepErrorBecomesFail(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			return Fail(errors.New("agent_error: no dispatch produced"), nil)
		},
	})

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "agent_error")
	require.NotNil(t, final.FinishedAt)

	failure, ok := final.State["failure"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, failure["error"], "agent_error")
}

func TestRuntime_PanicBecomesFail(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			panic("boom")
		},
	})

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "panicked")
}

func TestRuntime_StopRequestedBeforeStart(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	_, err := store.SetStopRequested(record.ID, true)
	require.NoError(t, err)

	invoked := false
	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			invoked = true
			return Complete(nil)
		},
	})

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusStopped, final.Status)
	assert.False(t, invoked, "no step may run when stop was requested up front")
}

func TestRuntime_StopOutcomePersistsStopped(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			return Stop("stop requested", nil)
		},
	})

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusStopped, final.Status)
	types := eventTypes(t, store, record.ID)
	assert.Equal(t, EventFlowStopped, types[len(types)-1])
}

func TestRuntime_ResumeStoppedRunRerunsStep(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	stopFirst := true
	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			if stopFirst {
				stopFirst = false
				return Stop("stop requested", nil)
			}
			return Complete(nil)
		},
	})

	stopped := runTestFlow(t, store, definition, record.ID)
	require.Equal(t, StatusStopped, stopped.Status)

	final := runTestFlow(t, store, definition, record.ID)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestRuntime_RejectsCompletedRun(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	_, err := store.UpdateStatus(record.ID, StatusCompleted, StatusUpdate{})
	require.NoError(t, err)

	runtime, err := NewRuntime(testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome { return Complete(nil) },
	}), store, RuntimeOptions{})
	require.NoError(t, err)

	_, err = runtime.RunFlow(context.Background(), record.ID, nil)
	assert.Error(t, err)
}

func TestRuntime_AcceptsRunResumedToRunning(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	_, err := store.UpdateStatus(record.ID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	runtime, err := NewRuntime(testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome { return Complete(nil) },
	}), store, RuntimeOptions{})
	require.NoError(t, err)

	final, err := runtime.RunFlow(context.Background(), record.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestRuntime_StepEventsAndEmitEvent(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome {
			step.EmitEvent(EventAppServerEvent, map[string]any{"part": "reasoning"})
			return Complete(nil, EventSpec{Type: EventDispatchCreated, Data: map[string]any{"seq": 1}})
		},
	})

	var seen []EventType
	runtime, err := NewRuntime(definition, store, RuntimeOptions{
		OnEvent: func(event *Event) { seen = append(seen, event.Type) },
	})
	require.NoError(t, err)
	_, err = runtime.RunFlow(context.Background(), record.ID, nil)
	require.NoError(t, err)

	types := eventTypes(t, store, record.ID)
	assert.Contains(t, types, EventAppServerEvent)
	assert.Contains(t, types, EventDispatchCreated)
	assert.Equal(t, types, seen)
}

func TestRuntime_LifecycleListenerFires(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	definition := testDefinition(map[string]StepFn{
		"run_one_turn": func(step *StepContext) StepOutcome { return Complete(nil) },
	})

	var lifecycle []EventType
	runtime, err := NewRuntime(definition, store, RuntimeOptions{
		OnLifecycle: func(eventType EventType, runID string, data map[string]any) {
			lifecycle = append(lifecycle, eventType)
		},
	})
	require.NoError(t, err)
	_, err = runtime.RunFlow(context.Background(), record.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventFlowCompleted}, lifecycle)
}
