package flows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventListener observes every persisted flow event.
type EventListener func(event *Event)

// LifecycleListener observes the lifecycle-relevant transitions
// (paused/completed/failed/stopped and dispatch creation).
type LifecycleListener func(eventType EventType, runID string, data map[string]any)

// Runtime drives one run of a definition against the store. It owns the
// run's state field for the duration of RunFlow; nothing else may write it
// while the worker holds the per-run reconcile lock.
type Runtime struct {
	definition *Definition
	store      *Store
	logger     *logrus.Entry

	onEvent     EventListener
	onLifecycle LifecycleListener
}

// RuntimeOptions configure a Runtime.
type RuntimeOptions struct {
	OnEvent     EventListener
	OnLifecycle LifecycleListener
	Logger      *logrus.Entry
}

// NewRuntime builds a runtime over a validated definition.
func NewRuntime(definition *Definition, store *Store, opts RuntimeOptions) (*Runtime, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		definition:  definition,
		store:       store,
		logger:      logger,
		onEvent:     opts.OnEvent,
		onLifecycle: opts.OnLifecycle,
	}, nil
}

func (r *Runtime) emit(runID string, eventType EventType, data map[string]any) {
	event, err := r.store.CreateEvent(uuid.NewString(), runID, eventType, data)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": runID, "event_type": eventType,
		}).Warn("failed to persist flow event")
		return
	}
	if r.onEvent != nil {
		r.onEvent(event)
	}
}

func (r *Runtime) emitLifecycle(eventType EventType, runID string, data map[string]any) {
	if r.onLifecycle == nil {
		return
	}
	r.onLifecycle(eventType, runID, data)
}

func mergePatch(state, patch map[string]any) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	for key, value := range patch {
		if value == nil {
			delete(state, key)
			continue
		}
		state[key] = value
	}
	return state
}

// RunFlow executes a run until it pauses, stops, completes or fails. Any run
// that is not completed is accepted; initialState, when non-nil, replaces the
// persisted state before the first step.
func (r *Runtime) RunFlow(ctx context.Context, runID string, initialState map[string]any) (*RunRecord, error) {
	record, err := r.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	// Completed runs never restart. A running status is accepted: resume
	// flips the status before the worker boots, and the per-run reconcile
	// lock held by the worker is the actual singleton guard.
	if record.Status == StatusCompleted {
		return nil, fmt.Errorf("flow run %s already completed", runID)
	}

	state := record.State
	if initialState != nil {
		state = initialState
	}
	if state == nil {
		state = map[string]any{}
	}

	// A stop requested before the runtime even starts terminates with zero
	// step invocations.
	if record.StopRequested {
		updated, err := r.store.UpdateStatus(runID, StatusStopped, StatusUpdate{State: state, HasState: true})
		if err != nil {
			return nil, err
		}
		r.emit(runID, EventFlowStopped, map[string]any{"reason": "stop requested before start"})
		r.emitLifecycle(EventFlowStopped, runID, map[string]any{"reason": "stop requested before start"})
		return updated, nil
	}

	firstRun := record.StartedAt == nil
	record, err = r.store.UpdateStatus(runID, StatusRunning, StatusUpdate{State: state, HasState: true})
	if err != nil {
		return nil, err
	}
	if firstRun {
		r.emit(runID, EventFlowStarted, map[string]any{"flow_type": record.FlowType})
	}

	currentStep := record.CurrentStep
	if currentStep == "" {
		currentStep = r.definition.InitialStep
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.finishStopped(runID, state, "context cancelled")
		}

		record, err = r.store.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if record.StopRequested {
			r.emit(runID, EventFlowStopping, map[string]any{"step": currentStep})
			if _, err := r.store.UpdateStatus(runID, StatusStopping, StatusUpdate{}); err != nil {
				return nil, err
			}
		}

		stepFn, ok := r.definition.Steps[currentStep]
		if !ok {
			return r.finishFailed(runID, state, fmt.Sprintf("unknown step %q", currentStep))
		}

		r.emit(runID, EventStepStarted, map[string]any{"step": currentStep})
		outcome := r.invokeStep(ctx, record, currentStep, state, stepFn)
		state = mergePatch(state, outcome.StatePatch)
		for _, spec := range outcome.Events {
			r.emit(runID, spec.Type, spec.Data)
		}

		switch outcome.Kind {
		case OutcomeContinue:
			next := outcome.NextStep
			if next == "" {
				next = currentStep
			}
			if _, ok := r.definition.Steps[next]; !ok {
				return r.finishFailed(runID, state, fmt.Sprintf("step %q continued to unknown step %q", currentStep, next))
			}
			r.emit(runID, EventStepCompleted, map[string]any{"step": currentStep, "next_step": next})
			if _, err := r.store.UpdateStatus(runID, StatusRunning, StatusUpdate{State: state, HasState: true}); err != nil {
				return nil, err
			}
			if err := r.store.SetCurrentStep(runID, next); err != nil {
				return nil, err
			}
			currentStep = next

		case OutcomePause:
			reason := outcome.Reason
			message := fmt.Sprintf("Reason: %s", reason)
			updated, err := r.store.UpdateStatus(runID, StatusPaused, StatusUpdate{
				State: state, HasState: true, ErrorMessage: &message,
			})
			if err != nil {
				return nil, err
			}
			r.emit(runID, EventFlowPaused, map[string]any{"step": currentStep, "reason": reason})
			r.emitLifecycle(EventFlowPaused, runID, map[string]any{"reason": reason, "step": currentStep})
			return updated, nil

		case OutcomeComplete:
			updated, err := r.store.UpdateStatus(runID, StatusCompleted, StatusUpdate{State: state, HasState: true})
			if err != nil {
				return nil, err
			}
			r.emit(runID, EventFlowCompleted, map[string]any{"step": currentStep})
			r.emitLifecycle(EventFlowCompleted, runID, map[string]any{"step": currentStep})
			return updated, nil

		case OutcomeFail:
			message := "step failed"
			if outcome.Err != nil {
				message = outcome.Err.Error()
			}
			return r.finishFailedWithState(runID, state, currentStep, message)

		case OutcomeStop:
			return r.finishStopped(runID, state, outcome.Reason)

		default:
			return r.finishFailedWithState(runID, state, currentStep, fmt.Sprintf("step returned unknown outcome %q", outcome.Kind))
		}
	}
}

// invokeStep runs one step and converts panics into Fail outcomes so that a
// buggy step can never take down the worker without a persisted failure.
func (r *Runtime) invokeStep(ctx context.Context, record *RunRecord, stepName string, state map[string]any, stepFn StepFn) (outcome StepOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{"run_id": record.ID, "step": stepName}).
				Errorf("step panicked: %v", rec)
			outcome = Fail(fmt.Errorf("step %s panicked: %v", stepName, rec), nil)
		}
	}()

	stepState := make(map[string]any, len(state))
	for key, value := range state {
		stepState[key] = value
	}
	stepCtx := &StepContext{
		Ctx:       ctx,
		RunID:     record.ID,
		StepName:  stepName,
		InputData: record.InputData,
		State:     stepState,
		ShouldStop: func() bool {
			current, err := r.store.GetRun(record.ID)
			if err != nil {
				return false
			}
			return current.StopRequested
		},
		Logger: r.logger.WithFields(logrus.Fields{"run_id": record.ID, "step": stepName}),
		EmitEvent: func(eventType EventType, data map[string]any) {
			r.emit(record.ID, eventType, data)
		},
	}
	return stepFn(stepCtx)
}

func (r *Runtime) finishFailed(runID string, state map[string]any, message string) (*RunRecord, error) {
	return r.finishFailedWithState(runID, state, "", message)
}

func (r *Runtime) finishFailedWithState(runID string, state map[string]any, stepName, message string) (*RunRecord, error) {
	if state == nil {
		state = map[string]any{}
	}
	if _, ok := state["failure"]; !ok {
		failure := map[string]any{"error": message}
		if stepName != "" {
			failure["step"] = stepName
		}
		state["failure"] = failure
	}
	updated, err := r.store.UpdateStatus(runID, StatusFailed, StatusUpdate{
		State: state, HasState: true, ErrorMessage: &message,
	})
	if err != nil {
		return nil, err
	}
	r.emit(runID, EventFlowFailed, map[string]any{"error": message, "step": stepName})
	r.emitLifecycle(EventFlowFailed, runID, map[string]any{"error": message})
	return updated, nil
}

func (r *Runtime) finishStopped(runID string, state map[string]any, reason string) (*RunRecord, error) {
	updated, err := r.store.UpdateStatus(runID, StatusStopped, StatusUpdate{State: state, HasState: true})
	if err != nil {
		return nil, err
	}
	r.emit(runID, EventFlowStopped, map[string]any{"reason": reason})
	r.emitLifecycle(EventFlowStopped, runID, map[string]any{"reason": reason})
	return updated, nil
}
