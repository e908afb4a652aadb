package flows

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// OutcomeKind tags the StepOutcome sum type.
type OutcomeKind string

const (
	OutcomeContinue OutcomeKind = "continue"
	OutcomeComplete OutcomeKind = "complete"
	OutcomePause    OutcomeKind = "pause"
	OutcomeFail     OutcomeKind = "fail"
	OutcomeStop     OutcomeKind = "stop"
)

// EventSpec is an extra event a step asks the runtime to persist alongside
// its own lifecycle events.
type EventSpec struct {
	Type EventType
	Data map[string]any
}

// StepOutcome is the result of one step invocation. Steps never write the
// store directly; they hand back a state patch plus the outcome and the
// runtime persists both.
type StepOutcome struct {
	Kind       OutcomeKind
	NextStep   string
	StatePatch map[string]any
	Reason     string
	Err        error
	Events     []EventSpec
}

// ContinueTo advances to the named step after applying patch.
func ContinueTo(nextStep string, patch map[string]any, events ...EventSpec) StepOutcome {
	return StepOutcome{Kind: OutcomeContinue, NextStep: nextStep, StatePatch: patch, Events: events}
}

// Complete finishes the run successfully.
func Complete(patch map[string]any, events ...EventSpec) StepOutcome {
	return StepOutcome{Kind: OutcomeComplete, StatePatch: patch, Events: events}
}

// Pause suspends the run until an external resume.
func Pause(reason string, patch map[string]any, events ...EventSpec) StepOutcome {
	return StepOutcome{Kind: OutcomePause, Reason: reason, StatePatch: patch, Events: events}
}

// Fail terminates the run with an error.
func Fail(err error, patch map[string]any, events ...EventSpec) StepOutcome {
	return StepOutcome{Kind: OutcomeFail, Err: err, StatePatch: patch, Events: events}
}

// Stop acknowledges a stop request.
func Stop(reason string, patch map[string]any, events ...EventSpec) StepOutcome {
	return StepOutcome{Kind: OutcomeStop, Reason: reason, StatePatch: patch, Events: events}
}

// StepContext is handed to each step invocation. State is a shallow mutable
// copy the runtime discards (nested maps are shared with the run state);
// persistent changes travel through the StatePatch.
type StepContext struct {
	Ctx        context.Context
	RunID      string
	StepName   string
	InputData  map[string]any
	State      map[string]any
	ShouldStop func() bool
	Logger     *logrus.Entry

	// EmitEvent persists an out-of-band event (e.g. streamed agent parts)
	// while the step is still executing.
	EmitEvent func(eventType EventType, data map[string]any)
}

// StepFn is one node of the step graph.
type StepFn func(step *StepContext) StepOutcome

// Definition is the static description of a flow: its type name, its step
// graph and the entry node.
type Definition struct {
	FlowType    string
	InitialStep string
	Steps       map[string]StepFn
}

// Validate checks the graph shape. Step transitions are validated at
// runtime as outcomes name their next step dynamically.
func (d *Definition) Validate() error {
	if d.FlowType == "" {
		return fmt.Errorf("flow definition requires a flow type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("flow definition %s has no steps", d.FlowType)
	}
	if d.InitialStep == "" {
		return fmt.Errorf("flow definition %s has no initial step", d.FlowType)
	}
	if _, ok := d.Steps[d.InitialStep]; !ok {
		return fmt.Errorf("flow definition %s: initial step %q not defined", d.FlowType, d.InitialStep)
	}
	return nil
}
