package flow

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

/*
Builder assembles a Flow fluently. The source DSL this is modeled on
relies on nested lambdas whose meaning depends on an implicitly "currently
active" builder scope (a @DslMarker-style compiler trick, per the
REDESIGN FLAGS in spec.md §9). Go has neither free-floating lambda scoping
nor that annotation, so every nested declaration below — a condition's
onTrue/onFalse branch, a waitFor's target — takes an explicit callback
over its own narrow builder type (ConditionBuilder, WaitBuilder) instead
of returning a value the caller chains off of. A callback body physically
cannot reach the enclosing chain's sibling-progression state; the type
system does the shielding the source language did with an annotation.
Crucially this also means control returns to the *same* outer stage after
the callback, so declaring several sibling waitFor handlers on one
waiting stage is just several calls in a row, not a repositioning dance.

Construction is otherwise direct: each method mutates the stage map in
place as soon as enough information is available, and the first error
encountered is stuck on the Builder and surfaced by Build(). This keeps
the fluent chain itself infallible (no error return on every call) while
still failing loudly at Build() time, matching the source's "errors
raised from build()" contract in spec.md §4.A.
*/

// Builder assembles a Flow from an ordered sequence of stage declarations.
// The zero value is not usable; construct one with NewBuilder.
type Builder struct {
	stages    map[StageID]*StageDef
	lastStage StageID // the stage automatic sibling-chaining attaches to

	initialStage     StageID
	initialCondition *Condition

	err error
}

// NewBuilder starts a new flow definition.
func NewBuilder() *Builder {
	return &Builder{stages: map[StageID]*StageDef{}}
}

func (b *Builder) ensureStage(id StageID) *StageDef {
	if s, ok := b.stages[id]; ok {
		return s
	}
	s := &StageDef{ID: id}
	b.stages[id] = s
	return s
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) attachAction(id StageID, action Action) {
	def := b.ensureStage(id)
	if action == nil {
		return
	}
	if def.Action != nil {
		b.fail(&ValidationError{Stage: id, Rule: "duplicate-action", Detail: "action already attached to this stage"})
		return
	}
	def.Action = action
}

// Stage declares or references a stage. If action is given it is attached
// to the stage; attaching a second action to the same stage is a
// build-time error. When a previous stage is the current chaining
// position, this call sets that stage's automatic-progression target to
// id (spec.md §4.A "sibling" rule).
func (b *Builder) Stage(id StageID, action ...Action) *Builder {
	if b.err != nil {
		return b
	}
	b.ensureStage(id)
	if len(action) > 0 {
		b.attachAction(id, action[0])
	}
	if b.lastStage != "" && b.lastStage != id {
		b.stages[b.lastStage].NextStage = id
	}
	b.lastStage = id
	return b
}

// WaitFor declares an event handler on the current waiting stage. target
// is invoked with a fresh WaitBuilder scoped to just that handler; the
// callback must resolve it via exactly one of Stage/Join/Condition.
// Chaining continues from the same waiting stage afterward, so multiple
// sibling WaitFor calls attach multiple handlers to one stage.
func (b *Builder) WaitFor(event EventID, target func(*WaitBuilder)) *Builder {
	if b.err != nil {
		return b
	}
	if b.lastStage == "" {
		b.fail(&ValidationError{Event: event, Rule: "waitfor-without-stage", Detail: "waitFor called before any stage was declared"})
		return b
	}
	stageID := b.lastStage
	wb := &WaitBuilder{parent: b}
	target(wb)
	b.addHandler(stageID, event, wb.target)
	return b
}

// Condition attaches a condition handler to the current stage, evaluated
// after that stage's action (or immediately if it has none) instead of a
// plain nextStage. The description defaults to the predicate's inferred
// function name, or "condition" if none can be recovered.
func (b *Builder) Condition(pred Predicate, onTrue, onFalse func(*ConditionBuilder), description ...string) *Builder {
	if b.err != nil {
		return b
	}
	if b.lastStage == "" {
		b.fail(&ValidationError{Rule: "condition-without-stage", Detail: "condition called before any stage was declared"})
		return b
	}
	def := b.stages[b.lastStage]
	if def.Condition != nil {
		b.fail(&ValidationError{Stage: b.lastStage, Rule: "duplicate-condition", Detail: "condition already attached to this stage"})
		return b
	}
	def.Condition = b.buildCondition(pred, onTrue, onFalse, description...)
	// A condition resolves the whole transition; there is no implicit
	// "current stage" to chain further siblings from afterward.
	b.lastStage = ""
	return b
}

// Join resolves the current chaining target to an already-declared stage,
// without attaching an action. Used at the top level to close a loop back
// to an earlier stage.
func (b *Builder) Join(id StageID) *Builder {
	if b.err != nil {
		return b
	}
	if b.lastStage != "" && b.lastStage != id {
		b.stages[b.lastStage].NextStage = id
	}
	b.ensureStage(id)
	b.lastStage = id
	return b
}

// End is purely documentary and changes nothing: a stage with no action,
// next stage, condition, or event handlers is classified as terminal by
// StageDef.Kind. End does not clear those fields on the current stage,
// and a Stage call that follows End still chains from the current stage.
func (b *Builder) End() *Builder {
	return b
}

// Initial marks the most recently declared stage as the flow's entry
// point. Mutually exclusive with InitialCondition.
func (b *Builder) Initial() *Builder {
	if b.lastStage == "" {
		b.fail(&ValidationError{Rule: "initial-without-stage", Detail: "Initial called before any stage was declared"})
		return b
	}
	b.initialStage = b.lastStage
	return b
}

// InitialCondition evaluates pred against the starting state to choose
// the instance's first stage, instead of a fixed InitialStage.
func (b *Builder) InitialCondition(pred Predicate, onTrue, onFalse func(*ConditionBuilder), description ...string) *Builder {
	if b.err != nil {
		return b
	}
	b.initialCondition = b.buildCondition(pred, onTrue, onFalse, description...)
	return b
}

// Build runs validation and returns an immutable Flow.
func (b *Builder) Build() (*Flow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stages) == 0 {
		return nil, &ValidationError{Rule: "empty-flow", Detail: "flow has no stages"}
	}
	if b.initialStage == "" && b.initialCondition == nil {
		return nil, &ValidationError{Rule: "missing-initial", Detail: "flow has no initial stage or initial condition"}
	}
	if b.initialStage != "" && b.initialCondition != nil {
		return nil, &ValidationError{Rule: "ambiguous-initial", Detail: "flow declares both an initial stage and an initial condition"}
	}

	fl := &Flow{
		Stages:           make(map[StageID]StageDef, len(b.stages)),
		InitialStage:     b.initialStage,
		InitialCondition: b.initialCondition,
	}
	for id, def := range b.stages {
		fl.Stages[id] = *def
	}
	if err := validate(fl); err != nil {
		return nil, err
	}
	return fl, nil
}

func (b *Builder) buildCondition(pred Predicate, onTrue, onFalse func(*ConditionBuilder), description ...string) *Condition {
	desc := inferDescription(pred, description...)
	tb := &ConditionBuilder{parent: b}
	onTrue(tb)
	fb := &ConditionBuilder{parent: b}
	onFalse(fb)
	return &Condition{Predicate: pred, Description: desc, OnTrue: tb.target, OnFalse: fb.target}
}

func (b *Builder) addHandler(stageID StageID, event EventID, target Target) {
	def := b.ensureStage(stageID)
	for _, h := range def.EventHandlers {
		if h.Event == event {
			b.fail(&ValidationError{Stage: stageID, Event: event, Rule: "duplicate-event-handler", Detail: "two sibling waitFor declarations use the same event id"})
			return
		}
	}
	def.EventHandlers = append(def.EventHandlers, EventHandler{Event: event, Target: target})
}

// WaitBuilder is the scope passed to a WaitFor callback. Exactly one of
// its three methods must be called to resolve the handler's target.
type WaitBuilder struct {
	parent *Builder
	target Target
}

// Stage resolves the handler's target to id, declaring it if new and
// optionally attaching an action.
func (w *WaitBuilder) Stage(id StageID, action ...Action) {
	if len(action) > 0 {
		w.parent.attachAction(id, action[0])
	} else {
		w.parent.ensureStage(id)
	}
	w.target = stageTarget(id)
}

// Join resolves the handler's target to an already-declared stage.
func (w *WaitBuilder) Join(id StageID) {
	w.parent.ensureStage(id)
	w.target = stageTarget(id)
}

// Condition resolves the handler's target to a nested condition.
func (w *WaitBuilder) Condition(pred Predicate, onTrue, onFalse func(*ConditionBuilder), description ...string) {
	w.target = conditionTarget(w.parent.buildCondition(pred, onTrue, onFalse, description...))
}

// ConditionBuilder is the scope passed to a condition's onTrue/onFalse
// callback. Exactly one of its three methods must be called to resolve
// that branch's target.
type ConditionBuilder struct {
	parent *Builder
	target Target
}

// Stage resolves this branch to id, declaring it if new and optionally
// attaching an action.
func (c *ConditionBuilder) Stage(id StageID, action ...Action) {
	if len(action) > 0 {
		c.parent.attachAction(id, action[0])
	} else {
		c.parent.ensureStage(id)
	}
	c.target = stageTarget(id)
}

// Join resolves this branch to an already-declared stage.
func (c *ConditionBuilder) Join(id StageID) {
	c.parent.ensureStage(id)
	c.target = stageTarget(id)
}

// Condition resolves this branch to a nested condition.
func (c *ConditionBuilder) Condition(pred Predicate, onTrue, onFalse func(*ConditionBuilder), description ...string) {
	c.target = conditionTarget(c.parent.buildCondition(pred, onTrue, onFalse, description...))
}

func inferDescription(pred Predicate, explicit ...string) string {
	for _, d := range explicit {
		if strings.TrimSpace(d) != "" {
			return d
		}
	}
	if name := funcName(pred); name != "" {
		return name
	}
	return "condition"
}

// funcName recovers a named function's short name via reflection.
// Anonymous closures report a name containing ".funcN"; those are treated
// as unrecoverable, per spec.md §4.A's "for anonymous predicates the
// description is 'condition'".
func funcName(pred Predicate) string {
	if pred == nil {
		return ""
	}
	full := runtime.FuncForPC(reflect.ValueOf(pred).Pointer()).Name()
	if full == "" || strings.Contains(full, ".func") {
		return ""
	}
	if idx := strings.LastIndex(full, "."); idx >= 0 {
		return full[idx+1:]
	}
	return full
}

// ValidationError describes a graph inconsistency detected by Build(),
// naming the offending stage/event and the violated rule.
type ValidationError struct {
	Stage  StageID
	Event  EventID
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Stage != "" && e.Event != "":
		return fmt.Sprintf("flow validation [%s]: stage %q event %q: %s", e.Rule, e.Stage, e.Event, e.Detail)
	case e.Stage != "":
		return fmt.Sprintf("flow validation [%s]: stage %q: %s", e.Rule, e.Stage, e.Detail)
	default:
		return fmt.Sprintf("flow validation [%s]: %s", e.Rule, e.Detail)
	}
}
