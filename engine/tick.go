package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// tick is the store.TickHandler registered with the scheduler. It
// executes at most one unit of work for (flowID, instanceID): a claim,
// one stage action / transition / event consumption, and a reschedule
// if more work is ready. This is the only place the engine mutates
// instance records during normal operation.
func (e *Engine) tick(ctx context.Context, flowID, instanceID string) {
	ctx, span := e.tracer.Start(ctx, "flowlite.tick", trace.WithAttributes(
		attribute.String("flowlite.flow_id", flowID),
		attribute.String("flowlite.instance_id", instanceID),
	))
	defer span.End()

	reg, err := e.lookup(flowID)
	if err != nil {
		e.log.Warn("tick delivered for unregistered flow", "flow_id", flowID, "instance_id", instanceID)
		span.SetStatus(codes.Error, "unregistered flow")
		return
	}

	data, err := reg.persister.Load(ctx, flowID, instanceID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			// Tick delivered for a deleted instance; nothing to do.
			return
		}
		e.log.Error("tick: load failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		span.RecordError(err)
		return
	}

	switch data.StageStatus {
	case store.StatusCompleted, store.StatusError, store.StatusCancelled, store.StatusRunning:
		// Terminal, paused, or already being advanced by another claim.
		return
	}

	claimed, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, data.Stage, store.StatusPending, store.StatusRunning)
	if err != nil {
		e.log.Error("tick: claim failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		span.RecordError(err)
		return
	}
	if !claimed {
		// Another tick holds the claim, or the state moved underneath us.
		return
	}
	e.appendHistory(ctx, store.HistoryEntry{
		FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStatusChanged,
		FromStatus: store.StatusPending, ToStatus: store.StatusRunning,
	})
	data.StageStatus = store.StatusRunning

	stageDef, ok := reg.flow.Stage(data.Stage)
	if !ok {
		e.failInstance(ctx, reg, flowID, instanceID, data.Stage, &UnknownStage{Stage: string(data.Stage)})
		return
	}

	switch stageDef.Kind() {
	case flow.KindTerminal:
		e.completeInstance(ctx, reg, flowID, instanceID, data.Stage)
	case flow.KindActive:
		e.advanceActive(ctx, reg, flowID, instanceID, data, stageDef)
	case flow.KindWaiting:
		e.advanceWaiting(ctx, reg, flowID, instanceID, data, stageDef)
	}
}

func (e *Engine) advanceActive(ctx context.Context, reg *registration, flowID, instanceID string, data store.InstanceData, stageDef flow.StageDef) {
	state := data.State
	if stageDef.Action != nil {
		newState, stack, err := invokeAction(stageDef.Action, state)
		if err != nil {
			e.failInstance(ctx, reg, flowID, instanceID, data.Stage, &ActionFailure{Stage: string(data.Stage), Err: err}, stack)
			return
		}
		state = newState
	}

	targetStage := data.Stage
	moved := false
	if stageDef.Condition != nil {
		resolved, err := stageDef.Condition.Eval(state)
		if err != nil {
			e.failInstance(ctx, reg, flowID, instanceID, data.Stage, &ActionFailure{Stage: string(data.Stage), Err: err})
			return
		}
		targetStage = resolved
		moved = targetStage != data.Stage
	} else if stageDef.NextStage != "" {
		targetStage = stageDef.NextStage
		moved = true
	}

	fromStage := data.Stage
	data.Stage = targetStage
	data.State = state
	data.StageStatus = store.StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		e.log.Error("tick: save failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		return
	}
	if moved {
		e.appendHistory(ctx, store.HistoryEntry{FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStageChanged, FromStage: fromStage, ToStage: targetStage})
	}
	if err := e.scheduler.ScheduleTick(ctx, flowID, instanceID); err != nil {
		e.log.Error("tick: reschedule failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
	}
}

func (e *Engine) advanceWaiting(ctx context.Context, reg *registration, flowID, instanceID string, data store.InstanceData, stageDef flow.StageDef) {
	candidates := make([]flow.EventID, len(stageDef.EventHandlers))
	for i, h := range stageDef.EventHandlers {
		candidates[i] = h.Event
	}

	pending, found, err := e.events.Peek(ctx, flowID, instanceID, candidates)
	if err != nil {
		e.log.Error("tick: peek failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		e.releaseClaim(ctx, reg, flowID, instanceID, data.Stage)
		return
	}
	if !found {
		e.releaseClaim(ctx, reg, flowID, instanceID, data.Stage)
		return
	}

	var target flow.Target
	for _, h := range stageDef.EventHandlers {
		if h.Event == pending.Event {
			target = h.Target
			break
		}
	}

	var targetStage flow.StageID
	if target.Condition != nil {
		resolved, err := target.Condition.Eval(data.State)
		if err != nil {
			e.failInstance(ctx, reg, flowID, instanceID, data.Stage, &ActionFailure{Stage: string(data.Stage), Err: err})
			return
		}
		targetStage = resolved
	} else {
		targetStage = target.Stage
	}

	fromStage := data.Stage
	data.Stage = targetStage
	data.StageStatus = store.StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		e.log.Error("tick: save failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		return
	}
	if _, err := e.events.Delete(ctx, pending.StorageID); err != nil {
		e.log.Error("tick: event delete failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
	}
	e.appendHistory(ctx, store.HistoryEntry{FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStageChanged, FromStage: fromStage, ToStage: targetStage})
	if err := e.scheduler.ScheduleTick(ctx, flowID, instanceID); err != nil {
		e.log.Error("tick: reschedule failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
	}
}

func (e *Engine) completeInstance(ctx context.Context, reg *registration, flowID, instanceID string, stage flow.StageID) {
	ok, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, stage, store.StatusRunning, store.StatusCompleted)
	if err != nil {
		e.log.Error("tick: complete CAS failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		return
	}
	if ok {
		e.appendHistory(ctx, store.HistoryEntry{
			FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStatusChanged,
			FromStatus: store.StatusRunning, ToStatus: store.StatusCompleted,
		})
	}
}

// releaseClaim returns a waiting stage from Running to Pending without
// advancing it: the no-match case for a waiting stage. No reschedule is
// issued; the instance waits for sendEvent to wake it again.
func (e *Engine) releaseClaim(ctx context.Context, reg *registration, flowID, instanceID string, stage flow.StageID) {
	ok, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, stage, store.StatusRunning, store.StatusPending)
	if err != nil {
		e.log.Error("tick: release claim failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		return
	}
	if ok {
		e.appendHistory(ctx, store.HistoryEntry{
			FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStatusChanged,
			FromStatus: store.StatusRunning, ToStatus: store.StatusPending,
		})
	}
}

// failInstance CASes the instance to Error and appends a best-effort
// history Error entry. Any error raised by an action, a persister call
// made on its behalf, or a condition predicate lands here.
func (e *Engine) failInstance(ctx context.Context, reg *registration, flowID, instanceID string, stage flow.StageID, cause error, stack ...string) {
	e.log.Error("instance moving to error", "flow_id", flowID, "instance_id", instanceID, "stage", stage, "error", cause)
	ok, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, stage, store.StatusRunning, store.StatusError)
	if err != nil {
		e.log.Error("tick: error CAS failed", "flow_id", flowID, "instance_id", instanceID, "error", err)
		return
	}
	if !ok {
		return
	}
	entry := store.HistoryEntry{
		FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryError,
		Stage: stage, ErrorType: fmt.Sprintf("%T", cause), ErrorMessage: cause.Error(),
	}
	if len(stack) > 0 {
		entry.ErrorStackTrace = stack[0]
	}
	e.appendHistory(ctx, entry)
}

// invokeAction runs action, converting a panic into an error and a
// captured stack trace so a misbehaving user action can never take down
// the tick worker.
func invokeAction(action flow.Action, state any) (newState any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	newState, err = action(state)
	return
}
