// Package engine implements the FlowLite tick state machine: the
// component that composes a flow.Flow definition with the four
// durability interfaces in package store to advance flow instances one
// unit of work at a time.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// registration bundles a flow definition with the persister that owns
// its instances. The registry is write-once after startup: callers
// register all flows before Start. Ticks and the other operations read
// it through lookup, which takes the shared read lock of mu.
type registration struct {
	flow      *flow.Flow
	persister store.Persister
}

// Engine registers flow definitions, starts and advances instances, and
// implements the tick handler consumed by a store.TickScheduler. It holds
// no mutable state between ticks beyond the write-once flow registry.
type Engine struct {
	mu    sync.RWMutex
	flows map[string]*registration

	events    store.EventStore
	scheduler store.TickScheduler
	history   store.HistoryStore
	log       *logger.Logger
	tracer    trace.Tracer
}

// New wires an Engine over the three shared durability collaborators.
// Each flow's Persister is supplied separately via RegisterFlow.
func New(events store.EventStore, scheduler store.TickScheduler, history store.HistoryStore, log *logger.Logger) *Engine {
	e := &Engine{
		flows:     make(map[string]*registration),
		events:    events,
		scheduler: scheduler,
		history:   history,
		log:       log,
		tracer:    otel.Tracer("github.com/marcingurbisz/flowlite-sub000/engine"),
	}
	scheduler.SetTickHandler(e.tick)
	return e
}

// RegisterFlow is idempotent: registering the same flowID with the exact
// same *flow.Flow value again is a no-op. Registering it with a
// different flow is an error.
func (e *Engine) RegisterFlow(flowID string, fl *flow.Flow, persister store.Persister) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.flows[flowID]; ok {
		if existing.flow != fl {
			return &store.ErrInvalidOperation{FlowID: flowID, Detail: "flow already registered with a different definition"}
		}
		return nil
	}
	e.flows[flowID] = &registration{flow: fl, persister: persister}
	return nil
}

// RegisteredFlowIDs returns the ids of every flow registered so far, in
// no particular order. Consumed by the observer package's listFlows
// query.
func (e *Engine) RegisteredFlowIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.flows))
	for id := range e.flows {
		ids = append(ids, id)
	}
	return ids
}

// FlowDefinition returns the registered flow.Flow for flowID.
func (e *Engine) FlowDefinition(flowID string) (*flow.Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.flows[flowID]
	if !ok {
		return nil, false
	}
	return reg.flow, true
}

// InstanceLister returns flowID's persister as a store.InstanceLister,
// when the registered Persister also implements that optional
// capability. Consumed by the observer package's bucketed list queries.
func (e *Engine) InstanceLister(flowID string) (store.InstanceLister, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.flows[flowID]
	if !ok {
		return nil, false
	}
	lister, ok := reg.persister.(store.InstanceLister)
	return lister, ok
}

func (e *Engine) lookup(flowID string) (*registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.flows[flowID]
	if !ok || reg.persister == nil {
		return nil, &store.ErrUnknownFlow{FlowID: flowID}
	}
	return reg, nil
}

// StartInstance assigns a fresh instance id, resolves the initial stage
// (evaluating InitialCondition against initialState if the flow has
// one), persists the starting record, appends InstanceStarted, and
// enqueues the first tick.
func (e *Engine) StartInstance(ctx context.Context, flowID string, initialState any) (string, error) {
	reg, err := e.lookup(flowID)
	if err != nil {
		return "", err
	}
	initialStage, err := reg.flow.ResolveInitialStage(initialState)
	if err != nil {
		return "", fmt.Errorf("flowlite: resolving initial stage: %w", err)
	}
	instanceID := uuid.NewString()
	data := store.InstanceData{
		FlowID:      flowID,
		InstanceID:  instanceID,
		Stage:       initialStage,
		StageStatus: store.StatusPending,
		State:       initialState,
	}
	if _, err := reg.persister.Save(ctx, data); err != nil {
		return "", err
	}
	e.appendHistory(ctx, store.HistoryEntry{
		FlowID: flowID, InstanceID: instanceID,
		Kind: store.HistoryInstanceStarted, Stage: initialStage,
	})
	if err := e.scheduler.ScheduleTick(ctx, flowID, instanceID); err != nil {
		e.log.Error("failed to schedule initial tick", "flow_id", flowID, "instance_id", instanceID, "error", err)
	}
	return instanceID, nil
}

// StartInstanceWithID is the variant for hosts that reserve instance ids
// outside the engine: the record must already be persisted under
// instanceID. The engine only enqueues the first tick.
func (e *Engine) StartInstanceWithID(ctx context.Context, flowID, instanceID string) error {
	if _, err := e.lookup(flowID); err != nil {
		return err
	}
	return e.scheduler.ScheduleTick(ctx, flowID, instanceID)
}

// SendEvent appends event to the instance's mailbox regardless of
// whether it has reached a waiting stage yet, and enqueues a tick.
func (e *Engine) SendEvent(ctx context.Context, flowID, instanceID string, event flow.EventID) error {
	if _, err := e.lookup(flowID); err != nil {
		return err
	}
	if err := e.events.Append(ctx, flowID, instanceID, event); err != nil {
		return err
	}
	e.appendHistory(ctx, store.HistoryEntry{FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryEventAppended, Event: event})
	return e.scheduler.ScheduleTick(ctx, flowID, instanceID)
}

// Retry requires the instance's current status to be Error; it CASes
// back to Pending from the same stage and enqueues a tick.
func (e *Engine) Retry(ctx context.Context, flowID, instanceID string) error {
	reg, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	data, err := reg.persister.Load(ctx, flowID, instanceID)
	if err != nil {
		return err
	}
	if data.StageStatus != store.StatusError {
		return &store.ErrInvalidOperation{FlowID: flowID, InstanceID: instanceID, Detail: "retry requires status Error"}
	}
	ok, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, data.Stage, store.StatusError, store.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		return &store.ErrInvalidOperation{FlowID: flowID, InstanceID: instanceID, Detail: "retry lost the race with a concurrent state change"}
	}
	return e.scheduler.ScheduleTick(ctx, flowID, instanceID)
}

// Cancel CASes the instance straight to Cancelled from whatever status
// it currently holds, short of a terminal one, and appends a Cancelled
// history entry. No further ticks are honored once cancelled.
func (e *Engine) Cancel(ctx context.Context, flowID, instanceID string) error {
	reg, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	data, err := reg.persister.Load(ctx, flowID, instanceID)
	if err != nil {
		return err
	}
	if data.StageStatus == store.StatusCompleted || data.StageStatus == store.StatusCancelled {
		return &store.ErrInvalidOperation{FlowID: flowID, InstanceID: instanceID, Detail: "cannot cancel a completed or already-cancelled instance"}
	}
	ok, err := reg.persister.TryTransitionStageStatus(ctx, flowID, instanceID, data.Stage, data.StageStatus, store.StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return &store.ErrInvalidOperation{FlowID: flowID, InstanceID: instanceID, Detail: "cancel lost the race with a concurrent state change"}
	}
	e.appendHistory(ctx, store.HistoryEntry{FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryCancelled, Stage: data.Stage})
	return nil
}

// ChangeStage is an operator override. It is only honored when the
// instance's current status is Pending or Error; it persists newStage
// with status Pending, appends StageChanged, and enqueues a tick.
func (e *Engine) ChangeStage(ctx context.Context, flowID, instanceID string, newStage flow.StageID) error {
	reg, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	data, err := reg.persister.Load(ctx, flowID, instanceID)
	if err != nil {
		return err
	}
	if data.StageStatus != store.StatusPending && data.StageStatus != store.StatusError {
		return &store.ErrInvalidOperation{FlowID: flowID, InstanceID: instanceID, Detail: "changeStage refuses to move a Running or Completed instance"}
	}
	fromStage := data.Stage
	data.Stage = newStage
	data.StageStatus = store.StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		return err
	}
	e.appendHistory(ctx, store.HistoryEntry{FlowID: flowID, InstanceID: instanceID, Kind: store.HistoryStageChanged, FromStage: fromStage, ToStage: newStage})
	return e.scheduler.ScheduleTick(ctx, flowID, instanceID)
}

// GetStatus is a read-through to the persister.
func (e *Engine) GetStatus(ctx context.Context, flowID, instanceID string) (flow.StageID, store.StageStatus, error) {
	reg, err := e.lookup(flowID)
	if err != nil {
		return "", "", err
	}
	data, err := reg.persister.Load(ctx, flowID, instanceID)
	if err != nil {
		return "", "", err
	}
	return data.Stage, data.StageStatus, nil
}

// appendHistory writes a history entry best-effort: a logging failure
// here must never fail the caller's operation or a tick.
func (e *Engine) appendHistory(ctx context.Context, entry store.HistoryEntry) {
	if e.history == nil {
		return
	}
	if err := e.history.Append(ctx, entry); err != nil {
		e.log.Warn("history append failed", "flow_id", entry.FlowID, "instance_id", entry.InstanceID, "kind", entry.Kind, "error", err)
	}
}
