package store

import (
	"context"
	"time"

	"github.com/marcingurbisz/flowlite-sub000/flow"
)

// StageStatus is the lifecycle status of an instance's current stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusError     StageStatus = "error"
	StatusCancelled StageStatus = "cancelled"
)

// InstanceData is the unit owned by the Persister. State is the host
// application's opaque domain payload; the engine never inspects it
// beyond passing it to actions and predicates.
type InstanceData struct {
	FlowID      string
	InstanceID  string
	Stage       flow.StageID
	StageStatus StageStatus
	State       any
	// Version is an implementation-defined CAS token. storegorm uses the
	// row's updated_at-derived optimistic lock; storemem uses a plain
	// counter. The engine itself never reads or sets it.
	Version int64
}

// Persister is the user-provided adapter around durable per-instance
// storage. One Persister is registered per flow id.
type Persister interface {
	// Load reads the current record for instanceID. Returns *ErrNotFound
	// when absent.
	Load(ctx context.Context, flowID, instanceID string) (InstanceData, error)

	// Save writes data back, preserving any domain-state fields the
	// engine did not touch. Returns the re-read record. Returns
	// *ErrConflict if a concurrent writer raced this one and the
	// adapter could not resolve it.
	Save(ctx context.Context, data InstanceData) (InstanceData, error)

	// TryTransitionStageStatus atomically moves the record from
	// (expStage, expStatus) to newStatus, returning true iff it matched
	// and was updated.
	TryTransitionStageStatus(ctx context.Context, flowID, instanceID string, expStage flow.StageID, expStatus, newStatus StageStatus) (bool, error)
}

// PendingEvent is one row in an instance's mailbox.
type PendingEvent struct {
	StorageID  string
	FlowID     string
	InstanceID string
	Event      flow.EventID
}

// EventStore is a durable per-instance mailbox. Not required to be FIFO
// across distinct event ids, but Peek must never return an event already
// deleted.
type EventStore interface {
	// Append enqueues event as a new row with a unique storage id. May be
	// called many times for the same event value.
	Append(ctx context.Context, flowID, instanceID string, event flow.EventID) error

	// Peek returns any one stored event whose id is in candidates, or
	// ok=false if none are present. Selection among several available
	// candidates is implementation-defined but deterministic given the
	// store's own ordering.
	Peek(ctx context.Context, flowID, instanceID string, candidates []flow.EventID) (PendingEvent, bool, error)

	// Delete removes the row with storageID. Idempotent: deleting an
	// already-deleted or unknown id returns (false, nil).
	Delete(ctx context.Context, storageID string) (bool, error)
}

// TickHandler is invoked by the scheduler to advance one instance by one
// unit of work. Implemented by engine.Engine.
type TickHandler func(ctx context.Context, flowID, instanceID string)

// TickScheduler is a durable wake-up queue with at-least-once delivery
// and at most one in-flight handler invocation per (flowID, instanceID).
type TickScheduler interface {
	// SetTickHandler registers the callback invoked for each claimed
	// tick. Must be called before Start.
	SetTickHandler(handler TickHandler)

	// ScheduleTick durably enqueues a wake-up for (flowID, instanceID)
	// and returns immediately. Coalescing pending ticks for the same
	// instance is permitted but not required.
	ScheduleTick(ctx context.Context, flowID, instanceID string) error

	// Start begins dispatching claimed ticks to the registered handler.
	Start(ctx context.Context) error

	// Stop halts new poll cycles, waits for in-flight handlers to finish
	// (or the implementation's own grace period to elapse), then invokes
	// callback.
	Stop(callback func())
}

// HistoryKind classifies a HistoryEntry.
type HistoryKind string

const (
	HistoryInstanceStarted HistoryKind = "instance_started"
	HistoryEventAppended   HistoryKind = "event_appended"
	HistoryStatusChanged   HistoryKind = "status_changed"
	HistoryStageChanged    HistoryKind = "stage_changed"
	HistoryError           HistoryKind = "error"
	HistoryCancelled       HistoryKind = "cancelled"
)

// HistoryEntry is one append-only journal row. Only the fields relevant
// to Kind are populated; see the table in spec §4.E.
type HistoryEntry struct {
	FlowID     string
	InstanceID string
	Kind       HistoryKind
	At         time.Time

	Stage      flow.StageID // InstanceStarted, Error, Cancelled
	Event      flow.EventID // EventAppended
	FromStatus StageStatus  // StatusChanged
	ToStatus   StageStatus  // StatusChanged
	FromStage  flow.StageID // StageChanged
	ToStage    flow.StageID // StageChanged

	ErrorType       string // Error
	ErrorMessage    string // Error
	ErrorStackTrace string // Error, optional
}

// HistoryStore is an append-only journal, queried by observers and
// written only by the engine. Writes are best-effort: a failure here
// must never fail a tick.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error

	// Timeline returns entries for one instance in chronological order.
	Timeline(ctx context.Context, flowID, instanceID string) ([]HistoryEntry, error)
}

// ErrorGroup summarizes instances stuck in Error at a given stage.
type ErrorGroup struct {
	FlowID string
	Stage  flow.StageID
	Count  int
}

// Bucket groups instances for the cockpit's listInstances query.
type Bucket string

const (
	BucketActive    Bucket = "active"
	BucketError     Bucket = "error"
	BucketCompleted Bucket = "completed"
)

// InstanceLister is an optional capability consumed by the observer
// package to build list/bucket views. It is deliberately not part of the
// Persister interface, which spec §4.B limits to load/save/CAS "and
// nothing more" — a storage adapter that wants to back the cockpit
// implements this alongside Persister.
type InstanceLister interface {
	ListInstances(ctx context.Context, flowID string, bucket Bucket) ([]InstanceData, error)
}
