// Package storemem implements the store interfaces entirely in memory.
// It backs the engine's own tests and is useful for embedding FlowLite in
// a single process without external storage; it provides none of the
// crash-durability of a production Persister/EventStore/HistoryStore
// (storegorm provides that over Postgres). It has no TickScheduler.
package storemem

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// Persister is a mutex-guarded in-memory implementation of
// store.Persister, keyed by (flowID, instanceID).
type Persister struct {
	mu   sync.Mutex
	rows map[string]store.InstanceData
}

func NewPersister() *Persister {
	return &Persister{rows: make(map[string]store.InstanceData)}
}

func key(flowID, instanceID string) string { return flowID + "/" + instanceID }

func (p *Persister) Load(_ context.Context, flowID, instanceID string) (store.InstanceData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[key(flowID, instanceID)]
	if !ok {
		return store.InstanceData{}, &store.ErrNotFound{FlowID: flowID, InstanceID: instanceID}
	}
	return row, nil
}

func (p *Persister) Save(_ context.Context, data store.InstanceData) (store.InstanceData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key(data.FlowID, data.InstanceID)
	existing, ok := p.rows[k]
	if ok {
		data.Version = existing.Version + 1
	} else {
		data.Version = 1
	}
	p.rows[k] = data
	return data, nil
}

func (p *Persister) TryTransitionStageStatus(_ context.Context, flowID, instanceID string, expStage flow.StageID, expStatus, newStatus store.StageStatus) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key(flowID, instanceID)
	row, ok := p.rows[k]
	if !ok || row.Stage != expStage || row.StageStatus != expStatus {
		return false, nil
	}
	row.StageStatus = newStatus
	row.Version++
	p.rows[k] = row
	return true, nil
}

func (p *Persister) ListInstances(_ context.Context, flowID string, bucket store.Bucket) ([]store.InstanceData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []store.InstanceData
	for _, row := range p.rows {
		if flowID != "" && row.FlowID != flowID {
			continue
		}
		if !inBucket(row.StageStatus, bucket) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func inBucket(status store.StageStatus, bucket store.Bucket) bool {
	switch bucket {
	case store.BucketError:
		return status == store.StatusError
	case store.BucketCompleted:
		return status == store.StatusCompleted
	case store.BucketActive:
		return status == store.StatusPending || status == store.StatusRunning
	default:
		return true
	}
}

var _ store.InstanceLister = (*Persister)(nil)

// EventStore is a mutex-guarded in-memory mailbox.
type EventStore struct {
	mu   sync.Mutex
	rows map[string]store.PendingEvent
}

func NewEventStore() *EventStore {
	return &EventStore{rows: make(map[string]store.PendingEvent)}
}

func (s *EventStore) Append(_ context.Context, flowID, instanceID string, event flow.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.rows[id] = store.PendingEvent{StorageID: id, FlowID: flowID, InstanceID: instanceID, Event: event}
	return nil
}

func (s *EventStore) Peek(_ context.Context, flowID, instanceID string, candidates []flow.EventID) (store.PendingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[flow.EventID]bool, len(candidates))
	for _, c := range candidates {
		wanted[c] = true
	}
	var ids []string
	for id, row := range s.rows {
		if row.FlowID == flowID && row.InstanceID == instanceID && wanted[row.Event] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return store.PendingEvent{}, false, nil
	}
	sort.Strings(ids)
	return s.rows[ids[0]], true, nil
}

func (s *EventStore) Delete(_ context.Context, storageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[storageID]; !ok {
		return false, nil
	}
	delete(s.rows, storageID)
	return true, nil
}

// HistoryStore is a mutex-guarded in-memory append-only log.
type HistoryStore struct {
	mu      sync.Mutex
	entries []store.HistoryEntry
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

func (h *HistoryStore) Append(_ context.Context, entry store.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

func (h *HistoryStore) Timeline(_ context.Context, flowID, instanceID string) ([]store.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []store.HistoryEntry
	for _, e := range h.entries {
		if e.FlowID == flowID && e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

