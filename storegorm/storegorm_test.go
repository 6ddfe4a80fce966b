package storegorm_test

import (
	"context"
	"testing"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/testutil"
	"github.com/marcingurbisz/flowlite-sub000/store"
	"github.com/marcingurbisz/flowlite-sub000/storegorm"
)

func eventIDs(ids ...string) []flow.EventID {
	out := make([]flow.EventID, len(ids))
	for i, id := range ids {
		out[i] = flow.EventID(id)
	}
	return out
}

func TestPersisterSaveLoadRoundTrip(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	p := storegorm.NewPersister(db, testutil.Logger(t))
	ctx := context.Background()

	saved, err := p.Save(ctx, store.InstanceData{
		FlowID: "orders", InstanceID: "inst-1",
		Stage: "reserve", StageStatus: store.StatusPending,
		State: map[string]any{"orderID": "o-1"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Stage != "reserve" {
		t.Fatalf("Stage = %q", saved.Stage)
	}

	loaded, err := p.Load(ctx, "orders", "inst-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.StageStatus != store.StatusPending {
		t.Fatalf("StageStatus = %v", loaded.StageStatus)
	}
}

func TestPersisterLoadMissingReturnsErrNotFound(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	p := storegorm.NewPersister(db, testutil.Logger(t))

	_, err := p.Load(context.Background(), "orders", "does-not-exist")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Fatalf("expected *store.ErrNotFound, got %T: %v", err, err)
	}
}

func TestPersisterTryTransitionStageStatusCAS(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	p := storegorm.NewPersister(db, testutil.Logger(t))
	ctx := context.Background()

	if _, err := p.Save(ctx, store.InstanceData{
		FlowID: "orders", InstanceID: "inst-2",
		Stage: "reserve", StageStatus: store.StatusRunning,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ok, err := p.TryTransitionStageStatus(ctx, "orders", "inst-2", "reserve", store.StatusPending, store.StatusRunning)
	if err != nil {
		t.Fatalf("TryTransitionStageStatus: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to fail against a stale expected status")
	}

	ok, err = p.TryTransitionStageStatus(ctx, "orders", "inst-2", "reserve", store.StatusRunning, store.StatusCompleted)
	if err != nil {
		t.Fatalf("TryTransitionStageStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed against the matching status")
	}
}

func TestPersisterListInstancesFiltersByBucket(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	p := storegorm.NewPersister(db, testutil.Logger(t))
	ctx := context.Background()

	for i, status := range []store.StageStatus{store.StatusPending, store.StatusError, store.StatusCompleted} {
		if _, err := p.Save(ctx, store.InstanceData{
			FlowID: "orders", InstanceID: "bucket-inst", Stage: "reserve", StageStatus: status,
		}); err != nil {
			t.Fatalf("Save[%d]: %v", i, err)
		}
		rows, err := p.ListInstances(ctx, "orders", store.BucketActive)
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		wantActive := status == store.StatusPending
		gotActive := len(rows) == 1
		if gotActive != wantActive {
			t.Fatalf("status=%v: active bucket membership = %v, want %v", status, gotActive, wantActive)
		}
	}
}

func TestEventStorePeekAndDelete(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	s := storegorm.NewEventStore(db, testutil.Logger(t))
	ctx := context.Background()

	if err := s.Append(ctx, "orders", "inst-3", "shipped"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, ok, err := s.Peek(ctx, "orders", "inst-3", eventIDs("shipped", "cancelled"))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok || got.Event != "shipped" {
		t.Fatalf("Peek = %+v, ok=%v", got, ok)
	}

	deleted, err := s.Delete(ctx, got.StorageID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected Delete to report found")
	}

	deletedAgain, err := s.Delete(ctx, got.StorageID)
	if err != nil {
		t.Fatalf("Delete (repeat): %v", err)
	}
	if deletedAgain {
		t.Fatal("expected repeat Delete to report not found")
	}
}

func TestHistoryStoreAppendAndTimeline(t *testing.T) {
	db := testutil.Tx(t, testutil.DB(t))
	h := storegorm.NewHistoryStore(db, testutil.Logger(t))
	ctx := context.Background()

	if err := h.Append(ctx, store.HistoryEntry{FlowID: "orders", InstanceID: "inst-4", Kind: store.HistoryInstanceStarted, Stage: "reserve"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Append(ctx, store.HistoryEntry{FlowID: "orders", InstanceID: "inst-4", Kind: store.HistoryStageChanged, FromStage: "reserve", ToStage: "charge"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := h.Timeline(ctx, "orders", "inst-4")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != store.HistoryInstanceStarted || entries[1].Kind != store.HistoryStageChanged {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}
