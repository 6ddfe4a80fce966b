package schedpoll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marcingurbisz/flowlite-sub000/internal/platform/testutil"
	"github.com/marcingurbisz/flowlite-sub000/schedpoll"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

func TestScheduleTickDeliversExactlyOnceConcurrently(t *testing.T) {
	db := testutil.DB(t)
	t.Cleanup(func() {
		db.Exec("DELETE FROM flowlite_tick WHERE flow_id = ?", "sched-test")
	})

	sched := schedpoll.New(db, testutil.Logger(t))

	var mu sync.Mutex
	var invocations int
	done := make(chan struct{})
	sched.SetTickHandler(func(_ context.Context, flowID, instanceID string) {
		mu.Lock()
		invocations++
		n := invocations
		mu.Unlock()
		if n == 1 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(nil)

	if err := sched.ScheduleTick(ctx, "sched-test", "inst-1"); err != nil {
		t.Fatalf("ScheduleTick: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tick delivery")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := invocations
	mu.Unlock()
	if got != 1 {
		t.Fatalf("invocations = %d, want exactly 1", got)
	}
}

func TestPollOnceClaimsAQueuedRow(t *testing.T) {
	db := testutil.DB(t)
	t.Cleanup(func() {
		db.Exec("DELETE FROM flowlite_tick WHERE flow_id = ?", "sched-test-poll")
	})

	sched := schedpoll.New(db, testutil.Logger(t))
	delivered := make(chan struct{}, 1)
	sched.SetTickHandler(func(_ context.Context, flowID, instanceID string) {
		delivered <- struct{}{}
	})

	ctx := context.Background()
	if err := sched.ScheduleTick(ctx, "sched-test-poll", "inst-2"); err != nil {
		t.Fatalf("ScheduleTick: %v", err)
	}
	sched.PollOnce(ctx)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("PollOnce did not dispatch the queued tick")
	}
}

var _ store.TickScheduler = (*schedpoll.Scheduler)(nil)
