package schedredis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/marcingurbisz/flowlite-sub000/internal/platform/testutil"
	"github.com/marcingurbisz/flowlite-sub000/schedpoll"
	"github.com/marcingurbisz/flowlite-sub000/schedredis"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

func TestScheduleTickDeliversViaAccelerator(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run the schedredis accelerator test")
	}
	t.Setenv("FLOWLITE_REDIS_ADDR", addr)
	t.Setenv("FLOWLITE_SCHEDULER_POLL_MS", "60000") // poll interval long enough that only the accelerator can deliver in time

	db := testutil.DB(t)
	t.Cleanup(func() {
		db.Exec("DELETE FROM flowlite_tick WHERE flow_id = ?", "accel-test")
	})

	underlying := schedpoll.New(db, testutil.Logger(t))
	sched, err := schedredis.New(underlying, testutil.Logger(t))
	if err != nil {
		t.Fatalf("schedredis.New: %v", err)
	}

	delivered := make(chan struct{}, 1)
	sched.SetTickHandler(func(context.Context, string, string) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(nil)

	if err := sched.ScheduleTick(ctx, "accel-test", "inst-1"); err != nil {
		t.Fatalf("ScheduleTick: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("accelerator did not deliver the tick within the poll-starved window")
	}
}

var _ store.TickScheduler = (*schedredis.Scheduler)(nil)
