// Package schedredis decorates a schedpoll.Scheduler with a Redis
// pub/sub accelerator, grounded on the teacher's Redis-backed SSE bus
// (internal/clients/redis/sse_bus.go): the durable Postgres poll stays
// the source of truth and correctness backstop, while a pub/sub message
// lets any worker react to a fresh wake-up immediately instead of
// waiting out the poll interval.
package schedredis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marcingurbisz/flowlite-sub000/internal/platform/envutil"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/schedpoll"
)

// wakeup is the payload published on the accelerator channel. Its
// contents are advisory only: a dropped or unparseable message just
// means the instance waits for schedpoll's own poll interval instead.
type wakeup struct {
	FlowID     string `json:"flow_id"`
	InstanceID string `json:"instance_id"`
}

// Scheduler wraps a *schedpoll.Scheduler, adding a Redis publish on
// every ScheduleTick and a subscriber goroutine that triggers an extra
// out-of-band poll pass on each message received.
type Scheduler struct {
	*schedpoll.Scheduler
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// New requires FLOWLITE_REDIS_ADDR; it pings the server so a
// misconfigured accelerator fails at startup rather than silently
// degrading to poll-only latency.
func New(underlying *schedpoll.Scheduler, baseLog *logger.Logger) (*Scheduler, error) {
	log := baseLog.With("component", "schedredis.Scheduler")
	addr := envutil.GetEnv("FLOWLITE_REDIS_ADDR", "", log)
	if addr == "" {
		return nil, fmt.Errorf("schedredis: FLOWLITE_REDIS_ADDR is required")
	}
	channel := envutil.GetEnv("FLOWLITE_REDIS_CHANNEL", "flowlite:tick", log)

	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("schedredis: redis ping: %w", err)
	}

	return &Scheduler{Scheduler: underlying, log: log, rdb: rdb, channel: channel}, nil
}

// ScheduleTick persists the wake-up through the underlying poller first
// — a worker that never sees the Redis message still picks the instance
// up on its next poll — then publishes it so a subscribed worker reacts
// immediately.
func (s *Scheduler) ScheduleTick(ctx context.Context, flowID, instanceID string) error {
	if err := s.Scheduler.ScheduleTick(ctx, flowID, instanceID); err != nil {
		return err
	}
	raw, err := json.Marshal(wakeup{FlowID: flowID, InstanceID: instanceID})
	if err != nil {
		return nil
	}
	if err := s.rdb.Publish(ctx, s.channel, raw).Err(); err != nil {
		s.log.Warn("accelerator publish failed, falling back to poll interval", "flow_id", flowID, "instance_id", instanceID, "error", err)
	}
	return nil
}

// Start launches the underlying poller pool, then subscribes to the
// accelerator channel and triggers one extra schedpoll.PollOnce per
// message received.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}

	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("schedredis: subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var wk wakeup
				if err := json.Unmarshal([]byte(m.Payload), &wk); err != nil {
					s.log.Warn("bad accelerator payload", "error", err)
					continue
				}
				s.Scheduler.PollOnce(ctx)
			}
		}
	}()

	return nil
}

// Stop halts the underlying poller then closes the Redis client.
func (s *Scheduler) Stop(callback func()) {
	s.Scheduler.Stop(func() {
		_ = s.rdb.Close()
		if callback != nil {
			callback()
		}
	})
}
