// Package schedpoll implements store.TickScheduler as a Postgres-polling
// worker pool, grounded on the teacher's job_run worker: claim-with-lock
// via SELECT ... FOR UPDATE SKIP LOCKED, a fixed-size goroutine pool, and
// panic-recovering dispatch.
package schedpoll

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marcingurbisz/flowlite-sub000/internal/platform/envutil"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

const (
	statusQueued  = "queued"
	statusRunning = "running"
)

type tickRow struct {
	FlowID     string     `gorm:"column:flow_id;primaryKey"`
	InstanceID string     `gorm:"column:instance_id;primaryKey"`
	Status     string     `gorm:"column:status;not null;index"`
	LockedAt   *time.Time `gorm:"column:locked_at;index"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null;default:now()"`
}

func (tickRow) TableName() string { return "flowlite_tick" }

// Scheduler is a durable, poll-based store.TickScheduler. ScheduleTick
// coalesces repeated wake-ups for the same instance into a single queued
// row; a running row whose lock goes stale (worker crashed mid-tick)
// becomes reclaimable again after staleRunning, the same "heartbeat
// timeout" reclaim the teacher's ClaimNextRunnable performs for stuck
// jobs.
type Scheduler struct {
	db  *gorm.DB
	log *logger.Logger

	handler store.TickHandler

	concurrency  int
	pollInterval time.Duration
	staleRunning time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(db *gorm.DB, baseLog *logger.Logger) *Scheduler {
	log := baseLog.With("component", "schedpoll.Scheduler")
	return &Scheduler{
		db:           db,
		log:          log,
		concurrency:  envutil.GetEnvAsInt("FLOWLITE_SCHEDULER_CONCURRENCY", 4, log),
		pollInterval: time.Duration(envutil.GetEnvAsInt("FLOWLITE_SCHEDULER_POLL_MS", 250, log)) * time.Millisecond,
		staleRunning: time.Duration(envutil.GetEnvAsInt("FLOWLITE_SCHEDULER_STALE_MINUTES", 5, log)) * time.Minute,
	}
}

// AutoMigrate creates the flowlite_tick table.
func (s *Scheduler) AutoMigrate() error {
	return s.db.AutoMigrate(&tickRow{})
}

func (s *Scheduler) SetTickHandler(h store.TickHandler) {
	s.handler = h
}

// ScheduleTick upserts a queued row for (flowID, instanceID), overwriting
// any existing row regardless of its current status — a running tick
// that gets rescheduled mid-flight (the usual "more work to do" case)
// simply becomes queued again for the next poll, once the current
// invocation's own delete-if-still-running no-ops against it.
func (s *Scheduler) ScheduleTick(ctx context.Context, flowID, instanceID string) error {
	row := tickRow{FlowID: flowID, InstanceID: instanceID, Status: statusQueued}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "flow_id"}, {Name: "instance_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":    statusQueued,
			"locked_at": nil,
		}),
	}).Create(&row).Error
}

// Start launches the polling worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("schedpoll: Start called before SetTickHandler")
	}
	concurrency := s.concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{}, concurrency)
	s.log.Info("starting tick scheduler", "concurrency", concurrency, "poll_interval", s.pollInterval)
	for i := 0; i < concurrency; i++ {
		go s.runLoop(ctx, i+1)
	}
	return nil
}

// Stop signals every runLoop goroutine to exit and waits for them,
// before invoking callback.
func (s *Scheduler) Stop(callback func()) {
	if s.stopCh != nil {
		close(s.stopCh)
		for i := 0; i < cap(s.doneCh); i++ {
			<-s.doneCh
		}
	}
	if callback != nil {
		callback()
	}
}

func (s *Scheduler) runLoop(ctx context.Context, workerID int) {
	defer func() { s.doneCh <- struct{}{} }()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.claimAndRun(ctx, workerID)
		}
	}
}

// PollOnce runs a single claim-and-dispatch pass outside the regular
// ticker cadence. schedredis calls this immediately on a pub/sub
// notification so an accelerated wake-up doesn't have to wait out
// pollInterval; the backing claim query is the same one runLoop uses,
// so this is safe to call concurrently with the running pool.
func (s *Scheduler) PollOnce(ctx context.Context) {
	s.claimAndRun(ctx, 0)
}

func (s *Scheduler) claimAndRun(ctx context.Context, workerID int) {
	row, ok, err := s.claimNext(ctx)
	if err != nil {
		s.log.Warn("claim failed", "worker_id", workerID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.invoke(ctx, workerID, row)
}

func (s *Scheduler) claimNext(ctx context.Context) (tickRow, bool, error) {
	staleCutoff := time.Now().Add(-s.staleRunning)
	var claimed tickRow
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row tickRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? OR (status = ? AND locked_at < ?)", statusQueued, statusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&row).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		now := time.Now()
		if uErr := tx.Model(&tickRow{}).
			Where("flow_id = ? AND instance_id = ?", row.FlowID, row.InstanceID).
			Updates(map[string]interface{}{"status": statusRunning, "locked_at": now}).Error; uErr != nil {
			return uErr
		}
		claimed = row
		found = true
		return nil
	})
	if err != nil {
		return tickRow{}, false, err
	}
	return claimed, found, nil
}

// invoke dispatches one claimed tick. The row is deleted afterward only
// if it is still Running — if the handler itself called ScheduleTick
// before returning (the normal "more work ready" case), that upsert has
// already turned the row back to Queued and this delete becomes a no-op,
// leaving the fresh wake-up intact for the next poll.
func (s *Scheduler) invoke(ctx context.Context, workerID int, row tickRow) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick handler panic", "worker_id", workerID, "flow_id", row.FlowID, "instance_id", row.InstanceID, "panic", r)
		}
		res := s.db.WithContext(ctx).
			Where("flow_id = ? AND instance_id = ? AND status = ?", row.FlowID, row.InstanceID, statusRunning).
			Delete(&tickRow{})
		if res.Error != nil {
			s.log.Warn("failed to clear completed tick row", "flow_id", row.FlowID, "instance_id", row.InstanceID, "error", res.Error)
		}
	}()
	s.handler(ctx, row.FlowID, row.InstanceID)
}
