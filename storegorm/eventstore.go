package storegorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

type eventRow struct {
	StorageID  string    `gorm:"column:storage_id;primaryKey"`
	FlowID     string    `gorm:"column:flow_id;not null;index"`
	InstanceID string    `gorm:"column:instance_id;not null;index"`
	Event      string    `gorm:"column:event;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;default:now();index"`
}

func (eventRow) TableName() string { return "flowlite_event" }

// EventStore is a Postgres-backed store.EventStore.
type EventStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventStore(db *gorm.DB, baseLog *logger.Logger) *EventStore {
	return &EventStore{db: db, log: baseLog.With("component", "storegorm.EventStore")}
}

func (s *EventStore) Append(ctx context.Context, flowID, instanceID string, event flow.EventID) error {
	row := eventRow{
		StorageID:  uuid.NewString(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Event:      string(event),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *EventStore) Peek(ctx context.Context, flowID, instanceID string, candidates []flow.EventID) (store.PendingEvent, bool, error) {
	if len(candidates) == 0 {
		return store.PendingEvent{}, false, nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = string(c)
	}
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("flow_id = ? AND instance_id = ? AND event IN ?", flowID, instanceID, names).
		Order("created_at ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.PendingEvent{}, false, nil
	}
	if err != nil {
		return store.PendingEvent{}, false, err
	}
	return store.PendingEvent{
		StorageID:  row.StorageID,
		FlowID:     row.FlowID,
		InstanceID: row.InstanceID,
		Event:      flow.EventID(row.Event),
	}, true, nil
}

func (s *EventStore) Delete(ctx context.Context, storageID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("storage_id = ?", storageID).Delete(&eventRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
