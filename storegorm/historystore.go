package storegorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

type historyRow struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	FlowID     string    `gorm:"column:flow_id;not null;index"`
	InstanceID string    `gorm:"column:instance_id;not null;index"`
	Kind       string    `gorm:"column:kind;not null"`
	At         time.Time `gorm:"column:at;not null;index"`

	Stage string `gorm:"column:stage"`
	Event string `gorm:"column:event"`

	FromStatus string `gorm:"column:from_status"`
	ToStatus   string `gorm:"column:to_status"`
	FromStage  string `gorm:"column:from_stage"`
	ToStage    string `gorm:"column:to_stage"`

	ErrorType       string `gorm:"column:error_type"`
	ErrorMessage    string `gorm:"column:error_message"`
	ErrorStackTrace string `gorm:"column:error_stack_trace;type:text"`
}

func (historyRow) TableName() string { return "flowlite_history" }

// HistoryStore is a Postgres-backed, append-only store.HistoryStore.
type HistoryStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHistoryStore(db *gorm.DB, baseLog *logger.Logger) *HistoryStore {
	return &HistoryStore{db: db, log: baseLog.With("component", "storegorm.HistoryStore")}
}

func (h *HistoryStore) Append(ctx context.Context, entry store.HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	row := historyRow{
		FlowID: entry.FlowID, InstanceID: entry.InstanceID,
		Kind: string(entry.Kind), At: at,
		Stage: string(entry.Stage), Event: string(entry.Event),
		FromStatus: string(entry.FromStatus), ToStatus: string(entry.ToStatus),
		FromStage: string(entry.FromStage), ToStage: string(entry.ToStage),
		ErrorType: entry.ErrorType, ErrorMessage: entry.ErrorMessage, ErrorStackTrace: entry.ErrorStackTrace,
	}
	return h.db.WithContext(ctx).Create(&row).Error
}

func (h *HistoryStore) Timeline(ctx context.Context, flowID, instanceID string) ([]store.HistoryEntry, error) {
	var rows []historyRow
	err := h.db.WithContext(ctx).
		Where("flow_id = ? AND instance_id = ?", flowID, instanceID).
		Order("at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.HistoryEntry{
			FlowID: row.FlowID, InstanceID: row.InstanceID,
			Kind: store.HistoryKind(row.Kind), At: row.At,
			Stage: flow.StageID(row.Stage), Event: flow.EventID(row.Event),
			FromStatus: store.StageStatus(row.FromStatus), ToStatus: store.StageStatus(row.ToStatus),
			FromStage: flow.StageID(row.FromStage), ToStage: flow.StageID(row.ToStage),
			ErrorType: row.ErrorType, ErrorMessage: row.ErrorMessage, ErrorStackTrace: row.ErrorStackTrace,
		})
	}
	return out, nil
}
