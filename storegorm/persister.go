package storegorm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// instanceRow is the GORM model backing Persister, one row per
// (flow_id, instance_id). State round-trips through JSON the same way
// the teacher's JobRun.Payload jsonb column does for its own opaque job
// payload.
type instanceRow struct {
	FlowID      string         `gorm:"column:flow_id;primaryKey"`
	InstanceID  string         `gorm:"column:instance_id;primaryKey"`
	Stage       string         `gorm:"column:stage;not null;index"`
	StageStatus string         `gorm:"column:stage_status;not null;index"`
	State       datatypes.JSON `gorm:"column:state;type:jsonb"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;index"`
}

func (instanceRow) TableName() string { return "flowlite_instance" }

// Persister is a Postgres-backed store.Persister and store.InstanceLister.
// Its CAS token (store.InstanceData.Version) is the row's updated_at
// timestamp rather than a dedicated counter column: TryTransitionStageStatus
// itself never touches Version, it CASes on (stage, stage_status) exactly
// as spec'd, the same way the teacher's UpdateFieldsUnlessStatus CASes on
// a status column rather than a row version.
type Persister struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPersister(db *gorm.DB, baseLog *logger.Logger) *Persister {
	return &Persister{db: db, log: baseLog.With("component", "storegorm.Persister")}
}

func (p *Persister) Load(ctx context.Context, flowID, instanceID string) (store.InstanceData, error) {
	var row instanceRow
	err := p.db.WithContext(ctx).
		Where("flow_id = ? AND instance_id = ?", flowID, instanceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.InstanceData{}, &store.ErrNotFound{FlowID: flowID, InstanceID: instanceID}
	}
	if err != nil {
		return store.InstanceData{}, err
	}
	return rowToData(row)
}

func (p *Persister) Save(ctx context.Context, data store.InstanceData) (store.InstanceData, error) {
	row, err := dataToRow(data)
	if err != nil {
		return store.InstanceData{}, err
	}
	row.UpdatedAt = time.Now()
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "flow_id"}, {Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stage", "stage_status", "state", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return store.InstanceData{}, err
	}
	return p.Load(ctx, data.FlowID, data.InstanceID)
}

func (p *Persister) TryTransitionStageStatus(ctx context.Context, flowID, instanceID string, expStage flow.StageID, expStatus, newStatus store.StageStatus) (bool, error) {
	res := p.db.WithContext(ctx).Model(&instanceRow{}).
		Where("flow_id = ? AND instance_id = ? AND stage = ? AND stage_status = ?", flowID, instanceID, string(expStage), string(expStatus)).
		Updates(map[string]interface{}{"stage_status": string(newStatus), "updated_at": time.Now()})
	if res.Error != nil {
		p.log.Error("try-transition failed", "flow_id", flowID, "instance_id", instanceID, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (p *Persister) ListInstances(ctx context.Context, flowID string, bucket store.Bucket) ([]store.InstanceData, error) {
	q := p.db.WithContext(ctx).Model(&instanceRow{})
	if flowID != "" {
		q = q.Where("flow_id = ?", flowID)
	}
	switch bucket {
	case store.BucketError:
		q = q.Where("stage_status = ?", string(store.StatusError))
	case store.BucketCompleted:
		q = q.Where("stage_status = ?", string(store.StatusCompleted))
	case store.BucketActive:
		q = q.Where("stage_status IN ?", []string{string(store.StatusPending), string(store.StatusRunning)})
	}
	var rows []instanceRow
	if err := q.Order("updated_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.InstanceData, 0, len(rows))
	for _, row := range rows {
		data, err := rowToData(row)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

var _ store.InstanceLister = (*Persister)(nil)

func dataToRow(data store.InstanceData) (instanceRow, error) {
	raw, err := json.Marshal(data.State)
	if err != nil {
		return instanceRow{}, err
	}
	return instanceRow{
		FlowID:      data.FlowID,
		InstanceID:  data.InstanceID,
		Stage:       string(data.Stage),
		StageStatus: string(data.StageStatus),
		State:       datatypes.JSON(raw),
	}, nil
}

func rowToData(row instanceRow) (store.InstanceData, error) {
	var state any
	if len(row.State) > 0 {
		if err := json.Unmarshal(row.State, &state); err != nil {
			return store.InstanceData{}, err
		}
	}
	return store.InstanceData{
		FlowID:      row.FlowID,
		InstanceID:  row.InstanceID,
		Stage:       flow.StageID(row.Stage),
		StageStatus: store.StageStatus(row.StageStatus),
		State:       state,
		Version:     row.UpdatedAt.UnixNano(),
	}, nil
}
