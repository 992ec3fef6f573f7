package checkpoint

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("checkpoint not found")

// Manager persists, per (job, step, optional parent, optional nested
// collection), the pagination cursor needed to resume extraction without
// re-fetching or skipping data. Recovery re-reads these rows; there is no
// separate resume code path.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(&Checkpoint{})
}

// Begin creates the primary checkpoint row for one job step. The watermark
// is seeded from the start time of the most recent completed sync of the
// same (tenant, integration, step); its presence is what makes the new run
// incremental.
func (m *Manager) Begin(ctx context.Context, jobID uint, tenantID, integrationID int, step string) (*Checkpoint, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{
		JobID:         jobID,
		TenantID:      tenantID,
		IntegrationID: integrationID,
		Step:          step,
		State:         StateNotStarted,
		StartedAt:     now,
		UpdatedAt:     now,
	}

	var previous Checkpoint
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND integration_id = ? AND step = ? AND parent_external_id = '' AND nested_type = '' AND state = ?",
			tenantID, integrationID, step, StateComplete).
		Order("started_at DESC").
		First(&previous).Error
	if err == nil {
		watermark := previous.StartedAt
		cp.Watermark = &watermark
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := m.db.WithContext(ctx).Create(cp).Error; err != nil {
		return nil, err
	}
	return cp, nil
}

// Get returns the primary checkpoint row of one job step.
func (m *Manager) Get(ctx context.Context, jobID uint, step string) (*Checkpoint, error) {
	var cp Checkpoint
	result := m.db.WithContext(ctx).
		Where("job_id = ? AND step = ? AND parent_external_id = '' AND nested_type = ''", jobID, step).
		First(&cp)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &cp, result.Error
}

// SaveCursor records the last successfully consumed primary page token.
// Callers invoke it after each page fetch and before enqueuing downstream
// work, so a crash mid-enqueue re-fetches instead of dropping data.
func (m *Manager) SaveCursor(ctx context.Context, jobID uint, step, cursor string) error {
	return m.db.WithContext(ctx).Model(&Checkpoint{}).
		Where("job_id = ? AND step = ? AND parent_external_id = '' AND nested_type = ''", jobID, step).
		Updates(map[string]interface{}{
			"state":      StateInProgress,
			"cursor":     cursor,
			"updated_at": time.Now().UTC(),
		}).Error
}

// SaveNestedCursor upserts the resume pointer of one nested collection
// branch. The row may not exist yet when the branch is first split off.
func (m *Manager) SaveNestedCursor(ctx context.Context, jobID uint, tenantID, integrationID int, step, parentExternalID, nestedType, cursor string) error {
	now := time.Now().UTC()
	cp := Checkpoint{
		JobID:            jobID,
		TenantID:         tenantID,
		IntegrationID:    integrationID,
		Step:             step,
		ParentExternalID: parentExternalID,
		NestedType:       nestedType,
		State:            StateInProgress,
		Cursor:           cursor,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job_id"}, {Name: "step"},
			{Name: "parent_external_id"}, {Name: "nested_type"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"state", "cursor", "updated_at"}),
	}).Create(&cp).Error
}

// Complete marks the primary resource of a step exhausted.
func (m *Manager) Complete(ctx context.Context, jobID uint, step string) error {
	return m.setState(ctx, jobID, step, "", "", StateComplete)
}

// CompleteNested marks one nested branch exhausted.
func (m *Manager) CompleteNested(ctx context.Context, jobID uint, step, parentExternalID, nestedType string) error {
	return m.setState(ctx, jobID, step, parentExternalID, nestedType, StateComplete)
}

// Fail marks a resource's recovery path dead. Other steps are unaffected.
func (m *Manager) Fail(ctx context.Context, jobID uint, step string) error {
	return m.setState(ctx, jobID, step, "", "", StateFailed)
}

func (m *Manager) setState(ctx context.Context, jobID uint, step, parentExternalID, nestedType, state string) error {
	return m.db.WithContext(ctx).Model(&Checkpoint{}).
		Where("job_id = ? AND step = ? AND parent_external_id = ? AND nested_type = ?",
			jobID, step, parentExternalID, nestedType).
		Updates(map[string]interface{}{
			"state":      state,
			"updated_at": time.Now().UTC(),
		}).Error
}

// InProgress lists every resumable row of one job, primaries before nested
// branches so recovery re-enters in a stable order.
func (m *Manager) InProgress(ctx context.Context, jobID uint) ([]Checkpoint, error) {
	var rows []Checkpoint
	err := m.db.WithContext(ctx).
		Where("job_id = ? AND state IN ?", jobID, []string{StateNotStarted, StateInProgress}).
		Order("parent_external_id, nested_type, step").
		Find(&rows).Error
	return rows, err
}
