package rawstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/flowlytics/platform/pkg/observability/metrics"
)

var ErrNotFound = errors.New("raw record not found")

// Repository is the staging area for verbatim extracted payloads. It
// performs no business logic beyond persistence.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

// Store persists one staged record and returns its id.
func (r *Repository) Store(ctx context.Context, rec *Record) (uint, error) {
	rec.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, err
	}
	metrics.RawRecordStaged()
	return rec.ID, nil
}

func (r *Repository) Fetch(ctx context.Context, id uint) (*Record, error) {
	var rec Record
	result := r.db.WithContext(ctx).First(&rec, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, result.Error
}

func (r *Repository) MarkProcessed(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", id).
		Update("processed", true).Error
}

// Transaction runs fn inside one database transaction, so callers can
// commit the processed flag together with bookkeeping in other tables.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
