package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
)

const maxErrorLen = 1024

// Repository owns the outbox_events table. Writes that record a new event go
// through the caller's transaction; publisher bookkeeping uses the pool.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = r.now()
	}
	return tx.Create(&event).Error
}

// FetchDue returns unpublished rows whose retry time has come, oldest first.
// Rows that reached maxAttempts are left for an operator.
func (r *Repository) FetchDue(ctx context.Context, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	q := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Where("next_attempt_at <= ?", r.now())
	if maxAttempts > 0 {
		q = q.Where("attempt_count < ?", maxAttempts)
	}
	var rows []models.OutboxEvent
	err := q.Order("next_attempt_at ASC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", r.now()).Error
}

// MarkFailed counts the attempt, keeps the error text and parks the row
// until retryAt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":      msg,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": retryAt.UTC(),
		}).Error
}

// Backlog summarizes what the publisher still owes.
type Backlog struct {
	Pending int64
	Dead    int64
}

func (r *Repository) Backlog(ctx context.Context, maxAttempts int) (Backlog, error) {
	var b Backlog
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("published_at IS NULL")
	}
	if maxAttempts <= 0 {
		err := base().Count(&b.Pending).Error
		return b, err
	}
	if err := base().Where("attempt_count < ?", maxAttempts).Count(&b.Pending).Error; err != nil {
		return b, err
	}
	err := base().Where("attempt_count >= ?", maxAttempts).Count(&b.Dead).Error
	return b, err
}

// DeletePublishedBefore prunes delivered rows older than cutoff. Parked rows
// are kept whatever their age.
func (r *Repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", cutoff).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
