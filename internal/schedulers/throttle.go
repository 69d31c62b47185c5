// Package schedulers coordinates background work across replicas through the database.
package schedulers

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
)

// Throttle hands out at most one run per interval for each name. The last run
// time lives in scheduler_runs, so every replica and every restart sees it.
type Throttle struct {
	db  *gorm.DB
	now func() time.Time
}

func NewThrottle(db *gorm.DB, now func() time.Time) *Throttle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Throttle{db: db, now: now}
}

// Acquire reports whether the caller won the slot for name. The first caller
// ever inserts the row; later callers win only through a conditional update,
// so two replicas racing on the same stale timestamp cannot both succeed.
func (t *Throttle) Acquire(ctx context.Context, name string, interval time.Duration) (bool, error) {
	now := t.now()
	db := t.db.WithContext(ctx)

	seeded := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SchedulerRun{Name: name, LastRunAt: now})
	if seeded.Error != nil {
		return false, seeded.Error
	}
	if seeded.RowsAffected == 1 {
		return true, nil
	}

	claimed := db.Model(&models.SchedulerRun{}).
		Where("name = ? AND last_run_at <= ?", name, now.Add(-interval)).
		Update("last_run_at", now)
	if claimed.Error != nil {
		return false, claimed.Error
	}
	return claimed.RowsAffected == 1, nil
}
