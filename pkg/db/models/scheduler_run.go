package models

import "time"

// SchedulerRun persists the last start of a throttled background task.
type SchedulerRun struct {
	Name      string    `gorm:"column:name;primaryKey"`
	LastRunAt time.Time `gorm:"column:last_run_at;not null"`
}

func (SchedulerRun) TableName() string { return "scheduler_runs" }
