package models

import "time"

// DailyCheckin is one claimed check-in reward. Day is the UTC calendar date
// (2006-01-02); one row per user and day.
type DailyCheckin struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;not null;uniqueIndex:daily_checkins_user_day_unique,priority:1"`
	Day       string    `gorm:"column:day;not null;uniqueIndex:daily_checkins_user_day_unique,priority:2"`
	Reward    int       `gorm:"column:reward;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (DailyCheckin) TableName() string { return "daily_checkins" }
