package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// OutboxEvent is an order lifecycle event written in the same transaction as
// the state change it describes. The publisher ships it to Kafka later.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;not null"`
	AggregateID   string                    `gorm:"column:aggregate_id;not null;index"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	// NextAttemptAt is pushed out after every failed publish.
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null;index"`
	PublishedAt   *time.Time `gorm:"column:published_at"`
	AttemptCount  int        `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string    `gorm:"column:last_error"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

func (e OutboxEvent) Published() bool { return e.PublishedAt != nil }

// Exhausted reports whether the row has used up its publish attempts and is
// parked for an operator.
func (e OutboxEvent) Exhausted(maxAttempts int) bool {
	return !e.Published() && maxAttempts > 0 && e.AttemptCount >= maxAttempts
}
