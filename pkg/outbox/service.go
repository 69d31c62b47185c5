package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

const currentVersion = 1

type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

// Emitter is the surface domain services depend on.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit writes the event inside tx, so it commits or rolls back with the
// order change it describes.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	row, envelope, err := newRow(event, s.repo.now())
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
		"event_id":     envelope.EventID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	}), "outbox event queued")
	return nil
}

func newRow(event DomainEvent, now time.Time) (models.OutboxEvent, PayloadEnvelope, error) {
	if !event.EventType.IsValid() || !event.AggregateType.IsValid() {
		return models.OutboxEvent{}, PayloadEnvelope{}, fmt.Errorf("invalid outbox event %q/%q", event.EventType, event.AggregateType)
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, PayloadEnvelope{}, fmt.Errorf("encode event data: %w", err)
	}
	envelope := PayloadEnvelope{
		Version:    event.Version,
		EventID:    uuid.NewString(),
		OccurredAt: event.OccurredAt,
		Actor:      event.Actor,
		Data:       data,
	}
	if envelope.Version == 0 {
		envelope.Version = currentVersion
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = now
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, PayloadEnvelope{}, fmt.Errorf("encode envelope: %w", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
		NextAttemptAt: now,
	}, envelope, nil
}

// DecodeEnvelope reads the envelope back out of a stored row.
func DecodeEnvelope(row models.OutboxEvent) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return env, errors.New("decode envelope: missing event id")
	}
	return env, nil
}

// Headers are the message headers consumers route and dedupe on. event_id is
// stable across redeliveries.
func Headers(row models.OutboxEvent, env PayloadEnvelope) map[string]string {
	return map[string]string{
		"event_id":       env.EventID,
		"event_type":     string(row.EventType),
		"event_version":  fmt.Sprint(env.Version),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID,
		"occurred_at":    env.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewOrderEvent builds the event for a state change on order.
func NewOrderEvent(eventType enums.OutboxEventType, order models.Order, actor *ActorRef) DomainEvent {
	body := OrderEvent{
		OrderID:    order.OrderID,
		ProductID:  order.ProductID,
		Status:     string(order.Status),
		Amount:     order.Amount.StringFixed(2),
		Quantity:   order.Units(),
		PointsUsed: order.PointsUsed,
	}
	if order.TradeNo != nil {
		body.TradeNo = *order.TradeNo
	}
	return DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.OrderID,
		Actor:         actor,
		Data:          body,
	}
}
