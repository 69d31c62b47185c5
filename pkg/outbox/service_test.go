package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/dbtest"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestOutbox(t *testing.T) (*gorm.DB, *Repository, *Service, *clock) {
	t.Helper()
	conn := dbtest.Open(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewRepository(conn)
	repo.now = clk.now
	return conn, repo, NewService(repo, nil), clk
}

func emit(t *testing.T, conn *gorm.DB, svc *Service, event DomainEvent) {
	t.Helper()
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, event)
	}))
}

func TestEmitStoresEnvelope(t *testing.T) {
	conn, repo, svc, clk := newTestOutbox(t)
	order := models.Order{
		OrderID:   "abc",
		ProductID: "p1",
		Amount:    decimal.RequireFromString("12.5"),
		Quantity:  2,
		Status:    enums.OrderStatusPaid,
	}
	emit(t, conn, svc, NewOrderEvent(enums.EventOrderPaid, order, &ActorRef{UserID: "u1"}))

	rows, err := repo.FetchDue(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	env, err := DecodeEnvelope(rows[0])
	require.NoError(t, err)
	assert.Equal(t, currentVersion, env.Version)
	assert.True(t, env.OccurredAt.Equal(clk.t))
	assert.Equal(t, "u1", env.Actor.UserID)
	assert.JSONEq(t, `{"orderId":"abc","productId":"p1","status":"paid","amount":"12.50","quantity":2}`, string(env.Data))

	headers := Headers(rows[0], env)
	assert.Equal(t, env.EventID, headers["event_id"])
	assert.Equal(t, "order_paid", headers["event_type"])
	assert.Equal(t, "abc", headers["aggregate_id"])
	assert.Equal(t, "1", headers["event_version"])
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	conn, repo, svc, _ := newTestOutbox(t)

	err := conn.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   "x",
		}))
		return errors.New("abort")
	})
	require.Error(t, err)

	rows, err := repo.FetchDue(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFailedRowsWaitThenPark(t *testing.T) {
	conn, repo, svc, clk := newTestOutbox(t)
	ctx := context.Background()
	emit(t, conn, svc, DomainEvent{EventType: enums.EventOrderCancelled, AggregateType: enums.AggregateOrder, AggregateID: "y"})

	rows, err := repo.FetchDue(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	id := rows[0].ID

	require.NoError(t, repo.MarkFailed(ctx, id, errors.New("broker down"), clk.t.Add(time.Minute)))
	rows, _ = repo.FetchDue(ctx, 10, 2)
	assert.Empty(t, rows, "row must wait for its retry time")

	clk.t = clk.t.Add(time.Minute)
	rows, _ = repo.FetchDue(ctx, 10, 2)
	require.Len(t, rows, 1)
	assert.Equal(t, "broker down", *rows[0].LastError)

	require.NoError(t, repo.MarkFailed(ctx, id, nil, clk.t))
	rows, _ = repo.FetchDue(ctx, 10, 2)
	assert.Empty(t, rows, "exhausted row is parked")

	backlog, err := repo.Backlog(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Pending: 0, Dead: 1}, backlog)
}

func TestMarkPublishedAndPrune(t *testing.T) {
	conn, repo, svc, clk := newTestOutbox(t)
	ctx := context.Background()
	emit(t, conn, svc, DomainEvent{EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: "z"})

	rows, _ := repo.FetchDue(ctx, 10, 0)
	require.Len(t, rows, 1)
	require.NoError(t, repo.MarkPublished(ctx, rows[0].ID))

	rows, _ = repo.FetchDue(ctx, 10, 0)
	assert.Empty(t, rows)

	deleted, err := repo.DeletePublishedBefore(ctx, clk.t)
	require.NoError(t, err)
	assert.Zero(t, deleted, "cutoff is exclusive")

	deleted, err = repo.DeletePublishedBefore(ctx, clk.t.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestEmitRejectsUnknownType(t *testing.T) {
	conn, _, svc, _ := newTestOutbox(t)
	err := svc.Emit(context.Background(), conn, DomainEvent{EventType: "nope", AggregateType: enums.AggregateOrder})
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope(models.OutboxEvent{Payload: []byte(`not-json`)})
	assert.Error(t, err)
	_, err = DecodeEnvelope(models.OutboxEvent{Payload: []byte(`{"version":1}`)})
	assert.Error(t, err)
}
