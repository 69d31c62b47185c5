package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/dbtest"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = Actor{UserID: "admin-1", Username: "root", Role: enums.UserRoleAdmin}
	buyer = Actor{UserID: "u1", Username: "alice", Role: enums.UserRoleBuyer}
)

type fakeOracle struct {
	result epay.StatusResult
	err    error
	asked  []string
}

func (f *fakeOracle) QueryStatus(_ context.Context, paymentID string) (epay.StatusResult, error) {
	f.asked = append(f.asked, paymentID)
	return f.result, f.err
}

type fixture struct {
	db     *gorm.DB
	client *db.Client
	svc    Service
	oracle *fakeOracle
	engine *inventory.Engine
	outbox *outbox.Service
	ledger *points.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	now := func() time.Time { return t0 }

	engine, err := inventory.NewEngine(inventory.NewRepository(conn), inventory.ArbiterFunc(func(context.Context, inventory.Holder) (inventory.Verdict, error) {
		return inventory.VerdictUnknown, nil
	}), inventory.Options{Now: now})
	require.NoError(t, err)

	ob := outbox.NewService(outbox.NewRepository(conn), nil)
	ledger := points.NewLedger(conn)
	oracle := &fakeOracle{}
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(conn),
		Tx:        client,
		Outbox:    ob,
		Inventory: engine,
		Points:    ledger,
		Oracle:    oracle,
		Now:       now,
	})
	require.NoError(t, err)

	dbtest.SeedProduct(t, conn, "p1", "10.00", nil)
	dbtest.SeedUser(t, conn, "u1", 70)
	return &fixture{db: conn, client: client, svc: svc, oracle: oracle, engine: engine, outbox: ob, ledger: ledger}
}

func strPtr(v string) *string { return &v }

func seedBuyerOrder(t *testing.T, conn *gorm.DB, id string, status enums.OrderStatus, pointsUsed int) models.Order {
	t.Helper()
	return dbtest.SeedOrder(t, conn, models.Order{
		OrderID:    id,
		ProductID:  "p1",
		Amount:     decimal.RequireFromString("10.00"),
		UserID:     strPtr("u1"),
		Status:     status,
		PointsUsed: pointsUsed,
		CreatedAt:  t0.Add(-time.Minute),
	})
}

func loadOrder(t *testing.T, conn *gorm.DB, id string) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, conn.Where("order_id = ?", id).Take(&o).Error)
	return o
}

func eventsFor(t *testing.T, conn *gorm.DB, orderID string) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, conn.Where("aggregate_id = ?", orderID).Order("created_at ASC").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.EventType)
	}
	return out
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Truef(t, pkgerrors.IsCode(err, code), "expected %s, got %v", code, err)
}

func TestCancelByOwnerRefundsPointsAndReleasesUnits(t *testing.T) {
	f := newFixture(t)
	cards := dbtest.SeedCards(t, f.db, "p1", 2)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusPending, 30)
	dbtest.HoldCard(t, f.db, cards[0].ID, "o1", t0.Add(-time.Minute))

	order, err := f.svc.Cancel(context.Background(), "o1", buyer)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, order.Status)

	assert.Equal(t, 100, dbtest.Points(t, f.db, "u1"))
	available, err := f.engine.Available(context.Background(), f.db, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, available)
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCancelled}, eventsFor(t, f.db, "o1"))
}

func TestCancelGuards(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusPending, 0)
	seedBuyerOrder(t, f.db, "o2", enums.OrderStatusPaid, 0)

	_, err := f.svc.Cancel(context.Background(), "o1", Actor{})
	requireCode(t, err, pkgerrors.CodeUnauthorized)

	_, err = f.svc.Cancel(context.Background(), "o1", Actor{UserID: "u2", Role: enums.UserRoleBuyer})
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = f.svc.Cancel(context.Background(), "o2", buyer)
	requireCode(t, err, pkgerrors.CodeStateConflict)

	_, err = f.svc.Cancel(context.Background(), "missing", admin)
	requireCode(t, err, pkgerrors.CodeNotFound)

	order, err := f.svc.Cancel(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, order.Status)
}

func TestDeleteRefundsUnspentPointsOnly(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "pending", enums.OrderStatusPending, 10)
	seedBuyerOrder(t, f.db, "paid", enums.OrderStatusPaid, 5)
	seedBuyerOrder(t, f.db, "delivered", enums.OrderStatusDelivered, 20)
	seedBuyerOrder(t, f.db, "cancelled", enums.OrderStatusCancelled, 40)
	require.NoError(t, f.db.Create(&models.RefundRequest{OrderID: "delivered", Status: enums.RefundRequestPending}).Error)

	require.NoError(t, f.svc.Delete(context.Background(), "pending", admin))
	assert.Equal(t, 80, dbtest.Points(t, f.db, "u1"))

	n, err := f.svc.DeleteMany(context.Background(), []string{"paid", " delivered ", "cancelled", "ghost", ""}, admin)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 85, dbtest.Points(t, f.db, "u1"))

	var remaining int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
	require.NoError(t, f.db.Model(&models.RefundRequest{}).Count(&remaining).Error)
	assert.Zero(t, remaining)

	requireCode(t, f.svc.Delete(context.Background(), "ghost", admin), pkgerrors.CodeNotFound)
	requireCode(t, f.svc.Delete(context.Background(), "ghost", buyer), pkgerrors.CodeForbidden)
}

// Points spent on an order always come back exactly once, whichever way the
// order leaves the ledger.
func TestPointsRoundTrip(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "a", enums.OrderStatusPending, 30)
	seedBuyerOrder(t, f.db, "b", enums.OrderStatusPending, 30)

	_, err := f.svc.Cancel(context.Background(), "a", buyer)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(context.Background(), "a", admin))
	assert.Equal(t, 100, dbtest.Points(t, f.db, "u1"))

	require.NoError(t, f.svc.Delete(context.Background(), "b", admin))
	assert.Equal(t, 130, dbtest.Points(t, f.db, "u1"))
}

func TestMarkPaidRevivesCancelledAndRedebits(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusCancelled, 50)

	order, err := f.svc.MarkPaid(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	assert.Equal(t, 20, dbtest.Points(t, f.db, "u1"))

	stored := loadOrder(t, f.db, "o1")
	require.NotNil(t, stored.PaidAt)
	assert.True(t, stored.PaidAt.Equal(t0))

	_, err = f.svc.MarkPaid(context.Background(), "o1", admin)
	requireCode(t, err, pkgerrors.CodeStateConflict)
}

func TestMarkPaidRevivalWithoutBalanceStillProceeds(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusCancelled, 500)

	order, err := f.svc.MarkPaid(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	assert.Equal(t, 70, dbtest.Points(t, f.db, "u1"))
}

func TestMarkDeliveredRequiresPayload(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "empty", enums.OrderStatusPaid, 0)
	withKey := seedBuyerOrder(t, f.db, "keyed", enums.OrderStatusPaid, 0)
	require.NoError(t, f.db.Model(&withKey).Update("card_key", "K-1").Error)

	_, err := f.svc.MarkDelivered(context.Background(), "empty", admin)
	requireCode(t, err, pkgerrors.CodeStateConflict)

	order, err := f.svc.MarkDelivered(context.Background(), "keyed", admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)
	assert.NotNil(t, order.DeliveredAt)
}

func TestRetryDeliveryClaimsRestockedUnits(t *testing.T) {
	f := newFixture(t)
	order := seedBuyerOrder(t, f.db, "o1", enums.OrderStatusPaid, 0)
	require.NoError(t, f.db.Model(&order).Update("quantity", 2).Error)
	dbtest.SeedCards(t, f.db, "p1", 1)

	_, err := f.svc.RetryDelivery(context.Background(), "o1", admin)
	requireCode(t, err, pkgerrors.CodeOutOfStock)
	available, _ := f.engine.Available(context.Background(), f.db, "p1")
	assert.EqualValues(t, 1, available, "a short claim must roll back")

	require.NoError(t, f.db.Create(&models.Card{ProductID: "p1", CardKey: "p1-KEY-restock"}).Error)

	delivered, err := f.svc.RetryDelivery(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, delivered.Status)
	assert.ElementsMatch(t, []string{"p1-KEY-001", "p1-KEY-restock"}, delivered.CardKeys())
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderDelivered}, eventsFor(t, f.db, "o1"))
}

func TestVerifyRefund(t *testing.T) {
	f := newFixture(t)
	order := seedBuyerOrder(t, f.db, "o1", enums.OrderStatusDelivered, 0)
	require.NoError(t, f.db.Model(&order).Update("current_payment_id", "o1_retry1").Error)
	require.NoError(t, f.db.Create(&models.RefundRequest{OrderID: "o1", Status: enums.RefundRequestApproved}).Error)
	require.NoError(t, f.db.Create(&models.RefundRequest{OrderID: "o1", Status: enums.RefundRequestRejected}).Error)

	f.oracle.result = epay.StatusResult{Success: true, Status: epay.StatusPaid}
	res, err := f.svc.VerifyRefund(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, []string{"o1_retry1"}, f.oracle.asked)

	f.oracle.err = errors.New("boom")
	_, err = f.svc.VerifyRefund(context.Background(), "o1", admin)
	requireCode(t, err, pkgerrors.CodeOracleUnavailable)

	f.oracle.err = nil
	f.oracle.result = epay.StatusResult{Success: true, Status: epay.StatusUnpaid}
	res, err = f.svc.VerifyRefund(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, enums.OrderStatusRefunded, loadOrder(t, f.db, "o1").Status)

	var statuses []enums.RefundRequestStatus
	require.NoError(t, f.db.Model(&models.RefundRequest{}).Order("id ASC").Pluck("status", &statuses).Error)
	assert.Equal(t, []enums.RefundRequestStatus{enums.RefundRequestProcessed, enums.RefundRequestRejected}, statuses)
}

func TestVerifyRefundLeavesPendingOrdersAlone(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusPending, 0)
	f.oracle.result = epay.StatusResult{Success: true, Status: epay.StatusUnpaid}

	res, err := f.svc.VerifyRefund(context.Background(), "o1", admin)
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, enums.OrderStatusPending, loadOrder(t, f.db, "o1").Status)
}

func TestGetForViewer(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "mine", enums.OrderStatusPending, 0)
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "guest", ProductID: "p1", Email: strPtr("g@example.com")})

	_, err := f.svc.GetForViewer(context.Background(), "mine", buyer)
	require.NoError(t, err)
	_, err = f.svc.GetForViewer(context.Background(), "mine", admin)
	require.NoError(t, err)
	_, err = f.svc.GetForViewer(context.Background(), "mine", Actor{})
	requireCode(t, err, pkgerrors.CodeUnauthorized)
	_, err = f.svc.GetForViewer(context.Background(), "mine", Actor{UserID: "u2"})
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = f.svc.GetForViewer(context.Background(), "guest", Actor{})
	require.NoError(t, err)
}

func TestUpdateEmail(t *testing.T) {
	f := newFixture(t)
	seedBuyerOrder(t, f.db, "o1", enums.OrderStatusPending, 0)

	order, err := f.svc.UpdateEmail(context.Background(), "o1", "  new@example.com ", admin)
	require.NoError(t, err)
	require.NotNil(t, order.Email)
	assert.Equal(t, "new@example.com", *order.Email)

	order, err = f.svc.UpdateEmail(context.Background(), "o1", "", admin)
	require.NoError(t, err)
	assert.Nil(t, order.Email)

	_, err = f.svc.UpdateEmail(context.Background(), "ghost", "x@example.com", admin)
	requireCode(t, err, pkgerrors.CodeNotFound)
}
