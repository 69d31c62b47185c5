package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	product "github.com/angelmondragon/cardkey-backend/internal/products"
	"github.com/angelmondragon/cardkey-backend/internal/users"
	"github.com/angelmondragon/cardkey-backend/pkg/db/dbtest"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buyer = orders.Actor{UserID: "u1", Username: "alice", Email: "alice@example.com", Role: enums.UserRoleBuyer}
	guest = orders.Actor{}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type stubSigner struct {
	paymentID string
	orderID   string
	amount    decimal.Decimal
}

func (s *stubSigner) BuildPaymentRequest(paymentID, orderID, name string, amount decimal.Decimal) epay.PaymentRequest {
	s.paymentID, s.orderID, s.amount = paymentID, orderID, amount
	return epay.PaymentRequest{
		URL: "https://pay.test/submit.php",
		Params: map[string]string{
			"out_trade_no": paymentID,
			"name":         name,
			"money":        amount.StringFixed(2),
		},
	}
}

type recordingSweeper struct {
	filters []orders.SweepFilter
}

func (r *recordingSweeper) CancelExpired(_ context.Context, filter orders.SweepFilter) (orders.SweepResult, error) {
	r.filters = append(r.filters, filter)
	return orders.SweepResult{Ran: true}, nil
}

type fixture struct {
	db      *gorm.DB
	svc     Service
	clock   *clock
	signer  *stubSigner
	sweeper *recordingSweeper
	verdict inventory.Verdict
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	f := &fixture{db: conn, clock: &clock{now: t0}, signer: &stubSigner{}, sweeper: &recordingSweeper{}, verdict: inventory.VerdictUnknown}

	invRepo := inventory.NewRepository(conn)
	engine, err := inventory.NewEngine(invRepo, inventory.ArbiterFunc(func(context.Context, inventory.Holder) (inventory.Verdict, error) {
		return f.verdict, nil
	}), inventory.Options{ReservationTTL: 5 * time.Minute, Now: f.clock.Now})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		DB:        conn,
		Tx:        client,
		Orders:    orders.NewRepository(conn),
		Products:  product.NewService(product.NewRepository(conn), conn, engine, invRepo),
		Buyers:    users.NewRepository(conn),
		Inventory: engine,
		Points:    points.NewLedger(conn),
		Sweeper:   f.sweeper,
		Payments:  f.signer,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), nil),
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) order(t *testing.T, id string) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, f.db.First(&o, "order_id = ?", id).Error)
	return o
}

func (f *fixture) events(t *testing.T, orderID string) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.db.Where("aggregate_id = ?", orderID).Order("created_at").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.EventType)
	}
	return out
}

func TestCreateOrderReservesAndSignsPayment(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	dbtest.SeedCards(t, f.db, "p1", 3)

	res, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 2, Email: "guest@example.com", Buyer: guest})
	require.NoError(t, err)

	order := f.order(t, res.Order.OrderID)
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Equal(t, enums.OrderKindCard, order.Kind)
	assert.True(t, order.Amount.Equal(decimal.RequireFromString("20.00")))
	assert.Equal(t, 2, order.Quantity)
	assert.Equal(t, order.OrderID, order.PaymentID())
	assert.Nil(t, order.UserID)
	require.NotNil(t, order.Email)
	assert.Equal(t, "guest@example.com", *order.Email)

	var held int64
	require.NoError(t, f.db.Model(&models.Card{}).Where("reserved_order_id = ? AND is_used = ?", order.OrderID, false).Count(&held).Error)
	assert.EqualValues(t, 2, held)

	require.NotNil(t, res.Payment)
	assert.Equal(t, order.OrderID, res.Payment.Params["out_trade_no"])
	assert.Equal(t, "20.00", res.Payment.Params["money"])
	assert.Equal(t, []orders.SweepFilter{{ProductID: "p1"}}, f.sweeper.filters)
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated}, f.events(t, order.OrderID))
}

func TestCreateOrderPointsCoverWholePrice(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	cards := dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedUser(t, f.db, "u1", 15)

	res, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, UsePoints: true, Buyer: buyer})
	require.NoError(t, err)
	assert.Nil(t, res.Payment)

	order := f.order(t, res.Order.OrderID)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)
	assert.True(t, order.Amount.IsZero())
	assert.Equal(t, 10, order.PointsUsed)
	require.NotNil(t, order.TradeNo)
	assert.Equal(t, PointsRedemptionTradeNo, *order.TradeNo)
	assert.Equal(t, []string{cards[0].CardKey}, order.CardKeys())
	assert.NotNil(t, order.PaidAt)
	assert.NotNil(t, order.DeliveredAt)
	assert.Equal(t, 5, dbtest.Points(t, f.db, "u1"))

	var card models.Card
	require.NoError(t, f.db.First(&card, cards[0].ID).Error)
	assert.True(t, card.IsUsed)
	assert.Nil(t, card.ReservedOrderID)
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderDelivered}, f.events(t, order.OrderID))
}

func TestCreateOrderPartialPoints(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedUser(t, f.db, "u1", 4)

	res, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, UsePoints: true, Buyer: buyer})
	require.NoError(t, err)

	order := f.order(t, res.Order.OrderID)
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.True(t, order.Amount.Equal(decimal.RequireFromString("6.00")))
	assert.Equal(t, 4, order.PointsUsed)
	assert.Equal(t, 0, dbtest.Points(t, f.db, "u1"))
	require.NotNil(t, order.Email)
	assert.Equal(t, buyer.Email, *order.Email)
}

func TestCreateOrderWithoutPointsKeepsBalance(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedUser(t, f.db, "u1", 50)

	res, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, Buyer: buyer})
	require.NoError(t, err)
	assert.Zero(t, res.Order.PointsUsed)
	assert.Equal(t, 50, dbtest.Points(t, f.db, "u1"))
}

func TestCreateOrderOutOfStockWritesNothing(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedUser(t, f.db, "u1", 4)

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 2, UsePoints: true, Buyer: buyer})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock), "got %v", err)

	var count int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 4, dbtest.Points(t, f.db, "u1"))
}

func TestCreateOrderPurchaseLimit(t *testing.T) {
	f := newFixture(t)
	limit := 2
	dbtest.SeedProduct(t, f.db, "p1", "10.00", &limit)
	dbtest.SeedCards(t, f.db, "p1", 5)
	userID := "u1"
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "earlier", ProductID: "p1", UserID: &userID, Quantity: 1, Status: enums.OrderStatusDelivered})

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 2, Buyer: buyer})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLimitExceeded), "got %v", err)

	_, err = f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, Buyer: buyer})
	require.NoError(t, err)
}

func TestCreateOrderPurchaseLimitMatchesEmail(t *testing.T) {
	f := newFixture(t)
	limit := 1
	dbtest.SeedProduct(t, f.db, "p1", "10.00", &limit)
	dbtest.SeedCards(t, f.db, "p1", 2)
	email := "guest@example.com"
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "earlier", ProductID: "p1", Email: &email, Status: enums.OrderStatusPaid})

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, Email: email, Buyer: guest})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLimitExceeded), "got %v", err)
}

func TestCreateOrderRejectsBlockedBuyer(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedUser(t, f.db, "u1", 0)
	require.NoError(t, f.db.Model(&models.LoginUser{}).Where("user_id = ?", "u1").Update("is_blocked", true).Error)

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, Buyer: buyer})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden), "got %v", err)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "", Quantity: 1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 0})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.svc.CreateOrder(context.Background(), Input{ProductID: "missing", Quantity: 1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestCreateOrderReplaysPaidHolderAfterRollback(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, "p1", "10.00", nil)
	cards := dbtest.SeedCards(t, f.db, "p1", 1)
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "old", ProductID: "p1", Amount: decimal.RequireFromString("10.00"), CreatedAt: t0})
	dbtest.HoldCard(t, f.db, cards[0].ID, "old", t0)

	f.clock.now = t0.Add(6 * time.Minute)
	f.verdict = inventory.VerdictPaid

	_, err := f.svc.CreateOrder(context.Background(), Input{ProductID: "p1", Quantity: 1, Email: "late@example.com", Buyer: guest})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock), "got %v", err)

	old := f.order(t, "old")
	assert.Equal(t, enums.OrderStatusPaid, old.Status)
	assert.Equal(t, []string{cards[0].CardKey}, old.CardKeys())

	var card models.Card
	require.NoError(t, f.db.First(&card, cards[0].ID).Error)
	assert.True(t, card.IsUsed)
}

func TestCreatePaymentLink(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedUser(t, f.db, "u1", 0)

	res, err := f.svc.CreatePaymentLink(context.Background(), PaymentLinkInput{Amount: decimal.RequireFromString("12.50"), Payee: "shopkeeper", Buyer: buyer})
	require.NoError(t, err)

	order := f.order(t, res.Order.OrderID)
	assert.Equal(t, enums.OrderKindPaymentLink, order.Kind)
	assert.True(t, order.IsPaymentLink())
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Equal(t, "Payment to shopkeeper", order.ProductName)
	require.NotNil(t, order.Payee)
	assert.Equal(t, "shopkeeper", *order.Payee)
	require.NotNil(t, res.Payment)
	assert.Equal(t, "12.50", res.Payment.Params["money"])

	_, err = f.svc.CreatePaymentLink(context.Background(), PaymentLinkInput{Amount: decimal.Zero, Buyer: guest})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.svc.CreatePaymentLink(context.Background(), PaymentLinkInput{Amount: decimal.RequireFromString("1.005"), Buyer: guest})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRetryPaymentIssuesNewAttempt(t *testing.T) {
	f := newFixture(t)
	userID := "u1"
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "o1", ProductID: "p1", UserID: &userID, Amount: decimal.RequireFromString("10.00")})
	f.clock.now = t0.Add(time.Minute)

	res, err := f.svc.RetryPayment(context.Background(), "o1", buyer)
	require.NoError(t, err)

	want := orders.RetryPaymentID("o1", t0.Add(time.Minute))
	assert.Equal(t, want, f.order(t, "o1").PaymentID())
	assert.Equal(t, want, res.Payment.Params["out_trade_no"])
	assert.Equal(t, "o1", f.signer.orderID)
	assert.True(t, f.signer.amount.Equal(decimal.RequireFromString("10.00")))
}

func TestRetryPaymentGuards(t *testing.T) {
	f := newFixture(t)
	owner, other := "u1", "u2"
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "mine", ProductID: "p1", UserID: &owner})
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "theirs", ProductID: "p1", UserID: &other})
	dbtest.SeedOrder(t, f.db, models.Order{OrderID: "settled", ProductID: "p1", UserID: &owner, Status: enums.OrderStatusPaid})

	_, err := f.svc.RetryPayment(context.Background(), "mine", guest)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "got %v", err)
	_, err = f.svc.RetryPayment(context.Background(), "theirs", buyer)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)
	_, err = f.svc.RetryPayment(context.Background(), "settled", buyer)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
	_, err = f.svc.RetryPayment(context.Background(), "missing", buyer)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	assert.Equal(t, "mine", f.order(t, "mine").PaymentID())
}
