// Package dbtest opens isolated sqlite databases carrying the shop schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// Open returns a fresh in-memory database migrated with every model.
// A single pooled connection serialises writers the way row locks do in postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// Client wraps Open in the shared db client.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.Wrap(Open(t))
}

// SeedProduct inserts an active product with the given price.
func SeedProduct(t testing.TB, conn *gorm.DB, id, price string, limit *int) models.Product {
	t.Helper()
	p := models.Product{
		ID:            id,
		Name:          "Product " + id,
		Price:         decimal.RequireFromString(price),
		PurchaseLimit: limit,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := conn.Create(&p).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return p
}

// SeedCards inserts n free cards for productID and returns them in id order.
func SeedCards(t testing.TB, conn *gorm.DB, productID string, n int) []models.Card {
	t.Helper()
	cards := make([]models.Card, 0, n)
	for i := 0; i < n; i++ {
		cards = append(cards, models.Card{
			ProductID: productID,
			CardKey:   fmt.Sprintf("%s-KEY-%03d", productID, i+1),
			CreatedAt: time.Now().UTC(),
		})
	}
	if n > 0 {
		if err := conn.Create(&cards).Error; err != nil {
			t.Fatalf("seed cards: %v", err)
		}
	}
	return cards
}

// SeedUser inserts a login user with a point balance.
func SeedUser(t testing.TB, conn *gorm.DB, userID string, points int) models.LoginUser {
	t.Helper()
	name := "user" + userID
	u := models.LoginUser{UserID: userID, Username: &name, Points: points}
	if err := conn.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// SeedOrder inserts order after filling the columns tests rarely care about.
func SeedOrder(t testing.TB, conn *gorm.DB, order models.Order) models.Order {
	t.Helper()
	if order.Kind == "" {
		order.Kind = enums.OrderKindCard
	}
	if order.ProductName == "" {
		order.ProductName = "Product " + order.ProductID
	}
	if order.Quantity == 0 {
		order.Quantity = 1
	}
	if order.Status == "" {
		order.Status = enums.OrderStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if order.CurrentPaymentID == nil && order.Status == enums.OrderStatusPending {
		id := order.OrderID
		order.CurrentPaymentID = &id
	}
	if err := conn.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// HoldCard stamps cardID as reserved by orderID at the given time.
func HoldCard(t testing.TB, conn *gorm.DB, cardID uint64, orderID string, at time.Time) {
	t.Helper()
	err := conn.Model(&models.Card{}).Where("id = ?", cardID).Updates(map[string]any{
		"reserved_order_id": orderID,
		"reserved_at":       at,
	}).Error
	if err != nil {
		t.Fatalf("hold card: %v", err)
	}
}

// Points reads a user's balance.
func Points(t testing.TB, conn *gorm.DB, userID string) int {
	t.Helper()
	var u models.LoginUser
	if err := conn.Where("user_id = ?", userID).Take(&u).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	return u.Points
}
