package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable card-key listing. Stock lives in cards.
type Product struct {
	ID            string          `gorm:"column:id;primaryKey"`
	Name          string          `gorm:"column:name;not null"`
	Description   *string         `gorm:"column:description"`
	Price         decimal.Decimal `gorm:"column:price;type:numeric(10,2);not null"`
	PurchaseLimit *int            `gorm:"column:purchase_limit"`
	IsActive      bool            `gorm:"column:is_active;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (Product) TableName() string { return "products" }
