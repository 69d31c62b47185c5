package models

import "time"

// Card is one single-use secret. A used card never carries a reservation.
type Card struct {
	ID              uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	ProductID       string     `gorm:"column:product_id;not null;index"`
	CardKey         string     `gorm:"column:card_key;not null"`
	IsUsed          bool       `gorm:"column:is_used;not null;default:false"`
	ReservedOrderID *string    `gorm:"column:reserved_order_id;index"`
	ReservedAt      *time.Time `gorm:"column:reserved_at"`
	UsedAt          *time.Time `gorm:"column:used_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Card) TableName() string { return "cards" }

// IsFree reports whether the card is neither consumed nor held.
func (c Card) IsFree() bool {
	return !c.IsUsed && c.ReservedAt == nil
}
