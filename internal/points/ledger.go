// Package points keeps the store-credit balance on login_users.
package points

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

var (
	errInsufficient    = pkgerrors.New(pkgerrors.CodeInsufficientPoints, "not enough points")
	errCheckedIn       = pkgerrors.New(pkgerrors.CodeConflict, "already checked in today")
	errCheckinDisabled = pkgerrors.New(pkgerrors.CodeForbidden, "check-in is disabled")
)

const checkinDayLayout = "2006-01-02"

type Ledger struct {
	db            *gorm.DB
	checkinReward int
	now           func() time.Time
}

// NewLedger returns a ledger with check-in disabled; see WithCheckin.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithCheckin enables the daily reward from cfg. now may be nil.
func (l *Ledger) WithCheckin(cfg config.PointsConfig, now func() time.Time) *Ledger {
	out := *l
	out.checkinReward = 0
	if cfg.CheckinEnabled && cfg.CheckinReward > 0 {
		out.checkinReward = cfg.CheckinReward
	}
	if now != nil {
		out.now = now
	}
	return &out
}

// Debit subtracts n only when the balance covers it. Zero or negative n is a no-op.
func (l *Ledger) Debit(tx *gorm.DB, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	res := tx.Model(&models.LoginUser{}).
		Where("user_id = ? AND points >= ?", userID, n).
		Update("points", gorm.Expr("points - ?", n))
	if res.Error != nil {
		return pkgdb.StoreError(res.Error, "debit points")
	}
	if res.RowsAffected == 0 {
		return errInsufficient
	}
	return nil
}

// Credit returns n points. A missing user is not an error; the order outlives the account.
func (l *Ledger) Credit(tx *gorm.DB, userID string, n int) error {
	if n <= 0 || userID == "" {
		return nil
	}
	res := tx.Model(&models.LoginUser{}).
		Where("user_id = ?", userID).
		Update("points", gorm.Expr("points + ?", n))
	if res.Error != nil {
		return pkgdb.StoreError(res.Error, "credit points")
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var user models.LoginUser
	err := l.db.WithContext(ctx).Select("points").Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, pkgdb.StoreError(err, "load points balance")
	}
	return user.Points, nil
}

// Checkin is a claimed daily reward and the balance after it.
type Checkin struct {
	Day     string `json:"day"`
	Reward  int    `json:"reward"`
	Balance int    `json:"balance"`
}

// CheckinStatus tells the buyer whether today's reward is still open.
type CheckinStatus struct {
	Enabled   bool   `json:"enabled"`
	CheckedIn bool   `json:"checkedIn"`
	Day       string `json:"day"`
	Reward    int    `json:"reward"`
}

// CheckIn credits the daily reward once per user and UTC day. The claim row
// and the credit commit together; a second claim the same day is a conflict.
func (l *Ledger) CheckIn(ctx context.Context, userID string) (Checkin, error) {
	if l.checkinReward <= 0 {
		return Checkin{}, errCheckinDisabled
	}
	out := Checkin{Day: l.today(), Reward: l.checkinReward}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := l.checkedIn(tx, userID, out.Day)
		if err != nil {
			return err
		}
		if claimed {
			return errCheckedIn
		}

		row := models.DailyCheckin{UserID: userID, Day: out.Day, Reward: out.Reward, CreatedAt: l.now()}
		if err := tx.Create(&row).Error; err != nil {
			if pkgdb.IsUniqueViolation(err, "") {
				return errCheckedIn
			}
			return pkgdb.StoreError(err, "record check-in")
		}

		res := tx.Model(&models.LoginUser{}).
			Where("user_id = ?", userID).
			Update("points", gorm.Expr("points + ?", out.Reward))
		if res.Error != nil {
			return pkgdb.StoreError(res.Error, "credit check-in reward")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}

		var user models.LoginUser
		if err := tx.Select("points").Where("user_id = ?", userID).Take(&user).Error; err != nil {
			return pkgdb.StoreError(err, "load points balance")
		}
		out.Balance = user.Points
		return nil
	})
	if err != nil {
		return Checkin{}, err
	}
	return out, nil
}

func (l *Ledger) CheckinStatus(ctx context.Context, userID string) (CheckinStatus, error) {
	status := CheckinStatus{Enabled: l.checkinReward > 0, Day: l.today(), Reward: l.checkinReward}
	if !status.Enabled {
		return status, nil
	}
	claimed, err := l.checkedIn(l.db.WithContext(ctx), userID, status.Day)
	if err != nil {
		return CheckinStatus{}, err
	}
	status.CheckedIn = claimed
	return status, nil
}

func (l *Ledger) checkedIn(db *gorm.DB, userID, day string) (bool, error) {
	var n int64
	err := db.Model(&models.DailyCheckin{}).Where("user_id = ? AND day = ?", userID, day).Count(&n).Error
	if err != nil {
		return false, pkgdb.StoreError(err, "load check-in")
	}
	return n > 0, nil
}

func (l *Ledger) today() string {
	return l.now().UTC().Format(checkinDayLayout)
}

// Quote is the price split between points and money.
type Quote struct {
	Total       decimal.Decimal
	PointsToUse int
	FinalAmount decimal.Decimal
}

// ZeroPrice reports whether points cover the whole order.
func (q Quote) ZeroPrice() bool {
	return !q.FinalAmount.IsPositive()
}

// NewQuote prices quantity units. One point covers one currency unit; the
// points applied never exceed the balance nor the rounded-up total.
func NewQuote(price decimal.Decimal, quantity, balance int, usePoints bool) Quote {
	total := price.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	q := Quote{Total: total, FinalAmount: total}
	if !usePoints || balance <= 0 {
		return q
	}
	ceiling := int(total.Ceil().IntPart())
	q.PointsToUse = balance
	if ceiling < q.PointsToUse {
		q.PointsToUse = ceiling
	}
	q.FinalAmount = decimal.Max(decimal.Zero, total.Sub(decimal.NewFromInt(int64(q.PointsToUse)))).Round(2)
	return q
}
