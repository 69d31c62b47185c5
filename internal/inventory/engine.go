package inventory

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/retry"
)

var (
	errOutOfStock  = pkgerrors.New(pkgerrors.CodeOutOfStock, "not enough stock for this product")
	errStockLocked = pkgerrors.New(pkgerrors.CodeStockLocked, "stock is held by other buyers, try again shortly")
)

// Options configures an Engine. Zero values fall back to production defaults.
type Options struct {
	ReservationTTL   time.Duration
	FulfillmentGrace time.Duration
	Policy           retry.Policy
	// ArbiterTimeout bounds one arbiter call, retries included. The candidate
	// unit stays row-locked for that long; a timeout counts as unknown.
	ArbiterTimeout time.Duration
	Now            func() time.Time
	Logger         *logger.Logger
	Metrics        *metrics.CheckoutMetrics
}

const defaultArbiterTimeout = 3 * time.Second

// Engine reserves, claims and releases card units.
type Engine struct {
	repo           *Repository
	arbiter        ReservationArbiter
	ttl            time.Duration
	grace          time.Duration
	policy         retry.Policy
	verdictTimeout time.Duration
	now            func() time.Time
	logg           *logger.Logger
	metrics        *metrics.CheckoutMetrics
}

func NewEngine(repo *Repository, arbiter ReservationArbiter, opts Options) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if arbiter == nil {
		return nil, fmt.Errorf("reservation arbiter required")
	}
	e := &Engine{
		repo:           repo,
		arbiter:        arbiter,
		ttl:            opts.ReservationTTL,
		grace:          opts.FulfillmentGrace,
		policy:         opts.Policy,
		verdictTimeout: opts.ArbiterTimeout,
		now:            opts.Now,
		logg:           opts.Logger,
		metrics:        opts.Metrics,
	}
	if e.ttl <= 0 {
		e.ttl = 5 * time.Minute
	}
	if e.grace <= 0 {
		e.grace = time.Minute
	}
	if e.policy.MaxAttempts <= 0 {
		e.policy = retry.Policy{MaxAttempts: 3}
	}
	if e.verdictTimeout <= 0 {
		e.verdictTimeout = defaultArbiterTimeout
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Reservation is the result of Reserve. PaidHolders lists stale holders the
// arbiter reported as paid; their units were handed over inside the same
// transaction, so a caller that rolls back must replay them with SettleHolders.
type Reservation struct {
	Units       []models.Card
	PaidHolders []string
}

// Reserve stamps quantity units for orderID inside tx. Either every unit is
// reserved or an error is returned and the caller rolls the transaction back.
func (e *Engine) Reserve(ctx context.Context, tx *gorm.DB, productID string, quantity int, orderID string) (Reservation, error) {
	var res Reservation
	if quantity <= 0 {
		return res, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	now := e.now()
	staleBefore := now.Add(-e.ttl)

	available, err := e.repo.CountAvailable(tx, productID, staleBefore)
	if err != nil {
		return res, pkgdb.StoreError(err, "count available stock")
	}
	if available < int64(quantity) {
		e.metrics.ObserveReservation(metrics.OutcomeOutOfStock, 0)
		return res, errOutOfStock
	}

	res.Units = make([]models.Card, 0, quantity)
	for i := 0; i < quantity; i++ {
		card, attempts, err := e.reserveOne(ctx, tx, productID, orderID, now, staleBefore, &res)
		if err != nil {
			e.metrics.ObserveReservation(outcomeFor(err), attempts)
			res.Units = nil
			return res, err
		}
		e.metrics.ObserveReservation(metrics.OutcomeReserved, attempts)
		res.Units = append(res.Units, *card)
	}
	return res, nil
}

func (e *Engine) reserveOne(ctx context.Context, tx *gorm.DB, productID, orderID string, now, staleBefore time.Time, res *Reservation) (*models.Card, int, error) {
	var (
		reserved *models.Card
		skip     []uint64
		attempts int
	)

	err := retry.Do(ctx, e.policy, func(ctx context.Context, attempt int) error {
		attempts = attempt

		free, err := e.repo.LockFree(tx, productID)
		if err != nil {
			return pkgdb.StoreError(err, "lock free card")
		}
		if free != nil {
			if err := e.repo.Reserve(tx, free.ID, orderID, now); err != nil {
				return retry.Retryable(errStockLocked)
			}
			reserved = stamp(free, orderID, now)
			return nil
		}

		stale, err := e.repo.LockStale(tx, productID, staleBefore, skip)
		if err != nil {
			return pkgdb.StoreError(err, "lock stale card")
		}
		if stale == nil {
			if len(skip) == 0 {
				return errOutOfStock
			}
			return errStockLocked
		}

		verdict, holder, err := e.judge(ctx, tx, *stale)
		if err != nil {
			return err
		}
		e.metrics.ObserveStale(verdict.String())

		switch verdict {
		case VerdictUnpaid:
			if err := e.repo.Reserve(tx, stale.ID, orderID, now); err != nil {
				return retry.Retryable(errStockLocked)
			}
			reserved = stamp(stale, orderID, now)
			return nil
		case VerdictPaid:
			if err := e.repo.SettleHolder(tx, *holder, []models.Card{*stale}, now); err != nil {
				return pkgdb.StoreError(err, "settle paid holder")
			}
			res.PaidHolders = append(res.PaidHolders, holder.OrderID)
			logCtx := e.logg.WithFields(ctx, map[string]any{"holder_order_id": holder.OrderID, "card_id": stale.ID})
			e.logg.Info(logCtx, "stale reservation belonged to a paid order; unit handed over")
			return retry.Retryable(errStockLocked)
		default:
			skip = append(skip, stale.ID)
			return retry.Retryable(errStockLocked)
		}
	})
	if err != nil {
		return nil, attempts, err
	}
	return reserved, attempts, nil
}

// judge asks the arbiter about the holder of a stale unit. Reservations whose
// holder is gone or already settled are orphans and can be taken without asking.
func (e *Engine) judge(ctx context.Context, tx *gorm.DB, card models.Card) (Verdict, *models.Order, error) {
	if card.ReservedOrderID == nil {
		return VerdictUnpaid, nil, nil
	}
	holder, err := e.repo.FindHolder(tx, *card.ReservedOrderID)
	if err != nil {
		return VerdictUnknown, nil, pkgdb.StoreError(err, "load reservation holder")
	}
	if holder == nil {
		return VerdictUnpaid, nil, nil
	}
	if holder.Status != enums.OrderStatusPending && holder.Status != enums.OrderStatusCancelled {
		return VerdictUnpaid, holder, nil
	}

	askCtx, cancel := context.WithTimeout(ctx, e.verdictTimeout)
	defer cancel()
	verdict, err := e.arbiter.Verdict(askCtx, Holder{OrderID: holder.OrderID, PaymentID: holder.PaymentID()})
	if err == nil && askCtx.Err() != nil {
		err = askCtx.Err()
	}
	if err != nil {
		logCtx := e.logg.WithField(ctx, "holder_order_id", holder.OrderID)
		e.logg.Warn(e.logg.WithField(logCtx, "error", err.Error()), "reservation arbiter failed; treating holder as unknown")
		return VerdictUnknown, holder, nil
	}
	return verdict, holder, nil
}

// SettleHolders replays lost-race settlements after the reserving transaction
// was rolled back. Each holder still pending or cancelled receives every unit it
// holds, in its own transaction. Holders already settled elsewhere are skipped.
func (e *Engine) SettleHolders(ctx context.Context, db *gorm.DB, holderIDs []string) error {
	for _, holderID := range holderIDs {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			holder, err := e.repo.FindHolder(tx, holderID)
			if err != nil || holder == nil {
				return err
			}
			if holder.Status != enums.OrderStatusPending && holder.Status != enums.OrderStatusCancelled {
				return nil
			}
			cards, err := e.repo.LockReservedBy(tx, holderID)
			if err != nil {
				return err
			}
			return e.repo.SettleHolder(tx, *holder, cards, e.now())
		})
		if err != nil {
			logCtx := e.logg.WithField(ctx, "holder_order_id", holderID)
			e.logg.Error(logCtx, "failed to settle paid reservation holder", err)
			return pkgdb.StoreError(err, "settle paid holder")
		}
	}
	return nil
}

// Claim consumes quantity units for orderID at fulfillment time: its own
// reservations first, then units that are free or reserved longer than the
// fulfillment grace. It is all or nothing: when fewer than quantity units can
// be locked, nothing is consumed and the locked units are returned so the
// caller can report the shortfall.
func (e *Engine) Claim(ctx context.Context, tx *gorm.DB, productID, orderID string, quantity int) ([]models.Card, error) {
	if quantity <= 0 {
		return nil, nil
	}
	now := e.now()

	own, err := e.repo.LockReservedBy(tx, orderID)
	if err != nil {
		return nil, pkgdb.StoreError(err, "lock own reservations")
	}
	if len(own) > quantity {
		own = own[:quantity]
	}

	claimed := append([]models.Card(nil), own...)
	if needed := quantity - len(own); needed > 0 {
		extra, err := e.repo.LockClaimable(tx, productID, now.Add(-e.grace), needed, cardIDs(own))
		if err != nil {
			return nil, pkgdb.StoreError(err, "lock claimable cards")
		}
		claimed = append(claimed, extra...)
	}

	if len(claimed) < quantity {
		logCtx := e.logg.WithFields(ctx, map[string]any{"order_id": orderID, "claimable": len(claimed), "quantity": quantity})
		e.logg.Warn(logCtx, "not enough units to fulfill order")
		return claimed, nil
	}

	if err := e.repo.MarkUsed(tx, cardIDs(claimed), now); err != nil {
		return nil, pkgdb.StoreError(err, "consume cards")
	}
	if _, err := e.repo.ReleaseForOrder(tx, orderID); err != nil {
		return nil, pkgdb.StoreError(err, "release surplus reservations")
	}
	return claimed, nil
}

// Consume marks reserved units used, as when points cover the whole price at creation.
func (e *Engine) Consume(ctx context.Context, tx *gorm.DB, cards []models.Card) error {
	if err := e.repo.MarkUsed(tx, cardIDs(cards), e.now()); err != nil {
		return pkgdb.StoreError(err, "consume cards")
	}
	return nil
}

// Release frees every unused unit held by orderID.
func (e *Engine) Release(ctx context.Context, tx *gorm.DB, orderID string) (int64, error) {
	n, err := e.repo.ReleaseForOrder(tx, orderID)
	if err != nil {
		return 0, pkgdb.StoreError(err, "release reservations")
	}
	return n, nil
}

// ReleaseOrphaned frees reservations older than the TTL whose holder is no longer pending.
func (e *Engine) ReleaseOrphaned(ctx context.Context, db *gorm.DB) (int64, error) {
	n, err := e.repo.ReleaseOrphaned(db.WithContext(ctx), e.now().Add(-e.ttl))
	if err != nil {
		return 0, pkgdb.StoreError(err, "release orphaned reservations")
	}
	return n, nil
}

// Available counts units a new checkout could reserve right now.
func (e *Engine) Available(ctx context.Context, db *gorm.DB, productID string) (int64, error) {
	return e.repo.CountAvailable(db.WithContext(ctx), productID, e.now().Add(-e.ttl))
}

func stamp(card *models.Card, orderID string, at time.Time) *models.Card {
	c := *card
	c.ReservedOrderID = &orderID
	c.ReservedAt = &at
	return &c
}

func cardIDs(cards []models.Card) []uint64 {
	ids := make([]uint64, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	return ids
}

func outcomeFor(err error) string {
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock):
		return metrics.OutcomeOutOfStock
	case pkgerrors.IsCode(err, pkgerrors.CodeStockLocked):
		return metrics.OutcomeStockLocked
	default:
		return metrics.OutcomeError
	}
}
