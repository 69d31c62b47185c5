// Package refunds handles buyer refund requests and their admin review.
// Money is returned through the provider's console; VerifyRefund on the
// order ledger closes the loop once the provider reports the trade refunded.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

const maxReasonLen = 500

type Service interface {
	Request(ctx context.Context, orderID string, buyer orders.Actor, reason string) (*models.RefundRequest, error)
	Approve(ctx context.Context, id uint64, admin orders.Actor, note string) (*models.RefundRequest, error)
	Reject(ctx context.Context, id uint64, admin orders.Actor, note string) (*models.RefundRequest, error)
	ListForOrder(ctx context.Context, orderID string, viewer orders.Actor) ([]models.RefundRequest, error)
	ListPending(ctx context.Context, admin orders.Actor, limit int) ([]models.RefundRequest, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type service struct {
	repo   Repository
	orders orders.Repository
	tx     txRunner
	outbox outboxPublisher
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(repo Repository, orderRepo orders.Repository, tx txRunner, publisher outboxPublisher, logg *logger.Logger, now func() time.Time) (Service, error) {
	if repo == nil || orderRepo == nil {
		return nil, fmt.Errorf("refund and order repositories required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{repo: repo, orders: orderRepo, tx: tx, outbox: publisher, logg: logg, now: now}, nil
}

// Request files a refund request for one of the buyer's settled orders. An
// order carries at most one open request.
func (s *service) Request(ctx context.Context, orderID string, buyer orders.Actor, reason string) (*models.RefundRequest, error) {
	if buyer.IsGuest() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to request a refund")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason too long").WithDetails(map[string]any{"max": maxReasonLen})
	}
	ctx = s.logg.WithOrderID(ctx, orderID)

	var created models.RefundRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !order.OwnedBy(buyer.UserID)) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if !order.Status.IsSettled() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not refundable").
				WithDetails(map[string]any{"status": order.Status})
		}

		repo := s.repo.WithTx(tx)
		open, err := repo.HasOpen(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check open refund requests")
		}
		if open {
			return pkgerrors.New(pkgerrors.CodeConflict, "a refund request for this order is already open")
		}

		now := s.now()
		created = models.RefundRequest{
			OrderID:   orderID,
			UserID:    optional(buyer.UserID),
			Username:  optional(buyer.Username),
			Reason:    optional(reason),
			Status:    enums.RefundRequestPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.Create(ctx, &created); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund request")
		}
		return s.emit(ctx, tx, enums.EventRefundRequested, created, buyer)
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "refund_request_id", created.ID), "refund requested")
	return &created, nil
}

func (s *service) Approve(ctx context.Context, id uint64, admin orders.Actor, note string) (*models.RefundRequest, error) {
	return s.review(ctx, id, admin, note, enums.RefundRequestApproved)
}

func (s *service) Reject(ctx context.Context, id uint64, admin orders.Actor, note string) (*models.RefundRequest, error) {
	return s.review(ctx, id, admin, note, enums.RefundRequestRejected)
}

func (s *service) review(ctx context.Context, id uint64, admin orders.Actor, note string, next enums.RefundRequestStatus) (*models.RefundRequest, error) {
	if !admin.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	ctx = s.logg.WithField(ctx, "refund_request_id", id)

	var reviewed models.RefundRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		req, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load refund request")
		}
		if req == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "refund request not found")
		}
		if req.Status != enums.RefundRequestPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "refund request already reviewed").
				WithDetails(map[string]any{"status": req.Status})
		}

		req.Status = next
		req.AdminUsername = optional(admin.Username)
		req.AdminNote = optional(strings.TrimSpace(note))
		req.UpdatedAt = s.now()
		ok, err := repo.Review(ctx, id, map[string]any{
			"status":         req.Status,
			"admin_username": req.AdminUsername,
			"admin_note":     req.AdminNote,
			"updated_at":     req.UpdatedAt,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "review refund request")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "refund request changed concurrently")
		}
		reviewed = *req
		return s.emit(ctx, tx, enums.EventRefundRequestReviewed, reviewed, admin)
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "status", next), "refund request reviewed")
	return &reviewed, nil
}

// ListForOrder shows an order's requests to its owner or an admin.
func (s *service) ListForOrder(ctx context.Context, orderID string, viewer orders.Actor) ([]models.RefundRequest, error) {
	if !viewer.IsAdmin() {
		order, err := s.orders.FindByID(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !order.OwnedBy(viewer.UserID)) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
	}
	rows, err := s.repo.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refund requests")
	}
	return rows, nil
}

func (s *service) ListPending(ctx context.Context, admin orders.Actor, limit int) ([]models.RefundRequest, error) {
	if !admin.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	rows, err := s.repo.ListByStatus(ctx, enums.RefundRequestPending, pagination.NormalizeLimit(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refund requests")
	}
	return rows, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, req models.RefundRequest, actor orders.Actor) error {
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateRefundRequest,
		AggregateID:   req.OrderID,
		Actor:         actor.Ref(),
		Data: outbox.RefundRequestEvent{
			RequestID: req.ID,
			OrderID:   req.OrderID,
			Status:    string(req.Status),
			Reason:    deref(req.Reason),
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue refund event")
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
