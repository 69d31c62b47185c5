package product

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

// StockCounter reports how many units a checkout could take right now.
type StockCounter interface {
	Available(ctx context.Context, db *gorm.DB, productID string) (int64, error)
}

// StockWriter adds inventory.
type StockWriter interface {
	Insert(ctx context.Context, cards []models.Card) error
}

// ProductDTO is the catalog entry returned to clients.
type ProductDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   *string         `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	PurchaseLimit *int            `json:"purchaseLimit,omitempty"`
	Stock         int64           `json:"stock"`
}

type Service struct {
	repo   *Repository
	db     *gorm.DB
	stock  StockCounter
	writer StockWriter
}

func NewService(repo *Repository, db *gorm.DB, stock StockCounter, writer StockWriter) *Service {
	return &Service{repo: repo, db: db, stock: stock, writer: writer}
}

// Get returns an active product or NOT_FOUND.
func (s *Service) Get(ctx context.Context, id string) (*models.Product, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if p == nil || !p.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return p, nil
}

// List returns the active catalog with live stock counts.
func (s *Service) List(ctx context.Context) ([]ProductDTO, error) {
	rows, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list products")
	}
	out := make([]ProductDTO, 0, len(rows))
	for _, p := range rows {
		n, err := s.stock.Available(ctx, s.db, p.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count stock")
		}
		out = append(out, ProductDTO{
			ID:            p.ID,
			Name:          p.Name,
			Description:   p.Description,
			Price:         p.Price,
			PurchaseLimit: p.PurchaseLimit,
			Stock:         n,
		})
	}
	return out, nil
}

// AddStock inserts one card per non-blank key. Returns the number added.
func (s *Service) AddStock(ctx context.Context, productID string, keys []string) (int, error) {
	p, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if p == nil {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	now := time.Now().UTC()
	cards := make([]models.Card, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		cards = append(cards, models.Card{ProductID: productID, CardKey: k, CreatedAt: now})
	}
	if len(cards) == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "no card keys provided")
	}
	if err := s.writer.Insert(ctx, cards); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert cards")
	}
	return len(cards), nil
}
