package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/api/validators"
	product "github.com/angelmondragon/cardkey-backend/internal/products"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

type Catalog interface {
	List(ctx context.Context) ([]product.ProductDTO, error)
}

type StockLoader interface {
	AddStock(ctx context.Context, productID string, keys []string) (int, error)
}

// AddStockRequest accepts keys as a list, a newline separated blob, or both.
type AddStockRequest struct {
	Keys []string `json:"keys" validate:"max=5000,dive,max=512"`
	Blob string   `json:"blob" validate:"max=2000000"`
}

func (r AddStockRequest) allKeys() []string {
	keys := append([]string(nil), r.Keys...)
	return append(keys, validators.SplitLines(r.Blob)...)
}

func ListProducts(svc Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.List(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, items)
	}
}

// AdminAddStock loads card keys into a product's stock.
func AdminAddStock(svc StockLoader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.PathParam(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body AddStockRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		added, err := svc.AddStock(r.Context(), productID, body.allKeys())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithFields(r.Context(), map[string]any{
			"product_id": productID,
			"added":      added,
			"admin_id":   middleware.UserIDFromContext(r.Context()),
		})
		logg.Info(ctx, "stock added")
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]int{"added": added})
	}
}
