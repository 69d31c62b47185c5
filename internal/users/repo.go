package users

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
)

// Repository exposes buyer lookups.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a users repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindByID returns nil when the buyer has no record yet.
func (r *Repository) FindByID(ctx context.Context, userID string) (*models.LoginUser, error) {
	var user models.LoginUser
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureBuyer creates the record on first sight so points can be credited later.
func (r *Repository) EnsureBuyer(ctx context.Context, userID string, username *string) (*models.LoginUser, error) {
	existing, err := r.FindByID(ctx, userID)
	if err != nil || existing != nil {
		return existing, err
	}
	user := models.LoginUser{UserID: userID, Username: username}
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		// Lost a race with a concurrent first checkout.
		if again, findErr := r.FindByID(ctx, userID); findErr == nil && again != nil {
			return again, nil
		}
		return nil, err
	}
	return &user, nil
}

// SetBlocked toggles whether the buyer may check out.
func (r *Repository) SetBlocked(ctx context.Context, userID string, blocked bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LoginUser{}).
		Where("user_id = ?", userID).
		Update("is_blocked", blocked)
	return res.RowsAffected == 1, res.Error
}
