package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

// OnBoot brings the schema up to date before any request is served. Stores
// that predate the reservation and quantity columns are upgraded here, once,
// instead of at query time.
func OnBoot(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.FeatureFlags.AutoMigrate {
		logg.Warn(ctx, "boot migrations disabled; schema must be migrated out of band")
		return nil
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "service_kind": cfg.Service.Kind})

	// The goose files speak postgres; local sqlite stores get the model schema.
	if client.Driver() == config.DriverSQLite {
		logg.Info(ctx, "auto-migrating sqlite schema from models")
		if err := client.DB().WithContext(ctx).AutoMigrate(models.All()...); err != nil {
			return fmt.Errorf("auto-migrating sqlite: %w", err)
		}
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	migrator, err := NewEmbedded(sqlDB)
	if err != nil {
		return err
	}

	logg.Info(ctx, "running goose migrations on boot")
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	for _, step := range applied {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"version":     step.Version,
			"duration_ms": step.Duration.Milliseconds(),
		}), "migration applied")
	}

	logg.Info(logg.WithField(ctx, "applied", len(applied)), "goose migrations completed")
	return nil
}
