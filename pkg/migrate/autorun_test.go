package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
)

func sqliteClient(t *testing.T) *db.Client {
	t.Helper()
	client, err := db.New(context.Background(), config.DBConfig{
		Driver: config.DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "boot.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestOnBootBuildsSQLiteSchema(t *testing.T) {
	client := sqliteClient(t)
	cfg := &config.Config{FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true}}

	require.NoError(t, OnBoot(context.Background(), cfg, nil, client))

	migrator := client.DB().Migrator()
	for _, model := range models.All() {
		assert.True(t, migrator.HasTable(model), "%T table missing", model)
	}
	assert.True(t, migrator.HasColumn(&models.Card{}, "reserved_at"))
}

func TestOnBootSkipsWhenDisabled(t *testing.T) {
	client := sqliteClient(t)
	cfg := &config.Config{}

	require.NoError(t, OnBoot(context.Background(), cfg, nil, client))
	assert.False(t, client.DB().Migrator().HasTable(&models.Order{}))
}
