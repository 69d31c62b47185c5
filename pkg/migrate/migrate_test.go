package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteMigrator(t *testing.T) *Migrator {
	t.Helper()
	sqlDB, err := sqliteClient(t).DB().DB()
	require.NoError(t, err)

	fsys := fstest.MapFS{
		"00001_cards.sql":  {Data: []byte("-- +goose Up\nCREATE TABLE cards (id INTEGER PRIMARY KEY);\n-- +goose Down\nDROP TABLE cards;\n")},
		"00002_orders.sql": {Data: []byte("-- +goose Up\nCREATE TABLE orders (id INTEGER PRIMARY KEY);\n-- +goose Down\nDROP TABLE orders;\n")},
	}
	m, err := New(sqlDB, goose.DialectSQLite3, fsys)
	require.NoError(t, err)
	return m
}

func TestMigratorUpThenStatus(t *testing.T) {
	ctx := context.Background()
	m := sqliteMigrator(t)

	applied, err := m.Up(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, int64(1), applied[0].Version)
	assert.Equal(t, "up", applied[0].Direction)

	rows, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.True(t, row.Applied, "version %d", row.Version)
	}

	again, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMigratorToMovesBothWays(t *testing.T) {
	ctx := context.Background()
	m := sqliteMigrator(t)

	_, err := m.To(ctx, 1)
	require.NoError(t, err)
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = m.To(ctx, 2)
	require.NoError(t, err)
	reverted, err := m.To(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	assert.Equal(t, int64(2), reverted[0].Version)

	unchanged, err := m.To(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, unchanged)
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil, goose.DialectPostgres, fstest.MapFS{})
	assert.Error(t, err)

	_, err = NewFromDir(nil, "")
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("20260101120000")
	require.NoError(t, err)
	assert.Equal(t, int64(20260101120000), v)

	for _, raw := range []string{"", "abc", "-4"} {
		_, err := ParseVersion(raw)
		assert.Error(t, err, raw)
	}
}
