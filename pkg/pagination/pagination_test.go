package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorSurvivesQueryStrings(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CST", 8*3600))
	encoded := EncodeCursor(Cursor{CreatedAt: at, ID: "0f3a9c"})
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "=")

	got, err := ParseCursor(" " + encoded + " ")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(at))
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.Equal(t, "0f3a9c", got.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	c, err := ParseCursor("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{
		"%%%",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"t":"2026-03-01T00:00:00Z"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"id":"o1"}`)),
	} {
		_, err := ParseCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(1000))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, 8, LimitWithBuffer(7))
}

func TestTrimEmitsCursorOnlyWhenMoreRowsExist(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := func(id string) Cursor { return Cursor{CreatedAt: at, ID: id} }

	page, next := Trim([]string{"c", "b", "a"}, 2, key)
	assert.Equal(t, []string{"c", "b"}, page)
	c, err := ParseCursor(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next = Trim([]string{"a"}, 2, key)
	assert.Equal(t, []string{"a"}, page)
	assert.Empty(t, next)
}
