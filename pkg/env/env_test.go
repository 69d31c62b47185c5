package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFallsBackOnBlank(t *testing.T) {
	t.Setenv("CARDKEY_TEST_FORMAT", "  ")
	assert.Equal(t, "json", Get("CARDKEY_TEST_FORMAT", "json"))

	t.Setenv("CARDKEY_TEST_FORMAT", " console ")
	assert.Equal(t, "console", Get("CARDKEY_TEST_FORMAT", "json"))
}

func TestFirstPrefersEarlierKeys(t *testing.T) {
	t.Setenv("CARDKEY_TEST_A", "")
	t.Setenv("CARDKEY_TEST_B", "web.1")
	t.Setenv("CARDKEY_TEST_C", "host")

	assert.Equal(t, "web.1", First("CARDKEY_TEST_A", "CARDKEY_TEST_B", "CARDKEY_TEST_C"))
	assert.Empty(t, First("CARDKEY_TEST_A"))
}
