package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "beacon/pkg/domain-errors"
)

// TestParseSiteID_Invariants validates "site IDs must be valid, non-empty, non-nil UUIDs".
func TestParseSiteID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseSiteID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseSiteID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseSiteID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		raw := uuid.New()
		id, err := ParseSiteID(raw.String())
		require.NoError(t, err)
		assert.Equal(t, SiteID(raw), id)
	})
}

func TestParseNumericIDs(t *testing.T) {
	t.Run("rejects zero", func(t *testing.T) {
		_, err := ParseServiceID("0")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects overflow", func(t *testing.T) {
		_, err := ParseUserID("4294967296")
		require.Error(t, err)
	})

	t.Run("round trips through String", func(t *testing.T) {
		id, err := ParseEventID("42")
		require.NoError(t, err)
		assert.Equal(t, EventID(42), id)
		assert.Equal(t, "42", id.String())
	})
}

func TestSiteIDText(t *testing.T) {
	id := SiteID(uuid.New())
	b, err := id.MarshalText()
	require.NoError(t, err)

	var decoded SiteID
	require.NoError(t, decoded.UnmarshalText(b))
	assert.Equal(t, id, decoded)
}
