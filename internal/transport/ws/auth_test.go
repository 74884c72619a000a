package ws

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator("k1", "beacon")
	siteID := id.SiteID(uuid.New())
	now := time.Now()

	t.Run("round trip", func(t *testing.T) {
		tok, err := auth.Issue(Identity{SiteID: siteID, Role: RoleClient, UserID: 3, ClientID: 30}, now, time.Minute)
		require.NoError(t, err)
		ident, err := auth.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, Identity{SiteID: siteID, Role: RoleClient, UserID: 3, ClientID: 30}, ident)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := auth.Issue(Identity{SiteID: siteID, Role: RoleGuest}, now.Add(-2*time.Minute), time.Minute)
		require.NoError(t, err)
		_, err = auth.Verify(tok)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("other key", func(t *testing.T) {
		tok, err := NewAuthenticator("k2", "beacon").Issue(Identity{SiteID: siteID, Role: RoleGuest}, now, time.Minute)
		require.NoError(t, err)
		_, err = auth.Verify(tok)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("other audience", func(t *testing.T) {
		tok, err := NewAuthenticator("k1", "elsewhere").Issue(Identity{SiteID: siteID, Role: RoleGuest}, now, time.Minute)
		require.NoError(t, err)
		_, err = auth.Verify(tok)
		assert.Error(t, err)
	})

	t.Run("unsigned token", func(t *testing.T) {
		claims := HandshakeClaims{SiteID: siteID.String(), Role: RoleGuest, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			Audience:  []string{"beacon"},
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = auth.Verify(tok)
		assert.Error(t, err)
	})

	t.Run("service token needs a service id", func(t *testing.T) {
		_, err := auth.Issue(Identity{SiteID: siteID, Role: RoleService}, now, time.Minute)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := auth.Issue(Identity{SiteID: siteID, Role: "admin"}, now, time.Minute)
		assert.Error(t, err)
	})
}
