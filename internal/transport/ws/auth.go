package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

// Role is the kind of endpoint a handshake token admits.
type Role string

const (
	RoleService   Role = "service"
	RoleClient    Role = "client"
	RoleGuest     Role = "guest"
	RoleStateless Role = "stateless"
)

// HandshakeClaims are the JWT claims presented when opening a channel.
type HandshakeClaims struct {
	SiteID    string `json:"site_id"`
	Role      Role   `json:"role"`
	ServiceID uint32 `json:"service_id,omitempty"`
	UserID    uint32 `json:"user_id,omitempty"`
	ClientID  uint32 `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what a verified token proves about an endpoint. It overrides
// any identity fields in the endpoint's hello.
type Identity struct {
	SiteID    id.SiteID
	Role      Role
	ServiceID id.ServiceID
	UserID    id.UserID
	ClientID  id.ClientID
}

func (i Identity) validate() error {
	if i.SiteID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "token has no site")
	}
	switch i.Role {
	case RoleService:
		if i.ServiceID.IsNil() {
			return dErrors.New(dErrors.CodeUnauthorized, "service token has no service_id")
		}
	case RoleClient:
		if i.UserID.IsNil() || i.ClientID.IsNil() {
			return dErrors.New(dErrors.CodeUnauthorized, "client token requires user_id and client_id")
		}
	case RoleGuest, RoleStateless:
	default:
		return dErrors.New(dErrors.CodeUnauthorized, fmt.Sprintf("unknown role %q", i.Role))
	}
	return nil
}

// Authenticator issues and verifies HS256 handshake tokens.
type Authenticator struct {
	signingKey []byte
	audience   string
}

func NewAuthenticator(signingKey, audience string) *Authenticator {
	return &Authenticator{signingKey: []byte(signingKey), audience: audience}
}

func (a *Authenticator) Issue(ident Identity, now time.Time, ttl time.Duration) (string, error) {
	if err := ident.validate(); err != nil {
		return "", err
	}
	claims := HandshakeClaims{
		SiteID:    ident.SiteID.String(),
		Role:      ident.Role,
		ServiceID: uint32(ident.ServiceID),
		UserID:    uint32(ident.UserID),
		ClientID:  uint32(ident.ClientID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  []string{a.audience},
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign handshake token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &HandshakeClaims{}, func(*jwt.Token) (any, error) {
		return a.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "handshake token expired")
		}
		return Identity{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid handshake token")
	}
	claims, ok := parsed.Claims.(*HandshakeClaims)
	if !ok {
		return Identity{}, dErrors.New(dErrors.CodeUnauthorized, "invalid handshake claims")
	}
	siteID, err := id.ParseSiteID(claims.SiteID)
	if err != nil {
		return Identity{}, dErrors.New(dErrors.CodeUnauthorized, "invalid site in token")
	}
	ident := Identity{
		SiteID:    siteID,
		Role:      claims.Role,
		ServiceID: id.ServiceID(claims.ServiceID),
		UserID:    id.UserID(claims.UserID),
		ClientID:  id.ClientID(claims.ClientID),
	}
	if err := ident.validate(); err != nil {
		return Identity{}, err
	}
	return ident, nil
}
