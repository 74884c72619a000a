// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"strconv"

	"github.com/google/uuid"

	dErrors "beacon/pkg/domain-errors"
)

// SiteID identifies a tenant. Sites are the only uuid-keyed entity; everything
// scoped inside a site uses compact numeric identifiers that travel on the wire.
type SiteID uuid.UUID

// Distinct numeric ID types - compiler prevents passing a UserID where a ServiceID is expected.
type (
	ServiceID  uint32
	ClientID   uint32
	UserID     uint32
	RoleID     uint32
	EventID    uint32
	InstanceID uint64
)

// ParseSiteID parses a site identifier at trust boundaries (handlers, handshake).
func ParseSiteID(s string) (SiteID, error) {
	if s == "" {
		return SiteID{}, dErrors.New(dErrors.CodeInvalidInput, "site ID cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return SiteID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid site ID format")
	}
	if id == uuid.Nil {
		return SiteID{}, dErrors.New(dErrors.CodeInvalidInput, "site ID cannot be nil")
	}
	return SiteID(id), nil
}

func ParseServiceID(s string) (ServiceID, error) {
	v, err := parseUint32(s, "service ID")
	return ServiceID(v), err
}

func ParseUserID(s string) (UserID, error) {
	v, err := parseUint32(s, "user ID")
	return UserID(v), err
}

func ParseClientID(s string) (ClientID, error) {
	v, err := parseUint32(s, "client ID")
	return ClientID(v), err
}

func ParseRoleID(s string) (RoleID, error) {
	v, err := parseUint32(s, "role ID")
	return RoleID(v), err
}

func ParseEventID(s string) (EventID, error) {
	v, err := parseUint32(s, "event ID")
	return EventID(v), err
}

// String methods - for logging and debugging.

func (id SiteID) String() string     { return uuid.UUID(id).String() }
func (id ServiceID) String() string  { return strconv.FormatUint(uint64(id), 10) }
func (id ClientID) String() string   { return strconv.FormatUint(uint64(id), 10) }
func (id UserID) String() string     { return strconv.FormatUint(uint64(id), 10) }
func (id RoleID) String() string     { return strconv.FormatUint(uint64(id), 10) }
func (id EventID) String() string    { return strconv.FormatUint(uint64(id), 10) }
func (id InstanceID) String() string { return strconv.FormatUint(uint64(id), 10) }

// IsNil checks - used for service-layer validation.

func (id SiteID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ServiceID) IsNil() bool { return id == 0 }
func (id ClientID) IsNil() bool  { return id == 0 }
func (id UserID) IsNil() bool    { return id == 0 }
func (id EventID) IsNil() bool   { return id == 0 }

// MarshalText lets site IDs travel as strings in JSON and CBOR payloads.
func (id SiteID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (id *SiteID) UnmarshalText(b []byte) error {
	parsed, err := ParseSiteID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// parseUint32 is the shared validation logic for numeric identifiers.
// Zero is rejected: it is reserved for "no identity" (guests, unaddressed events).
func parseUint32(s, label string) (uint32, error) {
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if v == 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be zero")
	}
	return uint32(v), nil
}
