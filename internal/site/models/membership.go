package models

import (
	"slices"

	id "beacon/pkg/domain"
)

// MUser is one roster entry. Confirmed=false marks a placeholder inserted while
// the user is being resolved against the registry.
type MUser struct {
	ID        id.UserID
	Name      string
	Roles     []id.RoleID
	Enabled   bool
	Confirmed bool
}

// MRole is one entry of a role-based site's role catalog.
type MRole struct {
	ID   id.RoleID
	Name string
}

// Roster is the tenant's user/role list as returned by the registry.
type Roster struct {
	Users            []MUser
	Roles            []MRole
	GuestAllowed     bool
	StatelessAllowed bool
}

// UserAuthority is a resolved identity: who the endpoint is and which roles it holds.
type UserAuthority struct {
	UserID    id.UserID
	Roles     []id.RoleID
	Guest     bool
	Stateless bool
	// Unrestricted is set by sites without a role catalog: every registered
	// user passes role gates.
	Unrestricted bool
}

// HasAnyRole reports whether the authority holds at least one of roles.
func (a UserAuthority) HasAnyRole(roles []id.RoleID) bool {
	if a.Unrestricted {
		return true
	}
	for _, r := range roles {
		if slices.Contains(a.Roles, r) {
			return true
		}
	}
	return false
}

// GuestAuthority is the authority of an anonymous client.
func GuestAuthority() UserAuthority {
	return UserAuthority{Guest: true}
}

// StatelessAuthority is the authority of an anonymous client without history.
func StatelessAuthority() UserAuthority {
	return UserAuthority{Guest: true, Stateless: true}
}

// Outcome is the result of an admission check. It is not an error: callers
// translate it into protocol behavior (online, parked, shutdown).
type Outcome uint8

const (
	Admit Outcome = iota + 1
	Deny
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case Deny:
		return "deny"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Decision carries the outcome plus the authority to install with on Admit,
// or the shutdown code on Deny.
type Decision struct {
	Outcome   Outcome
	Authority UserAuthority
	Code      ErrorCode
}

func Admitted(a UserAuthority) Decision { return Decision{Outcome: Admit, Authority: a} }
func Denied(code ErrorCode) Decision    { return Decision{Outcome: Deny, Code: code} }
func RetryLater() Decision              { return Decision{Outcome: Retry} }
