// Package models defines administrative change notifications. A notification
// names what changed on a site; the receiving process re-reads the registry
// to learn the new state.
package models

import (
	"fmt"
	"strings"

	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

type Kind string

const (
	KindUserUpdated           Kind = "user_updated"
	KindUserDeleted           Kind = "user_deleted"
	KindUsersUpdated          Kind = "users_updated"
	KindRolesUpdated          Kind = "roles_updated"
	KindGuestStatusChanged    Kind = "guest_status_changed"
	KindContactDisabled       Kind = "contact_disabled"
	KindContactDeleted        Kind = "contact_deleted"
	KindConsumerDisabled      Kind = "consumer_disabled"
	KindConsumerDeleted       Kind = "consumer_deleted"
	KindServiceCreated        Kind = "service_created"
	KindServiceDeleted        Kind = "service_deleted"
	KindHostnameChanged       Kind = "hostname_changed"
	KindServiceEnabledChanged Kind = "service_enabled_changed"
	KindPingPeriodChanged     Kind = "ping_period_changed"
	KindSiteEnabledChanged    Kind = "site_enabled_changed"
	KindSiteDeleted           Kind = "site_deleted"
	// KindResidencyChanged only invalidates cached residency eligibility.
	KindResidencyChanged Kind = "residency_changed"
)

type target uint8

const (
	targetSite target = iota
	targetUser
	targetClient
	targetService
)

var kinds = map[Kind]target{
	KindUserUpdated:           targetUser,
	KindUserDeleted:           targetUser,
	KindUsersUpdated:          targetSite,
	KindRolesUpdated:          targetSite,
	KindGuestStatusChanged:    targetSite,
	KindContactDisabled:       targetUser,
	KindContactDeleted:        targetUser,
	KindConsumerDisabled:      targetClient,
	KindConsumerDeleted:       targetClient,
	KindServiceCreated:        targetService,
	KindServiceDeleted:        targetService,
	KindHostnameChanged:       targetService,
	KindServiceEnabledChanged: targetService,
	KindPingPeriodChanged:     targetSite,
	KindSiteEnabledChanged:    targetSite,
	KindSiteDeleted:           targetSite,
	KindResidencyChanged:      targetSite,
}

// Notification is the unit published on the management topic.
type Notification struct {
	Kind      Kind         `json:"kind"`
	SiteID    id.SiteID    `json:"site_id"`
	UserID    id.UserID    `json:"user_id,omitempty"`
	ClientID  id.ClientID  `json:"client_id,omitempty"`
	ServiceID id.ServiceID `json:"service_id,omitempty"`
}

func (n *Notification) Normalize() {
	n.Kind = Kind(strings.ToLower(strings.TrimSpace(string(n.Kind))))
}

// Validate checks the kind is known and carries the id it refers to.
func (n Notification) Validate() error {
	t, ok := kinds[n.Kind]
	if !ok {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown notification kind %q", n.Kind))
	}
	if n.SiteID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "site_id is required")
	}
	switch {
	case t == targetUser && n.UserID.IsNil():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s requires user_id", n.Kind))
	case t == targetClient && n.ClientID.IsNil():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s requires client_id", n.Kind))
	case t == targetService && n.ServiceID.IsNil():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s requires service_id", n.Kind))
	}
	return nil
}

// AffectsResidency reports whether the change can alter residency eligibility.
func (n Notification) AffectsResidency() bool {
	switch n.Kind {
	case KindResidencyChanged, KindSiteEnabledChanged, KindSiteDeleted:
		return true
	}
	return false
}
