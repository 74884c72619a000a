package membership

import (
	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// Unrestricted is membership for sites without roles: every enabled
// registered user passes every role gate.
type Unrestricted struct {
	*base
}

var _ Membership = (*Unrestricted)(nil)

func NewUnrestricted(siteID id.SiteID, roster models.Roster, site Site, registry Registry, opts ...Option) *Unrestricted {
	roster.Roles = nil
	return &Unrestricted{base: newBase(siteID, roster, site, registry, unrestrictedPolicy{}, opts...)}
}

// OnRolesUpdated is a no-op: there is no role catalog to refresh.
func (m *Unrestricted) OnRolesUpdated() {}

type unrestrictedPolicy struct{}

func (unrestrictedPolicy) userHash(u models.MUser, _ map[id.RoleID]models.MRole) uint64 {
	return digest.Of(struct {
		ID   uint32
		Name string
	}{uint32(u.ID), u.Name})
}

func (unrestrictedPolicy) authority(u models.MUser) models.UserAuthority {
	return models.UserAuthority{UserID: u.ID, Unrestricted: true}
}

func (unrestrictedPolicy) rolesHash(map[id.RoleID]models.MRole) uint64 { return 0 }

func (unrestrictedPolicy) publishesRoles() bool { return false }

// New builds the variant matching the site's configuration.
func New(roleBased bool, siteID id.SiteID, roster models.Roster, site Site, registry Registry, opts ...Option) Membership {
	if roleBased {
		return NewRoleBased(siteID, roster, site, registry, opts...)
	}
	return NewUnrestricted(siteID, roster, site, registry, opts...)
}
