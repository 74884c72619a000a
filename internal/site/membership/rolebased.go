package membership

import (
	"slices"

	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// RoleBased is membership for sites with a role catalog. Per-user hashes
// cover the resolved role names, so renaming a role only moves the hashes of
// the users holding it.
type RoleBased struct {
	*base
}

var _ Membership = (*RoleBased)(nil)

func NewRoleBased(siteID id.SiteID, roster models.Roster, site Site, registry Registry, opts ...Option) *RoleBased {
	return &RoleBased{base: newBase(siteID, roster, site, registry, roleBasedPolicy{}, opts...)}
}

// OnRolesUpdated refetches the roster; the role catalog travels with it.
func (m *RoleBased) OnRolesUpdated() {
	m.refreshRoster()
}

type roleBasedPolicy struct{}

func (roleBasedPolicy) userHash(u models.MUser, roles map[id.RoleID]models.MRole) uint64 {
	names := make([]string, 0, len(u.Roles))
	for _, rid := range u.Roles {
		if r, ok := roles[rid]; ok {
			names = append(names, r.Name)
		}
	}
	slices.Sort(names)
	return digest.Of(struct {
		ID    uint32
		Name  string
		Roles []string
	}{uint32(u.ID), u.Name, names})
}

func (roleBasedPolicy) authority(u models.MUser) models.UserAuthority {
	return models.UserAuthority{UserID: u.ID, Roles: slices.Clone(u.Roles)}
}

func (roleBasedPolicy) rolesHash(roles map[id.RoleID]models.MRole) uint64 {
	ids := make([]id.RoleID, 0, len(roles))
	for rid := range roles {
		ids = append(ids, rid)
	}
	slices.Sort(ids)
	entries := make([]models.MRole, 0, len(ids))
	for _, rid := range ids {
		entries = append(entries, roles[rid])
	}
	return digest.Of(entries)
}

func (roleBasedPolicy) publishesRoles() bool { return true }
