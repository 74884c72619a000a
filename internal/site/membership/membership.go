// Package membership mirrors a site's user and role list, authorizes
// connecting clients against it and keeps services in sync with it.
//
// All methods are called with the owning site's mutex held. Registry
// round-trips go through the site's refresh.Runner so fetches run unlocked and
// commits run locked.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	"beacon/internal/site/refresh"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/sentinel"
)

// Registry is the subset of the registry membership reads from.
type Registry interface {
	FetchUser(ctx context.Context, siteID id.SiteID, user id.UserID) (models.MUser, error)
	FetchRoster(ctx context.Context, siteID id.SiteID) (models.Roster, error)
}

// Site is what membership needs from its owning site.
type Site interface {
	refresh.Runner
	BroadcastToServices(msg models.Message)
	// ShutdownUser drops every connected client of user with code.
	ShutdownUser(user id.UserID, code models.ErrorCode)
	// DemoteUser reclassifies every connected client of user as a guest.
	DemoteUser(user id.UserID)
	// UpdateAuthority re-authorizes the connected clients of a user.
	UpdateAuthority(user id.UserID, authority models.UserAuthority)
	// ResolveParked admits or denies clients parked pending authorization of user.
	ResolveParked(user id.UserID, decision models.Decision)
	// ShutdownGuests drops guest clients; statelessOnly limits it to stateless ones.
	ShutdownGuests(statelessOnly bool, code models.ErrorCode)
	ShutdownConsumer(client id.ClientID, code models.ErrorCode)
}

// Membership is implemented by the role-based and unrestricted variants.
type Membership interface {
	AuthorizeClient(hello models.ClientHello) models.Decision
	AuthorizeGuest() models.Decision
	AuthorizeStatelessGuest() models.Decision

	// SyncService brings a connecting service up to date. Nothing is sent
	// when the service already holds the current hash.
	SyncService(inst models.Installer, hello models.ServiceHello) error
	Hash() uint64
	Users() []models.MUser

	OnUserUpdated(user id.UserID)
	OnUserDeleted(user id.UserID)
	OnUsersUpdated()
	OnRolesUpdated()
	OnGuestStatusChanged()
	OnContactDisabled(user id.UserID)
	OnContactDeleted(user id.UserID)
	OnConsumerDisabled(client id.ClientID)
	OnConsumerDeleted(client id.ClientID)
}

// policy is the variant-specific part of membership.
type policy interface {
	userHash(u models.MUser, roles map[id.RoleID]models.MRole) uint64
	authority(u models.MUser) models.UserAuthority
	rolesHash(roles map[id.RoleID]models.MRole) uint64
	publishesRoles() bool
}

type Option func(*base)

func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type base struct {
	siteID   id.SiteID
	site     Site
	registry Registry
	logger   *slog.Logger
	policy   policy

	users            map[id.UserID]*models.MUser
	roles            map[id.RoleID]models.MRole
	guestAllowed     bool
	statelessAllowed bool

	userHashes map[id.UserID]uint64
	hash       uint64

	userFlags refresh.Set[id.UserID]
	listFlag  refresh.Flag
}

func newBase(siteID id.SiteID, roster models.Roster, site Site, registry Registry, p policy, opts ...Option) *base {
	b := &base{
		siteID:   siteID,
		site:     site,
		registry: registry,
		logger:   slog.Default(),
		policy:   p,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.load(roster)
	return b
}

func (b *base) load(roster models.Roster) {
	b.users = make(map[id.UserID]*models.MUser, len(roster.Users))
	b.roles = make(map[id.RoleID]models.MRole, len(roster.Roles))
	for _, r := range roster.Roles {
		b.roles[r.ID] = r
	}
	for _, u := range roster.Users {
		u.Confirmed = true
		b.users[u.ID] = &u
	}
	b.guestAllowed = roster.GuestAllowed
	b.statelessAllowed = roster.StatelessAllowed
	b.rehash()
}

// published reports whether u is visible to services.
func published(u *models.MUser) bool {
	return u != nil && u.Confirmed && u.Enabled
}

func (b *base) rehash() bool {
	b.userHashes = make(map[id.UserID]uint64, len(b.users))
	ids := make([]id.UserID, 0, len(b.users))
	for uid, u := range b.users {
		if !published(u) {
			continue
		}
		b.userHashes[uid] = b.policy.userHash(*u, b.roles)
		ids = append(ids, uid)
	}
	slices.Sort(ids)
	entries := make([][2]uint64, 0, len(ids))
	for _, uid := range ids {
		entries = append(entries, [2]uint64{uint64(uid), b.userHashes[uid]})
	}
	next := digest.Of(struct {
		Users     [][2]uint64
		Roles     uint64
		Guest     bool
		Stateless bool
	}{entries, b.policy.rolesHash(b.roles), b.guestAllowed, b.statelessAllowed})
	changed := next != b.hash
	b.hash = next
	return changed
}

func (b *base) Hash() uint64 {
	return b.hash
}

func (b *base) Users() []models.MUser {
	out := make([]models.MUser, 0, len(b.users))
	for _, u := range b.users {
		if u.Confirmed {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(x, y models.MUser) int { return int(x.ID) - int(y.ID) })
	return out
}

func (b *base) guestFallback() (models.Decision, bool) {
	if b.guestAllowed {
		return models.Admitted(models.GuestAuthority()), true
	}
	return models.Decision{}, false
}

// decide is the admission outcome for a resolved roster entry.
func (b *base) decide(u *models.MUser) models.Decision {
	if published(u) {
		return models.Admitted(b.policy.authority(*u))
	}
	if d, ok := b.guestFallback(); ok {
		return d
	}
	return models.Denied(models.CodeClientNotRegistered)
}

func (b *base) AuthorizeClient(hello models.ClientHello) models.Decision {
	if hello.UserID.IsNil() {
		return models.Denied(models.CodeClientNotRegistered)
	}
	u, ok := b.users[hello.UserID]
	if !ok {
		// Unknown locally: hold a placeholder while the registry is asked.
		b.users[hello.UserID] = &models.MUser{ID: hello.UserID}
		b.refreshUser(hello.UserID)
		return models.RetryLater()
	}
	if !u.Confirmed && b.userFlags.Busy(hello.UserID) {
		return models.RetryLater()
	}
	return b.decide(u)
}

func (b *base) AuthorizeGuest() models.Decision {
	if !b.guestAllowed {
		return models.Denied(models.CodeGuestNotAllowed)
	}
	return models.Admitted(models.GuestAuthority())
}

func (b *base) AuthorizeStatelessGuest() models.Decision {
	if !b.statelessAllowed {
		return models.Denied(models.CodeGuestNotAllowed)
	}
	return models.Admitted(models.StatelessAuthority())
}

func (b *base) userEntry(u *models.MUser) models.UserEntry {
	return models.UserEntry{
		ID:    u.ID,
		Name:  u.Name,
		Roles: slices.Clone(u.Roles),
		Hash:  b.userHashes[u.ID],
	}
}

func (b *base) SyncService(inst models.Installer, hello models.ServiceHello) error {
	if hello.MembershipHash == b.hash {
		return nil
	}
	var msgs []models.Message
	if b.policy.publishesRoles() {
		msgs = append(msgs, b.roleListMessage())
	}
	ids := make([]id.UserID, 0, len(b.userHashes))
	for uid := range b.userHashes {
		ids = append(ids, uid)
	}
	slices.Sort(ids)
	for _, uid := range ids {
		known, ok := hello.KnownMembers[uid]
		switch {
		case !ok:
			msgs = append(msgs, models.Message{Module: models.ModuleMembership, Tag: models.TagUserIncluded, Body: b.userEntry(b.users[uid])})
		case known != b.userHashes[uid]:
			msgs = append(msgs, models.Message{Module: models.ModuleMembership, Tag: models.TagUserUpdated, Body: b.userEntry(b.users[uid])})
		}
	}
	stale := make([]id.UserID, 0)
	for uid := range hello.KnownMembers {
		if _, ok := b.userHashes[uid]; !ok {
			stale = append(stale, uid)
		}
	}
	slices.Sort(stale)
	for _, uid := range stale {
		msgs = append(msgs, models.Message{Module: models.ModuleMembership, Tag: models.TagUserRemoved, Body: models.UserRemoved{ID: uid}})
	}
	msgs = append(msgs, b.guestStatusMessage(), b.hashMessage())
	for _, msg := range msgs {
		if err := inst.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) roleListMessage() models.Message {
	roles := make([]models.MRole, 0, len(b.roles))
	for _, r := range b.roles {
		roles = append(roles, r)
	}
	slices.SortFunc(roles, func(x, y models.MRole) int { return int(x.ID) - int(y.ID) })
	return models.Message{Module: models.ModuleMembership, Tag: models.TagRoleList, Body: models.RoleList{Roles: roles}}
}

func (b *base) guestStatusMessage() models.Message {
	return models.Message{
		Module: models.ModuleMembership,
		Tag:    models.TagGuestStatus,
		Body:   models.GuestStatus{GuestAllowed: b.guestAllowed, StatelessAllowed: b.statelessAllowed},
	}
}

func (b *base) hashMessage() models.Message {
	return models.Message{Module: models.ModuleMembership, Tag: models.TagMembershipHash, Body: models.MembershipHash{Hash: b.hash}}
}

// publishHash broadcasts the aggregate hash if it moved.
func (b *base) publishHash() {
	if b.rehash() {
		b.site.BroadcastToServices(b.hashMessage())
	}
}

func (b *base) refreshUser(uid id.UserID) {
	if b.userFlags.Trigger(uid) {
		b.startUserRefresh(uid)
	}
}

func (b *base) startUserRefresh(uid id.UserID) {
	var (
		fetched models.MUser
		missing bool
	)
	b.site.Run("membership.user", func(ctx context.Context) error {
		u, err := b.registry.FetchUser(ctx, b.siteID, uid)
		if errors.Is(err, sentinel.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		fetched = u
		return nil
	}, func() {
		again := b.userFlags.Done(uid)
		if missing {
			b.rejectUser(uid)
		} else {
			b.applyUser(fetched)
		}
		if again {
			b.startUserRefresh(uid)
		}
	})
}

// rejectUser handles a user the registry does not know. Connected clients are
// dropped; a placeholder stays so later connects are answered locally.
func (b *base) rejectUser(uid id.UserID) {
	prev := b.users[uid]
	b.users[uid] = &models.MUser{ID: uid}
	b.logger.Info("user not registered", "site_id", b.siteID, "user_id", uid)
	b.dropUser(uid, prev, models.CodeClientNotRegistered)
}

// dropUser is the common tail of user removal and disablement.
func (b *base) dropUser(uid id.UserID, prev *models.MUser, code models.ErrorCode) {
	if published(prev) {
		b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserRemoved, Body: models.UserRemoved{ID: uid}})
		if b.guestAllowed {
			b.site.DemoteUser(uid)
		} else {
			b.site.ShutdownUser(uid, code)
		}
	}
	b.site.ResolveParked(uid, b.decide(b.users[uid]))
	b.publishHash()
}

func (b *base) applyUser(u models.MUser) {
	u.Confirmed = true
	prev := b.users[u.ID]
	b.users[u.ID] = &u
	if !u.Enabled {
		b.dropUser(u.ID, prev, models.CodeRestart)
		return
	}
	hash := b.policy.userHash(u, b.roles)
	b.userHashes[u.ID] = hash
	switch {
	case !published(prev):
		b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserIncluded, Body: b.userEntry(&u)})
	case b.policy.userHash(*prev, b.roles) != hash:
		b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserUpdated, Body: b.userEntry(&u)})
		b.site.UpdateAuthority(u.ID, b.policy.authority(u))
	}
	b.site.ResolveParked(u.ID, b.decide(&u))
	b.publishHash()
}

func (b *base) OnUserUpdated(uid id.UserID) {
	b.refreshUser(uid)
}

func (b *base) OnUserDeleted(uid id.UserID) {
	prev, ok := b.users[uid]
	delete(b.users, uid)
	if b.userFlags.Busy(uid) {
		// The in-flight fetch may predate the delete; make it fetch once more.
		b.userFlags.Trigger(uid)
	}
	if !ok {
		return
	}
	b.dropUser(uid, prev, models.CodeClientNotRegistered)
}

func (b *base) OnContactDisabled(uid id.UserID) {
	prev, ok := b.users[uid]
	if !ok || !prev.Confirmed {
		b.refreshUser(uid)
		return
	}
	disabled := *prev
	disabled.Enabled = false
	b.users[uid] = &disabled
	b.dropUser(uid, prev, models.CodeRestart)
}

func (b *base) OnContactDeleted(uid id.UserID) {
	b.OnUserDeleted(uid)
}

func (b *base) OnConsumerDisabled(client id.ClientID) {
	b.site.ShutdownConsumer(client, models.CodeRestart)
}

func (b *base) OnConsumerDeleted(client id.ClientID) {
	b.site.ShutdownConsumer(client, models.CodeClientNotRegistered)
}

func (b *base) OnUsersUpdated() {
	b.refreshRoster()
}

func (b *base) OnGuestStatusChanged() {
	b.refreshRoster()
}

func (b *base) refreshRoster() {
	if b.listFlag.Trigger() {
		b.startRosterRefresh()
	}
}

func (b *base) startRosterRefresh() {
	var roster models.Roster
	b.site.Run("membership.roster", func(ctx context.Context) error {
		r, err := b.registry.FetchRoster(ctx, b.siteID)
		if err != nil {
			return err
		}
		roster = r
		return nil
	}, func() {
		again := b.listFlag.Done()
		b.applyRoster(roster)
		if again {
			b.startRosterRefresh()
		}
	})
}

// applyRoster diffs a full roster against the mirror and pushes the changes.
func (b *base) applyRoster(roster models.Roster) {
	oldUsers := b.users
	oldHashes := b.userHashes
	oldAggregate := b.hash
	oldRolesHash := b.policy.rolesHash(b.roles)
	oldGuest, oldStateless := b.guestAllowed, b.statelessAllowed

	next := models.Roster{
		Roles:            roster.Roles,
		GuestAllowed:     roster.GuestAllowed,
		StatelessAllowed: roster.StatelessAllowed,
	}
	seen := make(map[id.UserID]struct{}, len(roster.Users))
	for _, u := range roster.Users {
		seen[u.ID] = struct{}{}
		next.Users = append(next.Users, u)
	}
	b.load(next)
	// Users with a per-user fetch in flight keep their placeholder.
	for uid, u := range oldUsers {
		if _, ok := seen[uid]; !ok && !u.Confirmed && b.userFlags.Busy(uid) {
			b.users[uid] = u
		}
	}

	if b.policy.publishesRoles() && b.policy.rolesHash(b.roles) != oldRolesHash {
		b.site.BroadcastToServices(b.roleListMessage())
	}

	ids := make([]id.UserID, 0, len(oldUsers)+len(b.users))
	for uid := range oldUsers {
		ids = append(ids, uid)
	}
	for uid := range b.users {
		if _, ok := oldUsers[uid]; !ok {
			ids = append(ids, uid)
		}
	}
	slices.Sort(ids)
	for _, uid := range ids {
		prev, cur := oldUsers[uid], b.users[uid]
		oldHash, wasPublished := oldHashes[uid]
		newHash, isPublished := b.userHashes[uid]
		switch {
		case wasPublished && !isPublished:
			code := models.CodeClientNotRegistered
			if cur != nil {
				code = models.CodeRestart
			}
			b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserRemoved, Body: models.UserRemoved{ID: uid}})
			if b.guestAllowed {
				b.site.DemoteUser(uid)
			} else {
				b.site.ShutdownUser(uid, code)
			}
		case !wasPublished && isPublished:
			b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserIncluded, Body: b.userEntry(cur)})
		case isPublished && oldHash != newHash:
			b.site.BroadcastToServices(models.Message{Module: models.ModuleMembership, Tag: models.TagUserUpdated, Body: b.userEntry(cur)})
			b.site.UpdateAuthority(uid, b.policy.authority(*cur))
		}
		if prev != nil && !prev.Confirmed && cur != nil && cur.Confirmed {
			b.site.ResolveParked(uid, b.decide(cur))
		}
	}

	if oldGuest != b.guestAllowed || oldStateless != b.statelessAllowed {
		b.site.BroadcastToServices(b.guestStatusMessage())
		switch {
		case oldGuest && !b.guestAllowed:
			b.site.ShutdownGuests(false, models.CodeGuestNotAllowed)
		case oldStateless && !b.statelessAllowed:
			b.site.ShutdownGuests(true, models.CodeGuestNotAllowed)
		}
	}
	if b.hash != oldAggregate {
		b.logger.Debug("membership changed", "site_id", b.siteID, "users", len(b.userHashes))
		b.site.BroadcastToServices(b.hashMessage())
	}
}
