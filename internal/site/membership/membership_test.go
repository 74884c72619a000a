package membership

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"beacon/internal/site/models"
	"beacon/internal/site/models/mocks"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/sentinel"
)

const (
	roleAdmin  id.RoleID = 1
	roleViewer id.RoleID = 2

	alice id.UserID = 10
	bob   id.UserID = 11
	carol id.UserID = 12
)

type fakeRegistry struct {
	mu         sync.Mutex
	users      map[id.UserID]models.MUser
	roster     models.Roster
	userCalls  int
	listCalls  int
	failRoster error
}

func (r *fakeRegistry) FetchUser(_ context.Context, _ id.SiteID, user id.UserID) (models.MUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userCalls++
	u, ok := r.users[user]
	if !ok {
		return models.MUser{}, sentinel.ErrNotFound
	}
	return u, nil
}

func (r *fakeRegistry) FetchRoster(_ context.Context, _ id.SiteID) (models.Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.failRoster != nil {
		return models.Roster{}, r.failRoster
	}
	return r.roster, nil
}

// fakeSite queues refresh runs so tests control when fetches land.
type fakeSite struct {
	pending    []func()
	failures   []error
	broadcasts []models.Message
	shutdown   map[id.UserID]models.ErrorCode
	demoted    []id.UserID
	authority  map[id.UserID]models.UserAuthority
	resolved   map[id.UserID]models.Decision
	guestsOff  []bool
	consumers  map[id.ClientID]models.ErrorCode
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		shutdown:  make(map[id.UserID]models.ErrorCode),
		authority: make(map[id.UserID]models.UserAuthority),
		resolved:  make(map[id.UserID]models.Decision),
		consumers: make(map[id.ClientID]models.ErrorCode),
	}
}

func (f *fakeSite) Run(_ string, fetch func(ctx context.Context) error, commit func()) {
	f.pending = append(f.pending, func() {
		if err := fetch(context.Background()); err != nil {
			f.failures = append(f.failures, err)
			return
		}
		commit()
	})
}

func (f *fakeSite) step() bool {
	if len(f.pending) == 0 {
		return false
	}
	next := f.pending[0]
	f.pending = f.pending[1:]
	next()
	return true
}

func (f *fakeSite) drain() {
	for f.step() {
	}
}

func (f *fakeSite) BroadcastToServices(msg models.Message) { f.broadcasts = append(f.broadcasts, msg) }
func (f *fakeSite) ShutdownUser(user id.UserID, code models.ErrorCode) {
	f.shutdown[user] = code
}
func (f *fakeSite) DemoteUser(user id.UserID) { f.demoted = append(f.demoted, user) }
func (f *fakeSite) UpdateAuthority(user id.UserID, a models.UserAuthority) {
	f.authority[user] = a
}
func (f *fakeSite) ResolveParked(user id.UserID, d models.Decision) { f.resolved[user] = d }
func (f *fakeSite) ShutdownGuests(statelessOnly bool, _ models.ErrorCode) {
	f.guestsOff = append(f.guestsOff, statelessOnly)
}
func (f *fakeSite) ShutdownConsumer(client id.ClientID, code models.ErrorCode) {
	f.consumers[client] = code
}

func (f *fakeSite) tags() []models.Tag {
	out := make([]models.Tag, 0, len(f.broadcasts))
	for _, m := range f.broadcasts {
		out = append(out, m.Tag)
	}
	return out
}

func baseRoster() models.Roster {
	return models.Roster{
		Users: []models.MUser{
			{ID: alice, Name: "alice", Roles: []id.RoleID{roleAdmin}, Enabled: true},
			{ID: bob, Name: "bob", Roles: []id.RoleID{roleViewer}, Enabled: true},
		},
		Roles: []models.MRole{{ID: roleAdmin, Name: "admin"}, {ID: roleViewer, Name: "viewer"}},
	}
}

type MembershipSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	site     *fakeSite
	registry *fakeRegistry
	m        *RoleBased
}

func (s *MembershipSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.site = newFakeSite()
	roster := baseRoster()
	s.registry = &fakeRegistry{
		users: map[id.UserID]models.MUser{
			alice: roster.Users[0],
			bob:   roster.Users[1],
		},
		roster: roster,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.m = NewRoleBased(id.SiteID(uuid.New()), roster, s.site, s.registry, WithLogger(logger))
}

func (s *MembershipSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestMembershipSuite(t *testing.T) {
	suite.Run(t, new(MembershipSuite))
}

func (s *MembershipSuite) TestAuthorizeKnownUser() {
	d := s.m.AuthorizeClient(models.ClientHello{UserID: alice, ClientID: 1})
	s.Equal(models.Admit, d.Outcome)
	s.Equal(alice, d.Authority.UserID)
	s.Equal([]id.RoleID{roleAdmin}, d.Authority.Roles)
	s.Empty(s.site.pending)
}

func (s *MembershipSuite) TestAuthorizeGuestsFollowRoster() {
	s.Equal(models.Deny, s.m.AuthorizeGuest().Outcome)
	s.Equal(models.CodeGuestNotAllowed, s.m.AuthorizeStatelessGuest().Code)
}

func (s *MembershipSuite) TestUnknownUserIsResolvedAfterRefresh() {
	s.registry.users[carol] = models.MUser{ID: carol, Name: "carol", Enabled: true}

	d := s.m.AuthorizeClient(models.ClientHello{UserID: carol, ClientID: 3})
	s.Equal(models.Retry, d.Outcome)
	s.Equal(models.Retry, s.m.AuthorizeClient(models.ClientHello{UserID: carol, ClientID: 4}).Outcome)
	s.Require().Len(s.site.pending, 1, "concurrent lookups share one fetch")

	s.site.drain()
	s.Equal(models.Admit, s.site.resolved[carol].Outcome)
	s.Equal([]models.Tag{models.TagUserIncluded, models.TagMembershipHash}, s.site.tags())
	s.Equal(models.Admit, s.m.AuthorizeClient(models.ClientHello{UserID: carol}).Outcome)
}

func (s *MembershipSuite) TestUnregisteredUserIsDenied() {
	s.Equal(models.Retry, s.m.AuthorizeClient(models.ClientHello{UserID: 99}).Outcome)
	s.site.drain()

	s.Equal(models.Denied(models.CodeClientNotRegistered), s.site.resolved[99])
	s.Empty(s.site.broadcasts)

	d := s.m.AuthorizeClient(models.ClientHello{UserID: 99})
	s.Equal(models.Deny, d.Outcome)
	s.Empty(s.site.pending, "rejected users are answered locally")
}

func (s *MembershipSuite) TestUpdateDuringRefreshRetriggersOnce() {
	s.m.OnUserUpdated(alice)
	s.m.OnUserUpdated(alice)
	s.m.OnUserUpdated(alice)
	s.Require().Len(s.site.pending, 1)

	s.site.drain()
	s.Equal(2, s.registry.userCalls)
	s.False(s.m.userFlags.Busy(alice))
}

func (s *MembershipSuite) TestRoleChangeUpdatesClients() {
	before := s.m.Hash()
	updated := s.registry.users[bob]
	updated.Roles = []id.RoleID{roleAdmin}
	s.registry.users[bob] = updated

	s.m.OnUserUpdated(bob)
	s.site.drain()

	s.NotEqual(before, s.m.Hash())
	s.Equal([]models.Tag{models.TagUserUpdated, models.TagMembershipHash}, s.site.tags())
	s.Equal([]id.RoleID{roleAdmin}, s.site.authority[bob].Roles)
}

func (s *MembershipSuite) TestUnchangedUserRefreshIsSilent() {
	s.m.OnUserUpdated(alice)
	s.site.drain()
	s.Empty(s.site.broadcasts)
}

func (s *MembershipSuite) TestUserDeletedDisconnectsClients() {
	s.m.OnUserDeleted(alice)

	for _, u := range s.m.Users() {
		s.NotEqual(alice, u.ID)
	}
	s.Require().Equal([]models.Tag{models.TagUserRemoved, models.TagMembershipHash}, s.site.tags())
	s.Equal(models.UserRemoved{ID: alice}, s.site.broadcasts[0].Body)
	s.Equal(models.CodeClientNotRegistered, s.site.shutdown[alice])
	s.Empty(s.site.demoted)
}

func (s *MembershipSuite) TestUserDeletedDemotesWhenGuestsAllowed() {
	roster := baseRoster()
	roster.GuestAllowed = true
	m := NewRoleBased(id.SiteID(uuid.New()), roster, s.site, s.registry)

	m.OnUserDeleted(alice)
	s.Equal([]id.UserID{alice}, s.site.demoted)
	s.Empty(s.site.shutdown)
}

func (s *MembershipSuite) TestDeleteDuringRefreshFetchesAgain() {
	s.m.OnUserUpdated(alice)
	delete(s.registry.users, alice)
	s.m.OnUserDeleted(alice)
	s.site.drain()

	s.Equal(2, s.registry.userCalls)
	s.Equal(models.Deny, s.m.AuthorizeClient(models.ClientHello{UserID: alice}).Outcome)
}

func (s *MembershipSuite) TestContactDisabledRestartsClients() {
	s.m.OnContactDisabled(bob)
	s.Equal(models.CodeRestart, s.site.shutdown[bob])
	s.Equal(models.Deny, s.m.AuthorizeClient(models.ClientHello{UserID: bob}).Outcome)
}

func (s *MembershipSuite) TestConsumerNotifications() {
	s.m.OnConsumerDisabled(5)
	s.m.OnConsumerDeleted(6)
	s.Equal(models.CodeRestart, s.site.consumers[5])
	s.Equal(models.CodeClientNotRegistered, s.site.consumers[6])
}

func (s *MembershipSuite) TestRosterRefreshDiffs() {
	roster := baseRoster()
	roster.Users = []models.MUser{
		{ID: alice, Name: "alice", Roles: []id.RoleID{roleAdmin, roleViewer}, Enabled: true},
		{ID: carol, Name: "carol", Enabled: true},
	}
	roster.StatelessAllowed = true
	s.registry.roster = roster

	s.m.OnUsersUpdated()
	s.m.OnGuestStatusChanged()
	s.site.drain()

	s.Equal(2, s.registry.listCalls)
	s.Equal([]models.Tag{
		models.TagUserUpdated,
		models.TagUserRemoved,
		models.TagUserIncluded,
		models.TagGuestStatus,
		models.TagMembershipHash,
	}, s.site.tags())
	s.Equal(models.CodeClientNotRegistered, s.site.shutdown[bob])
	s.Equal(models.Admit, s.m.AuthorizeStatelessGuest().Outcome)
}

func (s *MembershipSuite) TestRosterRefreshDisablesGuests() {
	roster := baseRoster()
	roster.GuestAllowed = true
	m := NewRoleBased(id.SiteID(uuid.New()), roster, s.site, s.registry)
	s.registry.roster = baseRoster()

	m.OnGuestStatusChanged()
	s.site.drain()
	s.Equal([]bool{false}, s.site.guestsOff)
}

func (s *MembershipSuite) TestRoleRenameOnlyMovesHoldersHash() {
	renamed := map[id.RoleID]models.MRole{
		roleAdmin:  {ID: roleAdmin, Name: "administrators"},
		roleViewer: {ID: roleViewer, Name: "viewer"},
	}
	p := roleBasedPolicy{}
	aliceUser, bobUser := s.registry.users[alice], s.registry.users[bob]

	s.NotEqual(p.userHash(aliceUser, s.m.roles), p.userHash(aliceUser, renamed))
	s.Equal(p.userHash(bobUser, s.m.roles), p.userHash(bobUser, renamed))
}

func (s *MembershipSuite) TestSyncServiceSkipsWhenHashMatches() {
	inst := mocks.NewMockInstaller(s.ctrl)
	s.NoError(s.m.SyncService(inst, models.ServiceHello{MembershipHash: s.m.Hash()}))
}

func (s *MembershipSuite) TestSyncServiceSendsDiff() {
	inst := mocks.NewMockInstaller(s.ctrl)
	sent := []models.Tag{}
	inst.EXPECT().Send(gomock.Any()).DoAndReturn(func(msg models.Message) error {
		sent = append(sent, msg.Tag)
		return nil
	}).Times(5)

	err := s.m.SyncService(inst, models.ServiceHello{
		MembershipHash: 42,
		KnownMembers: map[id.UserID]uint64{
			alice: s.m.userHashes[alice],
			bob:   1,
			carol: 7,
		},
	})
	s.Require().NoError(err)
	s.Equal([]models.Tag{
		models.TagRoleList,
		models.TagUserUpdated,
		models.TagUserRemoved,
		models.TagGuestStatus,
		models.TagMembershipHash,
	}, sent)
}

func (s *MembershipSuite) TestRefreshFailureIsReported() {
	s.registry.failRoster = sentinel.ErrUnavailable
	s.m.OnUsersUpdated()
	s.site.drain()
	s.Require().Len(s.site.failures, 1)
	s.ErrorIs(s.site.failures[0], sentinel.ErrUnavailable)
	s.Empty(s.site.broadcasts)
}

func TestUnrestrictedMembership(t *testing.T) {
	site := newFakeSite()
	roster := baseRoster()
	m := NewUnrestricted(id.SiteID(uuid.New()), roster, site, &fakeRegistry{roster: roster})

	d := m.AuthorizeClient(models.ClientHello{UserID: bob})
	require.Equal(t, models.Admit, d.Outcome)
	assert.True(t, d.Authority.Unrestricted)
	assert.True(t, d.Authority.HasAnyRole([]id.RoleID{99}))

	m.OnRolesUpdated()
	assert.Empty(t, site.pending)
}

func TestHashTracksSingleAttribute(t *testing.T) {
	site := newFakeSite()
	a := NewRoleBased(id.SiteID(uuid.New()), baseRoster(), site, &fakeRegistry{})
	b := NewRoleBased(id.SiteID(uuid.New()), baseRoster(), site, &fakeRegistry{})
	assert.Equal(t, a.Hash(), b.Hash())

	changed := baseRoster()
	changed.Users[1].Roles = []id.RoleID{roleAdmin}
	c := NewRoleBased(id.SiteID(uuid.New()), changed, site, &fakeRegistry{})
	assert.NotEqual(t, a.Hash(), c.Hash())
}
