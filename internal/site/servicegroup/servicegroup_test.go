package servicegroup

import (
	"context"
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

type fakeRegistry struct {
	services map[id.ServiceID]models.ServiceInfo
	updates  []models.ServiceInfo
	fetches  int
}

func (r *fakeRegistry) FetchService(_ context.Context, _ id.SiteID, service id.ServiceID) (models.ServiceInfo, error) {
	r.fetches++
	svc, ok := r.services[service]
	if !ok {
		return models.ServiceInfo{}, sentinel.ErrNotFound
	}
	return svc, nil
}

func (r *fakeRegistry) UpdateServiceHostname(_ context.Context, _ id.SiteID, service id.ServiceID, hostname, version string) error {
	r.updates = append(r.updates, models.ServiceInfo{ID: service, Hostname: hostname, Version: version})
	return nil
}

type fakeSite struct {
	pending    []func()
	broadcasts []models.Message
	direct     map[id.ServiceID][]models.Message
	disabled   []id.ServiceID
	enabled    []id.ServiceID
	shutdown   map[id.ServiceID]models.ErrorCode
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		direct:   make(map[id.ServiceID][]models.Message),
		shutdown: make(map[id.ServiceID]models.ErrorCode),
	}
}

func (f *fakeSite) Run(_ string, fetch func(ctx context.Context) error, commit func()) {
	f.pending = append(f.pending, func() {
		if fetch(context.Background()) == nil {
			commit()
		}
	})
}

func (f *fakeSite) drain() {
	for len(f.pending) > 0 {
		next := f.pending[0]
		f.pending = f.pending[1:]
		next()
	}
}

func (f *fakeSite) BroadcastToClients(msg models.Message) { f.broadcasts = append(f.broadcasts, msg) }
func (f *fakeSite) SendToService(service id.ServiceID, msg models.Message) {
	f.direct[service] = append(f.direct[service], msg)
}
func (f *fakeSite) ServiceDisabled(service id.ServiceID) { f.disabled = append(f.disabled, service) }
func (f *fakeSite) ServiceEnabled(service id.ServiceID)  { f.enabled = append(f.enabled, service) }
func (f *fakeSite) ShutdownService(service id.ServiceID, code models.ErrorCode) {
	f.shutdown[service] = code
}

func (f *fakeSite) tags() []models.Tag {
	out := make([]models.Tag, 0, len(f.broadcasts))
	for _, m := range f.broadcasts {
		out = append(out, m.Tag)
	}
	return out
}

func services() []models.ServiceInfo {
	return []models.ServiceInfo{
		{ID: 1, Hostname: "alpha.local", Version: "1.0", Enabled: true},
		{ID: 2, Hostname: "beta.local", Version: "1.0", Enabled: true},
	}
}

type MultiSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	site     *fakeSite
	registry *fakeRegistry
	group    *Multi
}

func (s *MultiSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.site = newFakeSite()
	s.registry = &fakeRegistry{services: map[id.ServiceID]models.ServiceInfo{}}
	for _, svc := range services() {
		s.registry.services[svc.ID] = svc
	}
	s.group = NewMulti(id.SiteID(uuid.New()), services(), s.site, s.registry)
}

func TestMultiSuite(t *testing.T) {
	suite.Run(t, new(MultiSuite))
}

func (s *MultiSuite) TestSyncClientSkipsCurrentHash() {
	inst := mocks.NewMockInstaller(s.ctrl)
	s.NoError(s.group.SyncClient(inst, s.group.Hash()))
}

func (s *MultiSuite) TestSyncClientSendsList() {
	inst := mocks.NewMockInstaller(s.ctrl)
	inst.EXPECT().Send(gomock.Any()).DoAndReturn(func(msg models.Message) error {
		s.Equal(models.TagServiceList, msg.Tag)
		list := msg.Body.(models.ServiceList)
		s.Len(list.Services, 2)
		s.Equal(s.group.Hash(), list.Hash)
		return nil
	})
	s.NoError(s.group.SyncClient(inst, 0))
}

func (s *MultiSuite) TestOnlineOfflineBroadcastAndMoveHash() {
	before := s.group.Hash()
	s.group.SetOnline(1)
	s.group.SetOnline(1)
	s.NotEqual(before, s.group.Hash())
	s.group.SetOffline(1)
	s.group.SetOffline(1)
	s.Equal(before, s.group.Hash())
	s.Equal([]models.Tag{models.TagServiceOnline, models.TagServiceOffline}, s.site.tags())
}

func (s *MultiSuite) TestHostnameDriftCorrectsService() {
	inst := mocks.NewMockInstaller(s.ctrl)
	inst.EXPECT().Send(models.Message{
		Module: models.ModuleTopology,
		Tag:    models.TagHostnameCorrection,
		Body:   models.HostnameCorrection{Hostname: "alpha.local"},
	}).Return(nil)

	err := s.group.OnServiceInstalled(inst, models.ServiceHello{ServiceID: 1, Hostname: "rogue.local", Version: "1.0"})
	s.Require().NoError(err)
	s.Empty(s.site.pending)
}

func (s *MultiSuite) TestVersionDriftIsRecorded() {
	inst := mocks.NewMockInstaller(s.ctrl)
	err := s.group.OnServiceInstalled(inst, models.ServiceHello{ServiceID: 2, Hostname: "beta.local", Version: "2.0"})
	s.Require().NoError(err)
	s.site.drain()

	s.Equal([]models.ServiceInfo{{ID: 2, Hostname: "beta.local", Version: "2.0"}}, s.registry.updates)
	info, ok := s.group.Lookup(2)
	s.Require().True(ok)
	s.Equal("2.0", info.Version)
	s.Equal([]models.Tag{models.TagServiceUpdated}, s.site.tags())
}

func (s *MultiSuite) TestUnknownServiceInstall() {
	inst := mocks.NewMockInstaller(s.ctrl)
	err := s.group.OnServiceInstalled(inst, models.ServiceHello{ServiceID: 9})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MultiSuite) TestServiceCreatedAndDeleted() {
	s.registry.services[3] = models.ServiceInfo{ID: 3, Hostname: "gamma.local", Enabled: true}
	s.NoError(s.group.OnServiceCreated(3))
	s.site.drain()
	_, ok := s.group.Lookup(3)
	s.True(ok)

	delete(s.registry.services, 3)
	s.NoError(s.group.OnServiceDeleted(3))
	s.site.drain()
	_, ok = s.group.Lookup(3)
	s.False(ok)
	s.Equal(models.CodeServiceNotRegistered, s.site.shutdown[3])
	s.Equal([]models.Tag{models.TagServiceIncluded, models.TagServiceRemoved}, s.site.tags())
}

func (s *MultiSuite) TestRefreshesCoalesce() {
	s.NoError(s.group.OnHostnameChanged(1))
	s.NoError(s.group.OnEnabledStatusChanged(1))
	s.NoError(s.group.OnHostnameChanged(1))
	s.Require().Len(s.site.pending, 1)
	s.site.drain()
	s.Equal(2, s.registry.fetches)
	s.Empty(s.site.broadcasts, "unchanged records are not broadcast")
}

func (s *MultiSuite) TestDisableParksOnlineService() {
	s.group.SetOnline(1)
	svc := s.registry.services[1]
	svc.Enabled = false
	svc.Hostname = "alpha2.local"
	s.registry.services[1] = svc

	s.NoError(s.group.OnEnabledStatusChanged(1))
	s.site.drain()

	s.Equal([]id.ServiceID{1}, s.site.disabled)
	s.Require().Len(s.site.direct[1], 1)
	s.Equal(models.TagHostnameCorrection, s.site.direct[1][0].Tag)
	s.Equal([]models.Tag{models.TagServiceOnline, models.TagServiceOffline, models.TagServiceUpdated}, s.site.tags())
	s.Equal(models.ServiceRef{ID: 1}, s.site.broadcasts[1].Body)

	svc.Enabled = true
	s.registry.services[1] = svc
	s.NoError(s.group.OnEnabledStatusChanged(1))
	s.site.drain()
	s.Equal([]id.ServiceID{1}, s.site.enabled)
}

func TestSingleOnlyTracksHostname(t *testing.T) {
	site := newFakeSite()
	reg := &fakeRegistry{services: map[id.ServiceID]models.ServiceInfo{
		1: {ID: 1, Hostname: "moved.local", Version: "1.0", Enabled: true},
	}}
	g := NewSingle(id.SiteID(uuid.New()), services()[:1], site, reg)

	_, ok := g.Lookup(2)
	assert.False(t, ok)
	assert.ErrorIs(t, g.OnServiceCreated(2), sentinel.ErrUnsupported)
	assert.ErrorIs(t, g.OnServiceDeleted(1), sentinel.ErrUnsupported)
	assert.ErrorIs(t, g.OnEnabledStatusChanged(1), sentinel.ErrUnsupported)
	assert.ErrorIs(t, g.OnHostnameChanged(5), sentinel.ErrNotFound)

	g.SetOnline(1)
	require.NoError(t, g.OnHostnameChanged(1))
	site.drain()

	info, _ := g.Lookup(1)
	assert.Equal(t, "moved.local", info.Hostname)
	require.Len(t, site.direct[1], 1)
	assert.Equal(t, models.HostnameCorrection{Hostname: "moved.local"}, site.direct[1][0].Body)
}

func TestSingleAdoptsFirstHostname(t *testing.T) {
	ctrl := gomock.NewController(t)
	site := newFakeSite()
	reg := &fakeRegistry{}
	g := NewSingle(id.SiteID(uuid.New()), []models.ServiceInfo{{ID: 1, Enabled: true}}, site, reg)

	inst := mocks.NewMockInstaller(ctrl)
	require.NoError(t, g.OnServiceInstalled(inst, models.ServiceHello{ServiceID: 1, Hostname: "first.local", Version: "3"}))
	site.drain()

	info, _ := g.Lookup(1)
	assert.Equal(t, "first.local", info.Hostname)
	assert.Equal(t, "3", info.Version)
}
