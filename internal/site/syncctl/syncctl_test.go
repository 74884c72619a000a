package syncctl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"beacon/internal/site/models"
	"beacon/internal/site/models/mocks"
	id "beacon/pkg/domain"
)

type fakeRegistry struct {
	settings models.Settings
	calls    int
}

func (r *fakeRegistry) FetchSettings(context.Context, id.SiteID) (models.Settings, error) {
	r.calls++
	return r.settings, nil
}

type fakeSite struct {
	pending  []func()
	services []models.Message
	clients  []models.Message
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

func (f *fakeSite) BroadcastToServices(msg models.Message) { f.services = append(f.services, msg) }
func (f *fakeSite) BroadcastToClients(msg models.Message)  { f.clients = append(f.clients, msg) }

func TestValid(t *testing.T) {
	assert.False(t, Valid(4*time.Second))
	assert.True(t, Valid(5*time.Second))
	assert.True(t, Valid(time.Hour))
	assert.False(t, Valid(time.Hour+time.Second))
	assert.False(t, Valid(0))
}

func TestPushSendsKeepAlive(t *testing.T) {
	ctrl := gomock.NewController(t)
	site := &fakeSite{}
	c := NewService(id.SiteID(uuid.New()), models.Settings{ServicePingPeriod: 30 * time.Second}, site, &fakeRegistry{})

	inst := mocks.NewMockInstaller(ctrl)
	inst.EXPECT().Send(models.Message{
		Module: models.ModuleSync,
		Tag:    models.TagKeepAlive,
		Body:   models.KeepAlive{PeriodSeconds: 30},
	}).Return(nil)
	require.NoError(t, c.Push(inst))
}

func TestPushDropsInvalidPeriod(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := NewClient(id.SiteID(uuid.New()), models.Settings{ClientPingPeriod: time.Second}, &fakeSite{}, &fakeRegistry{})
	assert.NoError(t, c.Push(mocks.NewMockInstaller(ctrl)))
}

func TestOnChangedCoalescesAndBroadcasts(t *testing.T) {
	site := &fakeSite{}
	reg := &fakeRegistry{settings: models.Settings{ServicePingPeriod: 30 * time.Second, ClientPingPeriod: 60 * time.Second}}
	c := NewClient(id.SiteID(uuid.New()), models.Settings{ClientPingPeriod: 20 * time.Second}, site, reg)

	c.OnChanged()
	c.OnChanged()
	c.OnChanged()
	require.Len(t, site.pending, 1)
	site.drain()

	assert.Equal(t, 2, reg.calls)
	assert.Equal(t, 60*time.Second, c.Period())
	require.Len(t, site.clients, 1, "the second fetch finds nothing new")
	assert.Equal(t, models.KeepAlive{PeriodSeconds: 60}, site.clients[0].Body)
	assert.Empty(t, site.services)
}

func TestOnChangedIgnoresOutOfRange(t *testing.T) {
	site := &fakeSite{}
	reg := &fakeRegistry{settings: models.Settings{ServicePingPeriod: 2 * time.Hour}}
	c := NewService(id.SiteID(uuid.New()), models.Settings{ServicePingPeriod: 30 * time.Second}, site, reg)

	c.OnChanged()
	site.drain()
	assert.Equal(t, 30*time.Second, c.Period())
	assert.Empty(t, site.services)
}
