package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

const (
	evState  id.EventID = 1
	evAlarm  id.EventID = 2
	evNotice id.EventID = 3
	evStaff  id.EventID = 4

	roleStaff id.RoleID = 7
)

type recordingRegistry struct {
	mu      sync.Mutex
	deleted []id.InstanceID
}

func (r *recordingRegistry) DeleteEventInstance(_ context.Context, _ id.SiteID, _ id.EventID, instance id.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, instance)
	return nil
}

func (r *recordingRegistry) Deleted() []id.InstanceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]id.InstanceID(nil), r.deleted...)
}

type fakeSubscriber struct {
	client    id.ClientID
	stateless bool
	subs      map[id.EventID]*models.Subscription
}

func newSubscriber(client id.ClientID, events ...id.EventID) *fakeSubscriber {
	s := &fakeSubscriber{client: client, subs: make(map[id.EventID]*models.Subscription)}
	for _, e := range events {
		s.subs[e] = &models.Subscription{Event: e}
	}
	return s
}

func (f *fakeSubscriber) ClientID() id.ClientID { return f.client }
func (f *fakeSubscriber) Stateless() bool       { return f.stateless }
func (f *fakeSubscriber) Subscription(event id.EventID) *models.Subscription {
	return f.subs[event]
}

func definitions() []models.EventDef {
	return []models.EventDef{
		{ID: evState, Name: "state", Kind: models.Replacing, StatelessAccess: true, GuestAccess: true},
		{ID: evAlarm, Name: "alarm", Kind: models.Queueing, QueueSize: 2, Lifetime: 60 * time.Second, StatelessAccess: true},
		{ID: evNotice, Name: "notice", Kind: models.Private, Lifetime: 30 * time.Second},
		{ID: evStaff, Name: "staff", Kind: models.Queueing, QueueSize: 5, Roles: []id.RoleID{roleStaff}},
	}
}

type ControllerSuite struct {
	suite.Suite
	clock    *clock.Mock
	registry *recordingRegistry
	ctrl     Controller
	siteID   id.SiteID
	nextID   id.InstanceID
}

func (s *ControllerSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.registry = &recordingRegistry{}
	s.siteID = id.SiteID(uuid.New())
	s.nextID = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.ctrl = NewMultiService(s.siteID, definitions(), nil, s.registry, WithLogger(logger))
}

func (s *ControllerSuite) TearDownTest() {
	s.ctrl.Close()
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) instance(event id.EventID, service id.ServiceID) models.Instance {
	s.nextID++
	return models.Instance{Event: event, ID: s.nextID, Service: service, CreatedAt: s.clock.Now()}
}

func (s *ControllerSuite) backlogIDs(event id.EventID, service id.ServiceID) []id.InstanceID {
	var out []id.InstanceID
	for _, inst := range s.ctrl.Backlog(event, service) {
		out = append(out, inst.ID)
	}
	return out
}

func (s *ControllerSuite) TestQueueCapacityEvictsOldest() {
	for range 3 {
		s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	}
	s.Equal([]id.InstanceID{2, 3}, s.backlogIDs(evAlarm, 1))

	s.ctrl.Close()
	s.Equal([]id.InstanceID{1}, s.registry.Deleted())
}

func (s *ControllerSuite) TestQueueCapacityIsPerService() {
	s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	s.ctrl.AcceptQEvent(s.instance(evAlarm, 2), nil)
	s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)

	s.Equal([]id.InstanceID{1, 3}, s.backlogIDs(evAlarm, 1))
	s.Equal([]id.InstanceID{2}, s.backlogIDs(evAlarm, 2))
}

func (s *ControllerSuite) TestQueueExpiryScenario() {
	for range 3 {
		s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	}
	s.Require().Equal([]id.InstanceID{2, 3}, s.backlogIDs(evAlarm, 1))

	s.clock.Add(30 * time.Second)
	wake := s.ctrl.Monitor(s.clock.Now())
	s.Len(s.backlogIDs(evAlarm, 1), 2)
	s.False(wake.IsZero())

	s.clock.Add(30 * time.Second)
	wake = s.ctrl.Monitor(s.clock.Now())
	s.Empty(s.backlogIDs(evAlarm, 1))
	s.True(wake.IsZero())

	s.ctrl.Close()
	s.ElementsMatch([]id.InstanceID{1, 2, 3}, s.registry.Deleted())
}

func (s *ControllerSuite) TestMonitorReturnsEarliestDeadline() {
	start := s.clock.Now()
	s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	s.clock.Add(10 * time.Second)
	s.ctrl.AcceptPEvent(models.Instance{Event: evNotice, ID: 50, Service: 1, Addressee: 9, CreatedAt: s.clock.Now()}, nil)

	wake := s.ctrl.Monitor(s.clock.Now())
	s.Equal(start.Add(40*time.Second), wake)

	s.clock.Add(30 * time.Second)
	wake = s.ctrl.Monitor(s.clock.Now())
	s.Empty(s.ctrl.Backlog(evNotice, 1))
	s.Equal(start.Add(60*time.Second), wake)
}

func (s *ControllerSuite) TestNullAfterNullIsNoop() {
	sub := newSubscriber(10, evState)
	s.ctrl.AuthorizeRSubscription(sub.subs[evState], models.UserAuthority{UserID: 1})

	prev, skip := s.ctrl.PrepareREvent(evState, 1, true)
	s.Zero(prev)
	s.True(skip, "null with nothing live collapses")

	first := s.instance(evState, 1)
	first.Null = true
	out, ok := s.ctrl.AcceptREvent(first, nil)
	s.False(ok)
	s.Empty(out)

	live := s.instance(evState, 1)
	out, ok = s.ctrl.AcceptREvent(live, []Subscriber{sub})
	s.Require().True(ok)
	s.Require().Len(out, 1)
	s.ctrl.GetNextEvent(sub.subs[evState], live.ID, sub.client)

	cleared := s.instance(evState, 1)
	cleared.Null = true
	prev, skip = s.ctrl.PrepareREvent(evState, 1, true)
	s.Equal(live.ID, prev)
	s.False(skip)
	out, ok = s.ctrl.AcceptREvent(cleared, []Subscriber{sub})
	s.True(ok)
	s.Len(out, 1)
	s.ctrl.GetNextEvent(sub.subs[evState], cleared.ID, sub.client)

	_, skip = s.ctrl.PrepareREvent(evState, 1, true)
	s.True(skip)
	again := s.instance(evState, 1)
	again.Null = true
	out, ok = s.ctrl.AcceptREvent(again, []Subscriber{sub})
	s.False(ok)
	s.Empty(out)
	s.Equal([]id.InstanceID{cleared.ID}, s.backlogIDs(evState, 1))
}

func (s *ControllerSuite) TestReplacingKeepsOneLivePerService() {
	s.ctrl.AcceptREvent(s.instance(evState, 1), nil)
	s.ctrl.AcceptREvent(s.instance(evState, 2), nil)
	s.ctrl.AcceptREvent(s.instance(evState, 1), nil)

	s.Equal([]id.InstanceID{3}, s.backlogIDs(evState, 1))
	s.Equal([]id.InstanceID{2}, s.backlogIDs(evState, 2))
}

func (s *ControllerSuite) TestSubscriberCatchesUpInOrder() {
	for range 2 {
		s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	}
	sub := newSubscriber(10, evAlarm)
	cursor := sub.subs[evAlarm]

	first := s.ctrl.AuthorizeQSubscription(cursor, models.UserAuthority{UserID: 1})
	s.Require().NotNil(first)
	s.Equal(id.InstanceID(1), first.ID)
	s.Equal(id.InstanceID(1), cursor.Pending)

	// A raise while a delivery is pending does not double-send.
	third := s.instance(evAlarm, 1)
	s.Empty(s.ctrl.AcceptQEvent(third, []Subscriber{sub}))

	next := s.ctrl.GetNextEvent(cursor, 1, sub.client)
	s.Require().NotNil(next)
	s.Equal(id.InstanceID(2), next.ID)
	next = s.ctrl.GetNextEvent(cursor, 2, sub.client)
	s.Require().NotNil(next)
	s.Equal(third.ID, next.ID)
	s.Nil(s.ctrl.GetNextEvent(cursor, third.ID, sub.client))
	s.Equal(third.ID, cursor.Delivered)
	s.Zero(cursor.Pending)
}

func (s *ControllerSuite) TestWatermarkNeverMovesBackwards() {
	for range 2 {
		s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	}
	sub := newSubscriber(10, evAlarm)
	cursor := sub.subs[evAlarm]
	cursor.Delivered = 1

	next := s.ctrl.AuthorizeQSubscription(cursor, models.UserAuthority{UserID: 1})
	s.Require().NotNil(next)
	s.Equal(id.InstanceID(2), next.ID)

	// Stale ack for an id that is not pending is ignored.
	s.Nil(s.ctrl.GetNextEvent(cursor, 1, sub.client))
	s.Equal(id.InstanceID(1), cursor.Delivered)
	s.Equal(id.InstanceID(2), cursor.Pending)

	s.Nil(s.ctrl.GetNextEvent(cursor, 2, sub.client))
	s.Equal(id.InstanceID(2), cursor.Delivered)

	s.ctrl.AcceptQEvent(models.Instance{Event: evAlarm, ID: 2, Service: 1, CreatedAt: s.clock.Now()}, []Subscriber{sub})
	s.Zero(cursor.Pending, "instances at or below the watermark are not delivered")
}

func (s *ControllerSuite) TestRoleGate() {
	staff := models.UserAuthority{UserID: 1, Roles: []id.RoleID{roleStaff}}
	other := models.UserAuthority{UserID: 2}
	open := models.UserAuthority{UserID: 3, Unrestricted: true}

	cursor := &models.Subscription{Event: evStaff}
	s.ctrl.AuthorizeQSubscription(cursor, staff)
	s.True(cursor.Authorized)

	cursor = &models.Subscription{Event: evStaff}
	s.ctrl.AuthorizeQSubscription(cursor, other)
	s.False(cursor.Authorized)

	cursor = &models.Subscription{Event: evStaff}
	s.ctrl.AuthorizeQSubscription(cursor, open)
	s.True(cursor.Authorized)

	cursor = &models.Subscription{Event: evStaff}
	s.ctrl.AuthorizeQSubscription(cursor, models.GuestAuthority())
	s.False(cursor.Authorized)

	cursor = &models.Subscription{Event: evState}
	s.ctrl.AuthorizeQSubscription(cursor, staff)
	s.False(cursor.Authorized, "kind mismatch is refused")
}

func (s *ControllerSuite) TestStatelessReceivesOnlyNewQueueing() {
	s.ctrl.AcceptQEvent(s.instance(evAlarm, 1), nil)
	sub := newSubscriber(0, evAlarm)
	sub.stateless = true
	cursor := sub.subs[evAlarm]

	s.Nil(s.ctrl.AuthorizeQSubscription(cursor, models.StatelessAuthority()))
	s.True(cursor.Authorized)

	fresh := s.instance(evAlarm, 1)
	out := s.ctrl.AcceptQEvent(fresh, []Subscriber{sub})
	s.Require().Len(out, 1)
	s.Equal(fresh.ID, out[0].Instance.ID)
}

func (s *ControllerSuite) TestPrivateDeliveredOnlyToAddressee() {
	alice := newSubscriber(21, evNotice)
	bob := newSubscriber(22, evNotice)
	s.Nil(s.ctrl.InitPSubscription(alice.subs[evNotice], alice.client))
	s.Nil(s.ctrl.InitPSubscription(bob.subs[evNotice], bob.client))

	inst := s.instance(evNotice, 1)
	inst.Addressee = alice.client
	out := s.ctrl.AcceptPEvent(inst, []Subscriber{alice, bob})
	s.Require().Len(out, 1)
	s.Equal(alice.client, out[0].Subscriber.ClientID())

	s.Nil(s.ctrl.GetNextEvent(alice.subs[evNotice], inst.ID, alice.client))
	s.Empty(s.ctrl.Backlog(evNotice, 1), "acknowledged private instances are removed")

	s.ctrl.Close()
	s.Equal([]id.InstanceID{inst.ID}, s.registry.Deleted())
}

func (s *ControllerSuite) TestPrivateCapacity() {
	for range models.PrivateQueueSize + 1 {
		inst := s.instance(evNotice, 1)
		inst.Addressee = 5
		s.ctrl.AcceptPEvent(inst, nil)
	}
	backlog := s.ctrl.Backlog(evNotice, 1)
	s.Len(backlog, models.PrivateQueueSize)
	s.Equal(id.InstanceID(2), backlog[0].ID)
}

func (s *ControllerSuite) TestOversizedArgsAreDropped() {
	inst := s.instance(evAlarm, 1)
	inst.Args = make([]byte, models.MaxInlineArgs+1)
	s.ctrl.AcceptQEvent(inst, nil)

	backlog := s.ctrl.Backlog(evAlarm, 1)
	s.Require().Len(backlog, 1)
	s.Nil(backlog[0].Args)
	s.True(backlog[0].ArgsDropped)
}

func TestSingleServiceCollapsesServices(t *testing.T) {
	reg := &recordingRegistry{}
	ctrl := NewSingleService(id.SiteID(uuid.New()), definitions(), nil, reg)
	defer ctrl.Close()

	ctrl.AcceptQEvent(models.Instance{Event: evAlarm, ID: 1, Service: 4}, nil)
	ctrl.AcceptQEvent(models.Instance{Event: evAlarm, ID: 2, Service: 4}, nil)
	ctrl.AcceptQEvent(models.Instance{Event: evAlarm, ID: 3, Service: 4}, nil)
	assert.Len(t, ctrl.Backlog(evAlarm, 0), 2)
	assert.Len(t, ctrl.Backlog(evAlarm, 4), 2)

	stateless := newSubscriber(0, evAlarm)
	stateless.stateless = true
	cursor := stateless.subs[evAlarm]
	ctrl.AuthorizeQSubscription(cursor, models.StatelessAuthority())
	assert.False(t, cursor.Authorized)
}

func TestRestoreFromHistory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	history := []models.Instance{
		{Event: evAlarm, ID: 9, Service: 1, CreatedAt: now},
		{Event: evAlarm, ID: 4, Service: 1, CreatedAt: now},
		{Event: evAlarm, ID: 7, Service: 1, CreatedAt: now},
		{Event: evState, ID: 3, Service: 1, CreatedAt: now},
		{Event: evState, ID: 5, Service: 1, CreatedAt: now, Null: true},
		{Event: 99, ID: 1, Service: 1, CreatedAt: now},
	}
	reg := &recordingRegistry{}
	ctrl := NewMultiService(id.SiteID(uuid.New()), definitions(), history, reg)

	backlog := ctrl.Backlog(evAlarm, 1)
	require.Len(t, backlog, 2)
	assert.Equal(t, id.InstanceID(7), backlog[0].ID)
	assert.Equal(t, id.InstanceID(9), backlog[1].ID)
	state := ctrl.Backlog(evState, 1)
	require.Len(t, state, 1)
	assert.Equal(t, id.InstanceID(5), state[0].ID)
	assert.True(t, state[0].Null)
	assert.Equal(t, now.Add(60*time.Second), ctrl.Monitor(now))

	ctrl.Close()
	assert.Equal(t, []id.InstanceID{4}, reg.Deleted())
}

func TestRestoredNullMatchesResidentController(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	value := models.Instance{Event: evState, ID: 3, Service: 1, CreatedAt: now}
	cleared := models.Instance{Event: evState, ID: 5, Service: 1, CreatedAt: now, Null: true}

	resident := NewMultiService(id.SiteID(uuid.New()), definitions(), nil, &recordingRegistry{})
	defer resident.Close()
	resident.AcceptREvent(value, nil)
	resident.AcceptREvent(cleared, nil)

	reloaded := NewMultiService(id.SiteID(uuid.New()), definitions(), []models.Instance{cleared}, &recordingRegistry{})
	defer reloaded.Close()

	for name, ctrl := range map[string]Controller{"resident": resident, "reloaded": reloaded} {
		t.Run(name, func(t *testing.T) {
			sub := &models.Subscription{Event: evState, Delivered: value.ID}
			next := ctrl.AuthorizeRSubscription(sub, models.UserAuthority{UserID: 1})
			require.NotNil(t, next, "a client behind the clear must receive it")
			assert.Equal(t, cleared.ID, next.ID)
			assert.True(t, next.Null)

			prev, skip := ctrl.PrepareREvent(evState, 1, false)
			assert.Equal(t, cleared.ID, prev)
			assert.False(t, skip)

			_, skip = ctrl.PrepareREvent(evState, 1, true)
			assert.True(t, skip)
		})
	}
}
