// Package memory is an in-process Registry used by tests and single-node
// development runs. Mutation helpers mirror what the administrative surface
// does to the durable store; callers notify resident sites themselves.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"

	"beacon/internal/registry"
	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
)

type site struct {
	info      models.SiteInfo
	users     map[id.UserID]models.MUser
	roles     map[id.RoleID]models.MRole
	guests    bool
	stateless bool
	services  map[id.ServiceID]models.ServiceInfo
	settings  models.Settings
	events    []models.EventDef
	instances map[id.EventID][]models.Instance
	nextID    map[id.EventID]id.InstanceID
}

// Registry stores every site in memory.
type Registry struct {
	mu    sync.RWMutex
	clock clock.Clock
	sites map[id.SiteID]*site
	fail  map[string]error
}

type Option func(*Registry)

func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.clock = clk
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock: clock.New(),
		sites: make(map[id.SiteID]*site),
		fail:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Site is the seed for one tenant.
type Site struct {
	Info     models.SiteInfo
	Roster   models.Roster
	Services []models.ServiceInfo
	Settings models.Settings
	Events   []models.EventDef
}

// PutSite creates or replaces a site. A non-empty Events list is accepted as
// the site's structure.
func (r *Registry) PutSite(seed Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &site{
		info:      seed.Info,
		users:     make(map[id.UserID]models.MUser),
		roles:     make(map[id.RoleID]models.MRole),
		guests:    seed.Roster.GuestAllowed,
		stateless: seed.Roster.StatelessAllowed,
		services:  make(map[id.ServiceID]models.ServiceInfo),
		settings:  seed.Settings,
		instances: make(map[id.EventID][]models.Instance),
		nextID:    make(map[id.EventID]id.InstanceID),
	}
	for _, u := range seed.Roster.Users {
		u.Confirmed = true
		s.users[u.ID] = u
	}
	for _, role := range seed.Roster.Roles {
		s.roles[role.ID] = role
	}
	for _, svc := range seed.Services {
		s.services[svc.ID] = svc
	}
	if len(seed.Events) > 0 {
		s.events = slices.Clone(seed.Events)
		if s.info.StructureHash == 0 {
			s.info.StructureHash = digest.Of(s.events)
		}
	}
	r.sites[seed.Info.ID] = s
}

// FailNext makes the next call of op return err. Used to exercise refresh and
// persistence failures.
func (r *Registry) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = err
}

func (r *Registry) injected(op string) error {
	err, ok := r.fail[op]
	if !ok {
		return nil
	}
	delete(r.fail, op)
	return err
}

func (r *Registry) get(siteID id.SiteID) (*site, error) {
	s, ok := r.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("site %s: %w", siteID, sentinel.ErrNotFound)
	}
	return s, nil
}

// mutate runs fn on a stored site under the write lock.
func (r *Registry) mutate(siteID id.SiteID, fn func(s *site)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(siteID)
	if err != nil {
		return err
	}
	fn(s)
	return nil
}

func (r *Registry) LoadSite(_ context.Context, siteID id.SiteID) (models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("LoadSite"); err != nil {
		return models.Snapshot{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{
		Site:     s.info,
		Roster:   s.roster(),
		Services: s.serviceList(),
		Events:   slices.Clone(s.events),
		Settings: s.settings,
	}
	for event, list := range s.instances {
		if !s.hasEvent(event) {
			return models.Snapshot{}, dErrors.New(dErrors.CodeDataIntegrity, fmt.Sprintf("instances stored for undefined event %d", event))
		}
		snap.History = append(snap.History, list...)
	}
	slices.SortFunc(snap.History, func(a, b models.Instance) int {
		if a.Event != b.Event {
			return cmp.Compare(a.Event, b.Event)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return snap, nil
}

func (r *Registry) FetchSite(_ context.Context, siteID id.SiteID) (models.SiteInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("FetchSite"); err != nil {
		return models.SiteInfo{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.SiteInfo{}, err
	}
	return s.info, nil
}

func (r *Registry) SubmitStructure(_ context.Context, siteID id.SiteID, service id.ServiceID, structure models.Structure) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("SubmitStructure"); err != nil {
		return 0, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return 0, err
	}
	if s.info.HasStructure() {
		return s.info.StructureHash, fmt.Errorf("site %s already has a structure: %w", siteID, sentinel.ErrConflict)
	}
	if _, ok := s.services[service]; !ok {
		return 0, fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
	}
	if err := registry.ValidateStructure(structure); err != nil {
		return 0, err
	}
	s.events = slices.Clone(structure.Events)
	s.info.StructureHash = digest.Of(s.events)
	return s.info.StructureHash, nil
}

func (r *Registry) FetchUser(_ context.Context, siteID id.SiteID, user id.UserID) (models.MUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("FetchUser"); err != nil {
		return models.MUser{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.MUser{}, err
	}
	u, ok := s.users[user]
	if !ok {
		return models.MUser{}, fmt.Errorf("user %d: %w", user, sentinel.ErrNotFound)
	}
	u.Roles = slices.Clone(u.Roles)
	return u, nil
}

func (r *Registry) FetchRoster(_ context.Context, siteID id.SiteID) (models.Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("FetchRoster"); err != nil {
		return models.Roster{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.Roster{}, err
	}
	return s.roster(), nil
}

func (r *Registry) FetchService(_ context.Context, siteID id.SiteID, service id.ServiceID) (models.ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("FetchService"); err != nil {
		return models.ServiceInfo{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.ServiceInfo{}, err
	}
	svc, ok := s.services[service]
	if !ok {
		return models.ServiceInfo{}, fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
	}
	return svc, nil
}

func (r *Registry) FetchSettings(_ context.Context, siteID id.SiteID) (models.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("FetchSettings"); err != nil {
		return models.Settings{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.Settings{}, err
	}
	return s.settings, nil
}

func (r *Registry) InsertEventInstance(_ context.Context, siteID id.SiteID, inst models.Instance) (models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("InsertEventInstance"); err != nil {
		return models.Instance{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.Instance{}, err
	}
	return r.insert(s, inst)
}

func (r *Registry) ReplaceEventInstance(_ context.Context, siteID id.SiteID, prev id.InstanceID, inst models.Instance) (models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("ReplaceEventInstance"); err != nil {
		return models.Instance{}, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return models.Instance{}, err
	}
	if prev != 0 {
		s.remove(inst.Event, prev)
	}
	return r.insert(s, inst)
}

func (r *Registry) insert(s *site, inst models.Instance) (models.Instance, error) {
	if !s.hasEvent(inst.Event) {
		return models.Instance{}, dErrors.New(dErrors.CodeDataIntegrity, fmt.Sprintf("event %d is not defined", inst.Event))
	}
	s.nextID[inst.Event]++
	inst.ID = s.nextID[inst.Event]
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = r.clock.Now()
	}
	inst.Args = slices.Clone(inst.Args)
	s.instances[inst.Event] = append(s.instances[inst.Event], inst)
	return inst, nil
}

func (r *Registry) DeleteEventInstance(_ context.Context, siteID id.SiteID, event id.EventID, instance id.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("DeleteEventInstance"); err != nil {
		return err
	}
	s, err := r.get(siteID)
	if err != nil {
		return err
	}
	s.remove(event, instance)
	return nil
}

func (r *Registry) UpdateServiceHostname(_ context.Context, siteID id.SiteID, service id.ServiceID, hostname, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("UpdateServiceHostname"); err != nil {
		return err
	}
	s, err := r.get(siteID)
	if err != nil {
		return err
	}
	svc, ok := s.services[service]
	if !ok {
		return fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
	}
	svc.Hostname = hostname
	svc.Version = version
	s.services[service] = svc
	return nil
}

func (r *Registry) IsResidencyEligible(_ context.Context, siteID id.SiteID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected("IsResidencyEligible"); err != nil {
		return false, err
	}
	s, err := r.get(siteID)
	if err != nil {
		return false, err
	}
	return s.info.Eligible, nil
}

// Instances returns the stored instances of event, oldest first.
func (r *Registry) Instances(siteID id.SiteID, event id.EventID) []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[siteID]
	if !ok {
		return nil
	}
	return slices.Clone(s.instances[event])
}

// Mutation helpers.

func (r *Registry) PutUser(siteID id.SiteID, u models.MUser) error {
	return r.mutate(siteID, func(s *site) {
		u.Confirmed = true
		u.Roles = slices.Clone(u.Roles)
		s.users[u.ID] = u
	})
}

func (r *Registry) DeleteUser(siteID id.SiteID, user id.UserID) error {
	return r.mutate(siteID, func(s *site) { delete(s.users, user) })
}

func (r *Registry) PutRole(siteID id.SiteID, role models.MRole) error {
	return r.mutate(siteID, func(s *site) { s.roles[role.ID] = role })
}

func (r *Registry) DeleteRole(siteID id.SiteID, role id.RoleID) error {
	return r.mutate(siteID, func(s *site) { delete(s.roles, role) })
}

func (r *Registry) SetGuestAccess(siteID id.SiteID, guests, stateless bool) error {
	return r.mutate(siteID, func(s *site) {
		s.guests = guests
		s.stateless = stateless
	})
}

func (r *Registry) PutService(siteID id.SiteID, svc models.ServiceInfo) error {
	return r.mutate(siteID, func(s *site) { s.services[svc.ID] = svc })
}

func (r *Registry) DeleteService(siteID id.SiteID, service id.ServiceID) error {
	return r.mutate(siteID, func(s *site) { delete(s.services, service) })
}

func (r *Registry) SetSettings(siteID id.SiteID, settings models.Settings) error {
	return r.mutate(siteID, func(s *site) { s.settings = settings })
}

func (r *Registry) SetSiteEnabled(siteID id.SiteID, enabled bool) error {
	return r.mutate(siteID, func(s *site) { s.info.Enabled = enabled })
}

func (r *Registry) SetEligible(siteID id.SiteID, eligible bool) error {
	return r.mutate(siteID, func(s *site) { s.info.Eligible = eligible })
}

func (r *Registry) DeleteSite(siteID id.SiteID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, siteID)
}

func (s *site) roster() models.Roster {
	out := models.Roster{GuestAllowed: s.guests, StatelessAllowed: s.stateless}
	for _, u := range s.users {
		u.Roles = slices.Clone(u.Roles)
		out.Users = append(out.Users, u)
	}
	for _, role := range s.roles {
		out.Roles = append(out.Roles, role)
	}
	slices.SortFunc(out.Users, func(a, b models.MUser) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(out.Roles, func(a, b models.MRole) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *site) serviceList() []models.ServiceInfo {
	out := make([]models.ServiceInfo, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	slices.SortFunc(out, func(a, b models.ServiceInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *site) hasEvent(event id.EventID) bool {
	return slices.ContainsFunc(s.events, func(d models.EventDef) bool { return d.ID == event })
}

func (s *site) remove(event id.EventID, instance id.InstanceID) {
	s.instances[event] = slices.DeleteFunc(s.instances[event], func(i models.Instance) bool {
		return i.ID == instance
	})
}
