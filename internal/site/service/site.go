// Package service hosts the per-site runtime coordinator and the tracker that
// indexes resident sites.
//
// A Site owns its membership, service group, event controller and sync
// controllers. Every mutation happens under the site mutex; registry I/O is
// done outside it and committed after re-validating the site state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"beacon/internal/registry"
	"beacon/internal/site/events"
	"beacon/internal/site/membership"
	"beacon/internal/site/metrics"
	"beacon/internal/site/models"
	"beacon/internal/site/refresh"
	"beacon/internal/site/servicegroup"
	"beacon/internal/site/syncctl"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
)

// Config holds the timing parameters of resident sites.
type Config struct {
	// GracePeriod keeps an idle site resident after its last endpoint left.
	GracePeriod time.Duration
	// RegistryTimeout bounds every registry round-trip made by a site.
	RegistryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:     30 * time.Second,
		RegistryTimeout: 10 * time.Second,
	}
}

// Site is the runtime coordinator of one tenant.
type Site struct {
	mu sync.Mutex

	id       id.SiteID
	cfg      Config
	registry registry.Registry
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onRemove func(*Site)

	state models.State
	info  models.SiteInfo

	services  map[id.ServiceID]*Service
	clients   map[id.ClientID]*Client
	queued    []any
	nextGuest id.ClientID

	group       servicegroup.ServiceGroup
	members     membership.Membership
	events      events.Controller
	serviceSync *syncctl.Controller
	clientSync  *syncctl.Controller

	siteFlag refresh.Flag
	building bool

	live        int
	lastRelease time.Time
	nextMonitor time.Time

	wg sync.WaitGroup
}

func newSite(siteID id.SiteID, reg registry.Registry, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics, onRemove func(*Site)) *Site {
	return &Site{
		id:          siteID,
		cfg:         cfg,
		registry:    reg,
		clock:       clk,
		logger:      logger.With("site_id", siteID.String()),
		metrics:     m,
		onRemove:    onRemove,
		state:       models.StateInitial,
		services:    make(map[id.ServiceID]*Service),
		clients:     make(map[id.ClientID]*Client),
		nextGuest:   guestIDBase,
		lastRelease: clk.Now(),
	}
}

func (s *Site) ID() id.SiteID { return s.id }

// State returns the current lifecycle state.
func (s *Site) State() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time summary of a resident site.
type Status struct {
	ID       id.SiteID
	UID      string
	State    models.State
	Kind     models.Kind
	Services int
	Clients  int
	Live     int
}

func (s *Site) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:       s.id,
		UID:      s.info.UID,
		State:    s.state,
		Kind:     s.info.Kind,
		Services: len(s.services),
		Clients:  len(s.clients),
		Live:     s.live,
	}
}

// Wait blocks until background refreshes and structure builds have finished.
func (s *Site) Wait() {
	s.wg.Wait()
}

// Load brings the site into memory from the registry and drives any endpoint
// that tried to install while loading.
func (s *Site) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.StateInitial {
		state := s.state
		s.mu.Unlock()
		return dErrors.New(dErrors.CodeInvalidState, fmt.Sprintf("site is %s", state))
	}
	s.state = models.StateLoading
	s.mu.Unlock()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegistryTimeout)
	snap, err := s.registry.LoadSite(ctx, s.id)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.StateCompleted {
		s.metrics.ObserveLoad(start, "aborted")
		return dErrors.New(dErrors.CodeRestart, "site removed while loading")
	}
	if err != nil {
		s.metrics.ObserveLoad(start, "error")
		s.logger.Error("site load failed", "error", err)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.removeLocked(models.CodeSiteDeleted)
			return dErrors.Wrap(err, dErrors.CodeNotFound, "site not found")
		}
		s.removeLocked(codeFor(err))
		return dErrors.Wrap(err, dErrors.CodeRestart, "load site")
	}
	if snap.Site.Kind == models.KindSingleService && len(snap.Services) > 1 {
		s.metrics.ObserveLoad(start, "error")
		s.logger.Error("single-service site has several services", "services", len(snap.Services))
		s.removeLocked(models.CodeDataIntegrity)
		return dErrors.New(dErrors.CodeDataIntegrity, fmt.Sprintf("single-service site has %d services", len(snap.Services)))
	}

	s.build(snap)
	if snap.Site.HasStructure() {
		s.state = models.StateRunning
	} else {
		s.state = models.StateBlank
	}
	s.metrics.ObserveLoad(start, s.state.String())
	s.logger.Info("site loaded",
		"state", s.state.String(),
		"kind", s.info.Kind.String(),
		"services", len(snap.Services),
		"users", len(snap.Roster.Users),
		"events", len(snap.Events),
	)

	queued := s.queued
	s.queued = nil
	for _, ep := range queued {
		switch e := ep.(type) {
		case *Service:
			s.installService(e)
		case *Client:
			s.installClient(e)
		}
	}
	return nil
}

// build constructs the sub-components from a snapshot. Variants are chosen
// here once and never switched.
func (s *Site) build(snap models.Snapshot) {
	s.info = snap.Site
	b := bridge{s}
	s.group = servicegroup.New(s.info.Kind, s.id, snap.Services, b, s.registry, servicegroup.WithLogger(s.logger))
	s.members = membership.New(s.info.RoleBased, s.id, snap.Roster, b, s.registry, membership.WithLogger(s.logger))
	s.serviceSync = syncctl.NewService(s.id, snap.Settings, b, s.registry, syncctl.WithLogger(s.logger))
	s.clientSync = syncctl.NewClient(s.id, snap.Settings, b, s.registry, syncctl.WithLogger(s.logger))
	if snap.Site.HasStructure() {
		s.buildEvents(snap)
	}
}

func (s *Site) buildEvents(snap models.Snapshot) {
	s.events = events.New(s.info.Kind, s.id, snap.Events, snap.History, s.registry,
		events.WithLogger(s.logger),
		events.WithMetrics(s.metrics),
		events.WithDeleteTimeout(s.cfg.RegistryTimeout),
	)
}

// codeFor maps a registry failure to the shutdown code used for teardown.
func codeFor(err error) models.ErrorCode {
	if dErrors.IsRetryable(err) {
		return models.CodeRestart
	}
	return models.CodeDataIntegrity
}

// Run implements refresh.Runner. It is called with the site mutex held.
func (s *Site) Run(name string, fetch func(ctx context.Context) error, commit func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegistryTimeout)
		err := fetch(ctx)
		cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != models.StateRunning && s.state != models.StateBlank {
			return
		}
		if err != nil {
			s.metrics.IncrementRefresh(name, "error")
			s.logger.Error("registry refresh failed", "refresh", name, "error", err)
			s.removeLocked(codeFor(err))
			return
		}
		s.metrics.IncrementRefresh(name, "ok")
		commit()
	}()
}

// Remove notifies every endpoint with code and drops the site.
func (s *Site) Remove(code models.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(code)
}

// OnDeleted is the teardown used when the tenant was deleted administratively.
func (s *Site) OnDeleted() {
	s.Remove(models.CodeSiteDeleted)
}

func (s *Site) removeLocked(code models.ErrorCode) {
	if s.state == models.StateCompleted {
		return
	}
	s.logger.Info("removing site", "code", code.String(), "state", s.state.String())
	s.state = models.StateCompleted
	s.metrics.IncrementRemoval(code.String())
	s.release(func(inst models.Installer) { inst.Shutdown(code) })
	if s.onRemove != nil {
		s.onRemove(s)
	}
}

// Terminate closes every endpoint without notification. It is used on
// process shutdown.
func (s *Site) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.StateCompleted {
		return
	}
	s.state = models.StateCompleted
	s.release(models.Installer.Close)
}

// release detaches every endpoint, queued or installed, with fn.
func (s *Site) release(fn func(models.Installer)) {
	for _, ep := range s.queued {
		switch e := ep.(type) {
		case *Service:
			fn(e.inst)
			s.detachService(e)
		case *Client:
			fn(e.inst)
			s.detachClient(e)
		}
	}
	s.queued = nil
	for _, svc := range s.services {
		fn(svc.inst)
		s.detachService(svc)
	}
	for _, c := range s.clients {
		fn(c.inst)
		s.detachClient(c)
	}
	if ctrl := s.events; ctrl != nil {
		go ctrl.Close()
	}
}

// IsAlive reports whether the site should stay resident. It also runs the
// event TTL sweep.
func (s *Site) IsAlive(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	if s.state == models.StateCompleted {
		s.mu.Unlock()
		return false
	}
	if s.events != nil {
		s.nextMonitor = s.events.Monitor(now)
	}
	if s.busyLocked(now) {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegistryTimeout)
	eligible, err := s.registry.IsResidencyEligible(ctx, s.id)
	cancel()
	if err != nil {
		s.logger.Warn("residency check failed", "error", err)
		return true
	}
	if eligible {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.StateCompleted {
		return false
	}
	if s.busyLocked(now) {
		return true
	}
	s.logger.Info("site expired")
	s.state = models.StateCompleted
	s.release(models.Installer.Close)
	return false
}

func (s *Site) busyLocked(now time.Time) bool {
	if s.state == models.StateInitial || s.state == models.StateLoading || s.building {
		return true
	}
	return s.live > 0 || now.Sub(s.lastRelease) < s.cfg.GracePeriod
}

// NextMonitor is the earliest time an event instance can expire.
func (s *Site) NextMonitor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextMonitor
}
