package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"beacon/internal/registry"
	"beacon/internal/site/metrics"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	psync "beacon/pkg/platform/sync"
)

// Tracker indexes the sites resident in this process.
type Tracker struct {
	registry registry.Registry
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// creating serializes get-or-create per site id.
	creating *psync.ShardedMutex

	mu    sync.RWMutex
	sites map[id.SiteID]*Site
}

type TrackerOption func(*Tracker)

func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithClock(clk clock.Clock) TrackerOption {
	return func(t *Tracker) {
		if clk != nil {
			t.clock = clk
		}
	}
}

func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithConfig(cfg Config) TrackerOption {
	return func(t *Tracker) {
		if cfg.GracePeriod > 0 {
			t.cfg.GracePeriod = cfg.GracePeriod
		}
		if cfg.RegistryTimeout > 0 {
			t.cfg.RegistryTimeout = cfg.RegistryTimeout
		}
	}
}

func NewTracker(reg registry.Registry, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		registry: reg,
		cfg:      DefaultConfig(),
		clock:    clock.New(),
		logger:   slog.Default(),
		creating: psync.NewShardedMutex(0),
		sites:    make(map[id.SiteID]*Site),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Acquire returns the resident site for siteID, loading it first if needed.
// Concurrent callers for a site that is still loading get the same Site and
// their endpoints are queued until the load completes.
func (t *Tracker) Acquire(ctx context.Context, siteID id.SiteID) (*Site, error) {
	t.creating.Lock(siteID)
	if s, ok := t.Site(siteID); ok {
		if s.State() != models.StateCompleted {
			t.creating.Unlock(siteID)
			return s, nil
		}
		// Expired but not swept yet.
		t.drop(s)
	}
	s := newSite(siteID, t.registry, t.cfg, t.clock, t.logger, t.metrics, t.drop)
	t.mu.Lock()
	t.sites[siteID] = s
	t.mu.Unlock()
	t.metrics.AddResident(1)
	t.creating.Unlock(siteID)

	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Site looks up a resident site without loading it.
func (t *Tracker) Site(siteID id.SiteID) (*Site, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sites[siteID]
	return s, ok
}

// Resident returns how many sites are indexed.
func (t *Tracker) Resident() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sites)
}

// Sites returns a snapshot of the resident sites.
func (t *Tracker) Sites() []*Site {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Site, 0, len(t.sites))
	for _, s := range t.sites {
		out = append(out, s)
	}
	return out
}

// Statuses summarizes every resident site, ordered by UID.
func (t *Tracker) Statuses() []Status {
	sites := t.Sites()
	out := make([]Status, 0, len(sites))
	for _, s := range sites {
		out = append(out, s.Status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.UID, b.UID) })
	return out
}

// drop removes s from the index if it is still the resident site for its id.
// It is called with the site mutex held.
func (t *Tracker) drop(s *Site) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sites[s.id] != s {
		return
	}
	delete(t.sites, s.id)
	t.metrics.AddResident(-1)
}

// Sweep asks every resident site whether it should stay in memory and drops
// the ones that should not. It returns how many sites were dropped.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.clock.Now()
	dropped := 0
	for _, s := range t.Sites() {
		if ctx.Err() != nil {
			break
		}
		if s.IsAlive(ctx, now) {
			continue
		}
		t.logger.InfoContext(ctx, "site evicted", "site_id", s.id.String())
		t.drop(s)
		dropped++
	}
	return dropped
}

// Terminate closes every resident site without notification and waits for
// their background work to finish.
func (t *Tracker) Terminate() {
	t.mu.Lock()
	sites := make([]*Site, 0, len(t.sites))
	for siteID, s := range t.sites {
		sites = append(sites, s)
		delete(t.sites, siteID)
	}
	t.mu.Unlock()
	t.metrics.AddResident(-float64(len(sites)))
	for _, s := range sites {
		s.Terminate()
	}
	for _, s := range sites {
		s.Wait()
	}
}

// Shutdown notifies every endpoint of every resident site with
// CodeServerShutdown and drops the sites.
func (t *Tracker) Shutdown() {
	for _, s := range t.Sites() {
		s.Remove(models.CodeServerShutdown)
		s.Wait()
	}
}
