// Package events owns a site's event definitions and instances and implements
// replacing, queueing and private delivery on top of per-subscriber watermarks.
//
// The controller mutex is always acquired after the site mutex when both are
// needed. Nothing in this package calls back into the site.
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"beacon/internal/site/metrics"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// Subscriber is an online client as seen by the controller. The controller
// mutates the returned subscriptions in place.
type Subscriber interface {
	ClientID() id.ClientID
	Stateless() bool
	Subscription(event id.EventID) *models.Subscription
}

// Delivery pairs an instance with the subscriber it must be sent to. The
// subscription's Pending marker is already set to Instance.ID.
type Delivery struct {
	Subscriber Subscriber
	Kind       models.EventKind
	Instance   models.Instance
}

// Registry removes evicted and fully delivered instances from durable storage.
type Registry interface {
	DeleteEventInstance(ctx context.Context, siteID id.SiteID, event id.EventID, instance id.InstanceID) error
}

// Controller is implemented by the single-service and multi-service variants.
type Controller interface {
	Definition(event id.EventID) (models.EventDef, bool)
	Definitions() []models.EventDef

	// PrepareREvent reports the live instance a replacing event would replace
	// and whether the raise collapses into a no-op (null after null).
	PrepareREvent(event id.EventID, service id.ServiceID, null bool) (prev id.InstanceID, skip bool)

	AcceptREvent(inst models.Instance, subs []Subscriber) ([]Delivery, bool)
	AcceptQEvent(inst models.Instance, subs []Subscriber) []Delivery
	AcceptPEvent(inst models.Instance, subs []Subscriber) []Delivery

	AuthorizeRSubscription(sub *models.Subscription, who models.UserAuthority) *models.Instance
	AuthorizeQSubscription(sub *models.Subscription, who models.UserAuthority) *models.Instance
	InitPSubscription(sub *models.Subscription, client id.ClientID) *models.Instance

	GetNextEvent(sub *models.Subscription, delivered id.InstanceID, client id.ClientID) *models.Instance

	// Monitor evicts expired queueing and private instances and returns the
	// next time anything can expire (zero when nothing can).
	Monitor(now time.Time) time.Time

	Backlog(event id.EventID, service id.ServiceID) []models.Instance
	Close()
}

// Option configures a controller.
type Option func(*core)

func WithLogger(logger *slog.Logger) Option {
	return func(c *core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *core) {
		c.metrics = m
	}
}

// WithDeleteTimeout bounds each best-effort registry delete.
func WithDeleteTimeout(d time.Duration) Option {
	return func(c *core) {
		if d > 0 {
			c.deleteTimeout = d
		}
	}
}

// core holds the instance collections shared by both variants. The variants
// differ only in how the per-service dimension is indexed and whether
// stateless subscribers take part in fan-out.
type core struct {
	mu sync.Mutex

	siteID   id.SiteID
	registry Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	collapse        bool
	statelessFanout bool

	defs     map[id.EventID]models.EventDef
	live     map[id.EventID]map[id.ServiceID]*models.Instance
	backlogs map[id.EventID]map[id.ServiceID][]models.Instance
	nextWake time.Time

	deleteTimeout time.Duration
	wg            sync.WaitGroup
}

func newCore(siteID id.SiteID, defs []models.EventDef, history []models.Instance, registry Registry, collapse, statelessFanout bool, opts ...Option) *core {
	c := &core{
		siteID:          siteID,
		registry:        registry,
		logger:          slog.Default(),
		collapse:        collapse,
		statelessFanout: statelessFanout,
		defs:            make(map[id.EventID]models.EventDef, len(defs)),
		live:            make(map[id.EventID]map[id.ServiceID]*models.Instance),
		backlogs:        make(map[id.EventID]map[id.ServiceID][]models.Instance),
		deleteTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for _, d := range defs {
		c.defs[d.ID] = d
	}
	c.restore(history)
	return c
}

// restore rebuilds the in-memory collections from registry history. Entries
// beyond the current capacity are dropped oldest-first and deleted.
func (c *core) restore(history []models.Instance) {
	sorted := slices.Clone(history)
	slices.SortFunc(sorted, func(a, b models.Instance) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	for _, inst := range sorted {
		def, ok := c.defs[inst.Event]
		if !ok {
			continue
		}
		inst = inst.Trimmed()
		switch def.Kind {
		case models.Replacing:
			// A null is kept as the live instance, as AcceptREvent keeps it,
			// so subscribers behind it still learn the value was cleared.
			c.liveFor(def.ID)[c.key(inst.Service)] = &inst
		case models.Queueing, models.Private:
			c.push(def, inst, "restore")
		}
	}
	c.nextWake = c.computeWake()
}

func (c *core) key(service id.ServiceID) id.ServiceID {
	if c.collapse {
		return 0
	}
	return service
}

func (c *core) liveFor(event id.EventID) map[id.ServiceID]*models.Instance {
	m, ok := c.live[event]
	if !ok {
		m = make(map[id.ServiceID]*models.Instance)
		c.live[event] = m
	}
	return m
}

func (c *core) backlogFor(event id.EventID) map[id.ServiceID][]models.Instance {
	m, ok := c.backlogs[event]
	if !ok {
		m = make(map[id.ServiceID][]models.Instance)
		c.backlogs[event] = m
	}
	return m
}

// push appends inst to its bounded FIFO, evicting index 0 first when full.
func (c *core) push(def models.EventDef, inst models.Instance, reason string) {
	queues := c.backlogFor(def.ID)
	k := c.key(inst.Service)
	q := queues[k]
	for len(q) >= def.Capacity() {
		evicted := q[0]
		q = slices.Delete(q, 0, 1)
		c.metrics.IncrementEvicted(def.Kind.String(), reason)
		c.deleteAsync(evicted)
	}
	queues[k] = append(q, inst)
	if def.Expires() {
		deadline := inst.CreatedAt.Add(def.Lifetime)
		if c.nextWake.IsZero() || deadline.Before(c.nextWake) {
			c.nextWake = deadline
		}
	}
}

func (c *core) Definition(event id.EventID) (models.EventDef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[event]
	return def, ok
}

func (c *core) Definitions() []models.EventDef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b models.EventDef) int { return int(a.ID) - int(b.ID) })
	return out
}

func (c *core) PrepareREvent(event id.EventID, service id.ServiceID, null bool) (id.InstanceID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.live[event][c.key(service)]
	if cur == nil {
		return 0, null
	}
	return cur.ID, null && cur.Null
}

func (c *core) AcceptREvent(inst models.Instance, subs []Subscriber) ([]Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[inst.Event]
	if !ok || def.Kind != models.Replacing {
		return nil, false
	}
	live := c.liveFor(def.ID)
	k := c.key(inst.Service)
	cur := live[k]
	if inst.Null && (cur == nil || cur.Null) {
		return nil, false
	}
	if cur != nil && inst.ID <= cur.ID {
		return nil, false
	}
	inst = inst.Trimmed()
	live[k] = &inst
	c.metrics.IncrementAccepted(def.Kind.String())
	return c.fanout(def, inst, subs), true
}

func (c *core) AcceptQEvent(inst models.Instance, subs []Subscriber) []Delivery {
	return c.acceptQueued(models.Queueing, inst, subs)
}

func (c *core) AcceptPEvent(inst models.Instance, subs []Subscriber) []Delivery {
	if inst.Addressee.IsNil() {
		return nil
	}
	return c.acceptQueued(models.Private, inst, subs)
}

func (c *core) acceptQueued(kind models.EventKind, inst models.Instance, subs []Subscriber) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[inst.Event]
	if !ok || def.Kind != kind {
		return nil
	}
	inst = inst.Trimmed()
	c.push(def, inst, "overflow")
	c.metrics.IncrementAccepted(def.Kind.String())
	return c.fanout(def, inst, subs)
}

// fanout hands inst to every idle subscriber that is behind it.
func (c *core) fanout(def models.EventDef, inst models.Instance, subs []Subscriber) []Delivery {
	var out []Delivery
	for _, s := range subs {
		if s.Stateless() && !c.statelessFanout {
			continue
		}
		if def.Kind == models.Private && (s.Stateless() || s.ClientID() != inst.Addressee) {
			continue
		}
		sub := s.Subscription(def.ID)
		if sub == nil || !sub.Idle() || inst.ID <= sub.Delivered {
			continue
		}
		sub.Pending = inst.ID
		out = append(out, Delivery{Subscriber: s, Kind: def.Kind, Instance: inst})
	}
	c.metrics.AddDeliveries(def.Kind.String(), len(out))
	return out
}

func (c *core) permitted(def models.EventDef, who models.UserAuthority) bool {
	switch {
	case def.Kind == models.Private:
		return !who.Guest
	case who.Stateless:
		return c.statelessFanout && def.StatelessAccess
	case who.Guest:
		return def.GuestAccess
	case len(def.Roles) == 0:
		return true
	default:
		return who.HasAnyRole(def.Roles)
	}
}

func (c *core) AuthorizeRSubscription(sub *models.Subscription, who models.UserAuthority) *models.Instance {
	return c.authorize(models.Replacing, sub, who)
}

func (c *core) AuthorizeQSubscription(sub *models.Subscription, who models.UserAuthority) *models.Instance {
	return c.authorize(models.Queueing, sub, who)
}

func (c *core) authorize(kind models.EventKind, sub *models.Subscription, who models.UserAuthority) *models.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[sub.Event]
	if !ok || def.Kind != kind {
		sub.Authorized = false
		return nil
	}
	sub.Kind = def.Kind
	sub.Authorized = c.permitted(def, who)
	if !sub.Authorized {
		return nil
	}
	if who.Stateless && kind == models.Queueing {
		// Stateless subscribers never receive backlog, only what is raised next.
		if last := c.lastID(def); last > sub.Delivered {
			sub.Delivered = last
		}
	}
	return c.attachNext(def, sub, 0)
}

func (c *core) InitPSubscription(sub *models.Subscription, client id.ClientID) *models.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[sub.Event]
	if !ok || def.Kind != models.Private || client.IsNil() {
		sub.Authorized = false
		return nil
	}
	sub.Kind = def.Kind
	sub.Authorized = true
	return c.attachNext(def, sub, client)
}

func (c *core) GetNextEvent(sub *models.Subscription, delivered id.InstanceID, client id.ClientID) *models.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !sub.Authorized || sub.Pending == 0 || sub.Pending != delivered {
		return nil
	}
	def, ok := c.defs[sub.Event]
	if !ok {
		return nil
	}
	if delivered > sub.Delivered {
		sub.Delivered = delivered
	}
	sub.Pending = 0
	if def.Kind == models.Private {
		c.removeDelivered(def, delivered, client)
	}
	return c.attachNext(def, sub, client)
}

// attachNext marks the first undelivered instance as pending and returns a copy.
func (c *core) attachNext(def models.EventDef, sub *models.Subscription, client id.ClientID) *models.Instance {
	if sub.Pending != 0 {
		return nil
	}
	next := c.firstAfter(def, sub.Delivered, client)
	if next == nil {
		return nil
	}
	sub.Pending = next.ID
	out := *next
	return &out
}

// firstAfter returns the lowest-id instance above watermark visible to client.
func (c *core) firstAfter(def models.EventDef, watermark id.InstanceID, client id.ClientID) *models.Instance {
	var best *models.Instance
	consider := func(inst *models.Instance) {
		if inst.ID <= watermark {
			return
		}
		if def.Kind == models.Private && inst.Addressee != client {
			return
		}
		if best == nil || inst.ID < best.ID {
			best = inst
		}
	}
	if def.Kind == models.Replacing {
		for _, inst := range c.live[def.ID] {
			consider(inst)
		}
		return best
	}
	for _, q := range c.backlogs[def.ID] {
		for i := range q {
			if q[i].ID <= watermark {
				continue
			}
			if def.Kind == models.Private && q[i].Addressee != client {
				continue
			}
			// Backlogs are ordered; the first match is this queue's candidate.
			consider(&q[i])
			break
		}
	}
	return best
}

func (c *core) lastID(def models.EventDef) id.InstanceID {
	var last id.InstanceID
	for _, q := range c.backlogs[def.ID] {
		if n := len(q); n > 0 && q[n-1].ID > last {
			last = q[n-1].ID
		}
	}
	return last
}

// removeDelivered drops an acknowledged private instance without waiting for TTL.
func (c *core) removeDelivered(def models.EventDef, instance id.InstanceID, client id.ClientID) {
	queues := c.backlogs[def.ID]
	for k, q := range queues {
		idx := slices.IndexFunc(q, func(inst models.Instance) bool {
			return inst.ID == instance && inst.Addressee == client
		})
		if idx < 0 {
			continue
		}
		removed := q[idx]
		queues[k] = slices.Delete(q, idx, idx+1)
		c.metrics.IncrementEvicted(def.Kind.String(), "delivered")
		c.deleteAsync(removed)
		return
	}
}

func (c *core) Monitor(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextWake.IsZero() || now.Before(c.nextWake) {
		return c.nextWake
	}
	var next time.Time
	for eventID, queues := range c.backlogs {
		def := c.defs[eventID]
		if !def.Expires() {
			continue
		}
		for k, q := range queues {
			n := 0
			for n < len(q) && !now.Before(q[n].CreatedAt.Add(def.Lifetime)) {
				c.metrics.IncrementEvicted(def.Kind.String(), "expired")
				c.deleteAsync(q[n])
				n++
			}
			if n > 0 {
				q = slices.Delete(q, 0, n)
				queues[k] = q
			}
			if len(q) > 0 {
				deadline := q[0].CreatedAt.Add(def.Lifetime)
				if next.IsZero() || deadline.Before(next) {
					next = deadline
				}
			}
		}
	}
	c.nextWake = next
	return next
}

func (c *core) computeWake() time.Time {
	var next time.Time
	for eventID, queues := range c.backlogs {
		def := c.defs[eventID]
		if !def.Expires() {
			continue
		}
		for _, q := range queues {
			if len(q) == 0 {
				continue
			}
			deadline := q[0].CreatedAt.Add(def.Lifetime)
			if next.IsZero() || deadline.Before(next) {
				next = deadline
			}
		}
	}
	return next
}

func (c *core) Backlog(event id.EventID, service id.ServiceID) []models.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[event]
	if !ok {
		return nil
	}
	if def.Kind == models.Replacing {
		if inst := c.live[event][c.key(service)]; inst != nil {
			return []models.Instance{*inst}
		}
		return nil
	}
	return slices.Clone(c.backlogs[event][c.key(service)])
}

// deleteAsync removes an instance from durable storage off the critical path.
func (c *core) deleteAsync(inst models.Instance) {
	if c.registry == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.deleteTimeout)
		defer cancel()
		if err := c.registry.DeleteEventInstance(ctx, c.siteID, inst.Event, inst.ID); err != nil {
			c.logger.Warn("event instance delete failed",
				"site_id", c.siteID,
				"event_id", inst.Event,
				"instance_id", inst.ID,
				"error", err,
			)
		}
	}()
}

// Close waits for outstanding registry deletes.
func (c *core) Close() {
	c.wg.Wait()
}
