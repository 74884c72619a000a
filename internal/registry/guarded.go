package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"beacon/internal/registry/metrics"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/circuit"
	"beacon/pkg/platform/sentinel"
)

// ResidencyCache holds recent residency eligibility answers.
type ResidencyCache interface {
	// Eligible returns the cached answer and whether one was found.
	Eligible(ctx context.Context, siteID id.SiteID) (eligible, found bool, err error)
	Store(ctx context.Context, siteID id.SiteID, eligible bool) error
	Forget(ctx context.Context, siteID id.SiteID) error
}

// Guarded wraps a Registry with tracing, latency metrics and a circuit
// breaker. While the circuit is open calls fail fast with
// dErrors.CodeUnavailable, which sites treat as retryable.
type Guarded struct {
	inner     Registry
	breaker   *circuit.Breaker
	residency ResidencyCache
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type GuardedOption func(*Guarded)

func WithBreaker(b *circuit.Breaker) GuardedOption {
	return func(g *Guarded) {
		if b != nil {
			g.breaker = b
		}
	}
}

func WithResidencyCache(c ResidencyCache) GuardedOption {
	return func(g *Guarded) {
		g.residency = c
	}
}

func WithTracer(tr trace.Tracer) GuardedOption {
	return func(g *Guarded) {
		if tr != nil {
			g.tracer = tr
		}
	}
}

func WithMetrics(m *metrics.Metrics) GuardedOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func WithLogger(logger *slog.Logger) GuardedOption {
	return func(g *Guarded) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGuarded(inner Registry, opts ...GuardedOption) *Guarded {
	g := &Guarded{
		inner:   inner,
		breaker: circuit.New("registry"),
		tracer:  defaultTracer(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var errCircuitOpen = dErrors.Wrap(sentinel.ErrUnavailable, dErrors.CodeUnavailable, "registry circuit open")

// guard runs fn inside a span, times it and feeds the breaker.
func guard[T any](ctx context.Context, g *Guarded, op string, siteID id.SiteID, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := startSpan(ctx, g.tracer, op, siteID)
	if !g.breaker.Allow() {
		var zero T
		span.SetAttributes(attribute.Bool(AttrCircuitOpen, true))
		g.metrics.IncrementRejected(op)
		endSpan(span, errCircuitOpen)
		return zero, errCircuitOpen
	}

	start := time.Now()
	out, err := fn(ctx)
	g.metrics.ObserveCall(op, time.Since(start).Seconds())

	if err != nil && countsAsFailure(err) {
		g.metrics.IncrementErrors(op)
		if g.breaker.RecordFailure().Opened {
			g.logger.ErrorContext(ctx, "registry circuit opened", "circuit", g.breaker.Name(), "op", op, "error", err)
		}
	} else if g.breaker.RecordSuccess().Closed {
		g.logger.InfoContext(ctx, "registry circuit closed", "circuit", g.breaker.Name())
	}
	g.metrics.SetCircuitState(int(g.breaker.State()))
	endSpan(span, err)
	return out, err
}

// countsAsFailure separates infrastructure failures from answers. Missing
// entities, conflicts, domain errors and caller cancellation say nothing
// about the store's health.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, sentinel.ErrNotFound),
		errors.Is(err, sentinel.ErrConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	var de *dErrors.Error
	return !errors.As(err, &de)
}

func (g *Guarded) LoadSite(ctx context.Context, siteID id.SiteID) (models.Snapshot, error) {
	return guard(ctx, g, "load_site", siteID, func(ctx context.Context) (models.Snapshot, error) {
		return g.inner.LoadSite(ctx, siteID)
	})
}

func (g *Guarded) FetchSite(ctx context.Context, siteID id.SiteID) (models.SiteInfo, error) {
	return guard(ctx, g, "fetch_site", siteID, func(ctx context.Context) (models.SiteInfo, error) {
		return g.inner.FetchSite(ctx, siteID)
	})
}

func (g *Guarded) SubmitStructure(ctx context.Context, siteID id.SiteID, service id.ServiceID, structure models.Structure) (uint64, error) {
	return guard(ctx, g, "submit_structure", siteID, func(ctx context.Context) (uint64, error) {
		return g.inner.SubmitStructure(ctx, siteID, service, structure)
	})
}

func (g *Guarded) FetchUser(ctx context.Context, siteID id.SiteID, user id.UserID) (models.MUser, error) {
	return guard(ctx, g, "fetch_user", siteID, func(ctx context.Context) (models.MUser, error) {
		return g.inner.FetchUser(ctx, siteID, user)
	})
}

func (g *Guarded) FetchRoster(ctx context.Context, siteID id.SiteID) (models.Roster, error) {
	return guard(ctx, g, "fetch_roster", siteID, func(ctx context.Context) (models.Roster, error) {
		return g.inner.FetchRoster(ctx, siteID)
	})
}

func (g *Guarded) FetchService(ctx context.Context, siteID id.SiteID, service id.ServiceID) (models.ServiceInfo, error) {
	return guard(ctx, g, "fetch_service", siteID, func(ctx context.Context) (models.ServiceInfo, error) {
		return g.inner.FetchService(ctx, siteID, service)
	})
}

func (g *Guarded) FetchSettings(ctx context.Context, siteID id.SiteID) (models.Settings, error) {
	return guard(ctx, g, "fetch_settings", siteID, func(ctx context.Context) (models.Settings, error) {
		return g.inner.FetchSettings(ctx, siteID)
	})
}

func (g *Guarded) InsertEventInstance(ctx context.Context, siteID id.SiteID, inst models.Instance) (models.Instance, error) {
	return guard(ctx, g, "insert_event_instance", siteID, func(ctx context.Context) (models.Instance, error) {
		return g.inner.InsertEventInstance(ctx, siteID, inst)
	})
}

func (g *Guarded) ReplaceEventInstance(ctx context.Context, siteID id.SiteID, prev id.InstanceID, inst models.Instance) (models.Instance, error) {
	return guard(ctx, g, "replace_event_instance", siteID, func(ctx context.Context) (models.Instance, error) {
		return g.inner.ReplaceEventInstance(ctx, siteID, prev, inst)
	})
}

func (g *Guarded) DeleteEventInstance(ctx context.Context, siteID id.SiteID, event id.EventID, instance id.InstanceID) error {
	_, err := guard(ctx, g, "delete_event_instance", siteID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.DeleteEventInstance(ctx, siteID, event, instance)
	})
	return err
}

func (g *Guarded) UpdateServiceHostname(ctx context.Context, siteID id.SiteID, service id.ServiceID, hostname, version string) error {
	_, err := guard(ctx, g, "update_service_hostname", siteID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.UpdateServiceHostname(ctx, siteID, service, hostname, version)
	})
	return err
}

// IsResidencyEligible answers from the residency cache when it can and
// stores fresh answers. Cache failures fall through to the registry.
func (g *Guarded) IsResidencyEligible(ctx context.Context, siteID id.SiteID) (bool, error) {
	if g.residency != nil {
		eligible, found, err := g.residency.Eligible(ctx, siteID)
		switch {
		case err != nil:
			g.logger.WarnContext(ctx, "residency cache lookup failed", "site_id", siteID.String(), "error", err)
		case found:
			g.metrics.RecordResidencyHit()
			return eligible, nil
		default:
			g.metrics.RecordResidencyMiss()
		}
	}

	eligible, err := guard(ctx, g, "is_residency_eligible", siteID, func(ctx context.Context) (bool, error) {
		return g.inner.IsResidencyEligible(ctx, siteID)
	})
	if err != nil {
		return false, err
	}
	if g.residency != nil {
		if err := g.residency.Store(ctx, siteID, eligible); err != nil {
			g.logger.WarnContext(ctx, "residency cache store failed", "site_id", siteID.String(), "error", err)
		}
	}
	return eligible, nil
}

// ForgetResidency drops the cached eligibility answer for siteID.
func (g *Guarded) ForgetResidency(ctx context.Context, siteID id.SiteID) error {
	if g.residency == nil {
		return nil
	}
	return g.residency.Forget(ctx, siteID)
}

var _ Registry = (*Guarded)(nil)
