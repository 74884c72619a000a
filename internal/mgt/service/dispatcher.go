// Package service routes administrative change notifications to resident
// sites and publishes them for other processes.
package service

import (
	"context"
	"log/slog"

	"beacon/internal/mgt/models"
	"beacon/internal/platform/metrics"
	sitesvc "beacon/internal/site/service"
	id "beacon/pkg/domain"
)

// SiteLocator finds resident sites without loading them.
type SiteLocator interface {
	Site(siteID id.SiteID) (*sitesvc.Site, bool)
}

// ResidencyForgetter drops cached residency answers.
type ResidencyForgetter interface {
	ForgetResidency(ctx context.Context, siteID id.SiteID) error
}

// Dispatcher applies notifications to the sites resident in this process.
// Sites that are not resident are skipped: they read fresh registry state
// when they next load.
type Dispatcher struct {
	sites     SiteLocator
	residency ResidencyForgetter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithResidency(r ResidencyForgetter) Option {
	return func(d *Dispatcher) {
		d.residency = r
	}
}

func NewDispatcher(sites SiteLocator, opts ...Option) *Dispatcher {
	d := &Dispatcher{sites: sites, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

const (
	outcomeApplied     = "applied"
	outcomeNotResident = "not_resident"
	outcomeRejected    = "rejected"
)

// Dispatch validates n and forwards it to the matching Site callback.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification) error {
	n.Normalize()
	if err := n.Validate(); err != nil {
		d.metrics.IncrementMgt(string(n.Kind), outcomeRejected)
		return err
	}

	if n.AffectsResidency() && d.residency != nil {
		if err := d.residency.ForgetResidency(ctx, n.SiteID); err != nil {
			d.logger.WarnContext(ctx, "failed to forget residency", "site_id", n.SiteID.String(), "error", err)
		}
	}
	if n.Kind == models.KindResidencyChanged {
		d.metrics.IncrementMgt(string(n.Kind), outcomeApplied)
		return nil
	}

	site, ok := d.sites.Site(n.SiteID)
	if !ok {
		d.metrics.IncrementMgt(string(n.Kind), outcomeNotResident)
		d.logger.DebugContext(ctx, "notification for non-resident site", "site_id", n.SiteID.String(), "kind", n.Kind)
		return nil
	}
	apply(site, n)
	d.metrics.IncrementMgt(string(n.Kind), outcomeApplied)
	d.logger.InfoContext(ctx, "notification applied", "site_id", n.SiteID.String(), "kind", n.Kind)
	return nil
}

func apply(s *sitesvc.Site, n models.Notification) {
	switch n.Kind {
	case models.KindUserUpdated:
		s.MgtOnUserUpdated(n.UserID)
	case models.KindUserDeleted:
		s.MgtOnUserDeleted(n.UserID)
	case models.KindUsersUpdated:
		s.MgtOnUsersUpdated()
	case models.KindRolesUpdated:
		s.MgtOnRolesUpdated()
	case models.KindGuestStatusChanged:
		s.MgtOnGuestStatusChanged()
	case models.KindContactDisabled:
		s.MgtOnContactDisabled(n.UserID)
	case models.KindContactDeleted:
		s.MgtOnContactDeleted(n.UserID)
	case models.KindConsumerDisabled:
		s.MgtOnConsumerDisabled(n.ClientID)
	case models.KindConsumerDeleted:
		s.MgtOnConsumerDeleted(n.ClientID)
	case models.KindServiceCreated:
		s.MgtOnServiceCreated(n.ServiceID)
	case models.KindServiceDeleted:
		s.MgtOnServiceDeleted(n.ServiceID)
	case models.KindHostnameChanged:
		s.MgtOnHostnameChanged(n.ServiceID)
	case models.KindServiceEnabledChanged:
		s.MgtOnServiceEnabledChanged(n.ServiceID)
	case models.KindPingPeriodChanged:
		s.MgtOnPingPeriodChanged()
	case models.KindSiteEnabledChanged:
		s.MgtOnSiteEnabledChanged()
	case models.KindSiteDeleted:
		s.MgtOnSiteDeleted()
	}
}
