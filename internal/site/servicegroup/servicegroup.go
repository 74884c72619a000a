// Package servicegroup tracks the backend services of a site and keeps
// connected clients informed of topology changes.
//
// Like membership, a ServiceGroup is only touched with the site mutex held.
package servicegroup

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	"beacon/internal/site/refresh"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/sentinel"
)

// Registry is the subset of the registry the service group uses.
type Registry interface {
	FetchService(ctx context.Context, siteID id.SiteID, service id.ServiceID) (models.ServiceInfo, error)
	UpdateServiceHostname(ctx context.Context, siteID id.SiteID, service id.ServiceID, hostname, version string) error
}

// Site is what the service group needs from its owning site.
type Site interface {
	refresh.Runner
	BroadcastToClients(msg models.Message)
	SendToService(service id.ServiceID, msg models.Message)
	// ServiceDisabled parks the connected endpoint of service.
	ServiceDisabled(service id.ServiceID)
	// ServiceEnabled brings a parked service endpoint back online.
	ServiceEnabled(service id.ServiceID)
	ShutdownService(service id.ServiceID, code models.ErrorCode)
}

// ServiceGroup is implemented by the single and multi variants.
type ServiceGroup interface {
	Lookup(service id.ServiceID) (models.ServiceInfo, bool)
	Services() []models.ServiceEntry
	Hash() uint64

	// SyncClient sends the service list unless the client already holds knownHash.
	SyncClient(inst models.Installer, knownHash uint64) error
	// OnServiceInstalled reconciles what a connecting service reports with
	// the registered record. It runs before the service goes online.
	OnServiceInstalled(inst models.Installer, hello models.ServiceHello) error
	SetOnline(service id.ServiceID)
	SetOffline(service id.ServiceID)

	OnServiceCreated(service id.ServiceID) error
	OnServiceDeleted(service id.ServiceID) error
	OnHostnameChanged(service id.ServiceID) error
	OnEnabledStatusChanged(service id.ServiceID) error
}

type Option func(*group)

func WithLogger(logger *slog.Logger) Option {
	return func(g *group) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type group struct {
	siteID   id.SiteID
	site     Site
	registry Registry
	logger   *slog.Logger

	services map[id.ServiceID]*models.ServiceInfo
	online   map[id.ServiceID]bool
	hash     uint64

	flags refresh.Set[id.ServiceID]
}

func newGroup(siteID id.SiteID, services []models.ServiceInfo, site Site, registry Registry, opts ...Option) *group {
	g := &group{
		siteID:   siteID,
		site:     site,
		registry: registry,
		logger:   slog.Default(),
		services: make(map[id.ServiceID]*models.ServiceInfo, len(services)),
		online:   make(map[id.ServiceID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	for _, svc := range services {
		g.services[svc.ID] = &svc
	}
	g.rehash()
	return g
}

func (g *group) entry(svc *models.ServiceInfo) models.ServiceEntry {
	return models.ServiceEntry{
		ID:       svc.ID,
		Hostname: svc.Hostname,
		Version:  svc.Version,
		Enabled:  svc.Enabled,
		Online:   g.online[svc.ID],
	}
}

func (g *group) Services() []models.ServiceEntry {
	out := make([]models.ServiceEntry, 0, len(g.services))
	for _, svc := range g.services {
		out = append(out, g.entry(svc))
	}
	slices.SortFunc(out, func(a, b models.ServiceEntry) int { return int(a.ID) - int(b.ID) })
	return out
}

func (g *group) rehash() {
	g.hash = digest.Of(g.Services())
}

func (g *group) Hash() uint64 {
	return g.hash
}

func (g *group) Lookup(service id.ServiceID) (models.ServiceInfo, bool) {
	svc, ok := g.services[service]
	if !ok {
		return models.ServiceInfo{}, false
	}
	return *svc, true
}

func (g *group) SyncClient(inst models.Installer, knownHash uint64) error {
	if knownHash == g.hash {
		return nil
	}
	return inst.Send(models.Message{
		Module: models.ModuleTopology,
		Tag:    models.TagServiceList,
		Body:   models.ServiceList{Services: g.Services(), Hash: g.hash},
	})
}

func (g *group) broadcast(tag models.Tag, body any) {
	g.rehash()
	g.site.BroadcastToClients(models.Message{Module: models.ModuleTopology, Tag: tag, Body: body})
}

func (g *group) SetOnline(service id.ServiceID) {
	if _, ok := g.services[service]; !ok || g.online[service] {
		return
	}
	g.online[service] = true
	g.broadcast(models.TagServiceOnline, models.ServiceRef{ID: service})
}

func (g *group) SetOffline(service id.ServiceID) {
	if !g.online[service] {
		return
	}
	delete(g.online, service)
	g.broadcast(models.TagServiceOffline, models.ServiceRef{ID: service})
}

func (g *group) OnServiceInstalled(inst models.Installer, hello models.ServiceHello) error {
	svc, ok := g.services[hello.ServiceID]
	if !ok {
		return sentinel.ErrNotFound
	}
	hostname := svc.Hostname
	switch {
	case hostname == "":
		hostname = hello.Hostname
	case hello.Hostname != hostname:
		err := inst.Send(models.Message{
			Module: models.ModuleTopology,
			Tag:    models.TagHostnameCorrection,
			Body:   models.HostnameCorrection{Hostname: hostname},
		})
		if err != nil {
			return err
		}
	}
	if hostname == svc.Hostname && hello.Version == svc.Version {
		return nil
	}
	g.recordDrift(hello.ServiceID, hostname, hello.Version)
	return nil
}

// recordDrift persists the reported hostname and version, then applies them.
func (g *group) recordDrift(service id.ServiceID, hostname, version string) {
	g.site.Run("servicegroup.drift", func(ctx context.Context) error {
		return g.registry.UpdateServiceHostname(ctx, g.siteID, service, hostname, version)
	}, func() {
		svc, ok := g.services[service]
		if !ok {
			return
		}
		svc.Hostname = hostname
		svc.Version = version
		g.broadcast(models.TagServiceUpdated, g.entry(svc))
	})
}

func (g *group) refreshService(service id.ServiceID, apply func(service id.ServiceID, info models.ServiceInfo, missing bool)) {
	if !g.flags.Trigger(service) {
		return
	}
	g.startRefresh(service, apply)
}

func (g *group) startRefresh(service id.ServiceID, apply func(service id.ServiceID, info models.ServiceInfo, missing bool)) {
	var (
		info    models.ServiceInfo
		missing bool
	)
	g.site.Run("servicegroup.service", func(ctx context.Context) error {
		svc, err := g.registry.FetchService(ctx, g.siteID, service)
		if errors.Is(err, sentinel.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		info = svc
		return nil
	}, func() {
		again := g.flags.Done(service)
		apply(service, info, missing)
		if again {
			g.startRefresh(service, apply)
		}
	})
}

// applyHostname takes only the hostname from a fetched record.
func (g *group) applyHostname(service id.ServiceID, info models.ServiceInfo, missing bool) {
	svc, ok := g.services[service]
	if missing || !ok || svc.Hostname == info.Hostname {
		return
	}
	svc.Hostname = info.Hostname
	g.logger.Info("service hostname changed",
		"site_id", g.siteID,
		"service_id", service,
		"hostname", info.Hostname,
	)
	if g.online[service] {
		g.site.SendToService(service, models.Message{
			Module: models.ModuleTopology,
			Tag:    models.TagHostnameCorrection,
			Body:   models.HostnameCorrection{Hostname: info.Hostname},
		})
	}
	g.broadcast(models.TagServiceUpdated, g.entry(svc))
}
