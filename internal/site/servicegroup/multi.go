package servicegroup

import (
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// Multi is the group of a multi-service site. Services come and go through
// administrative notifications, each resolved with a coalesced registry fetch.
type Multi struct {
	*group
}

var _ ServiceGroup = (*Multi)(nil)

func NewMulti(siteID id.SiteID, services []models.ServiceInfo, site Site, registry Registry, opts ...Option) *Multi {
	return &Multi{group: newGroup(siteID, services, site, registry, opts...)}
}

// New builds the variant for a site kind.
func New(kind models.Kind, siteID id.SiteID, services []models.ServiceInfo, site Site, registry Registry, opts ...Option) ServiceGroup {
	if kind == models.KindMultiService {
		return NewMulti(siteID, services, site, registry, opts...)
	}
	return NewSingle(siteID, services, site, registry, opts...)
}

func (g *Multi) OnServiceCreated(service id.ServiceID) error {
	g.refreshService(service, g.applyService)
	return nil
}

func (g *Multi) OnServiceDeleted(service id.ServiceID) error {
	g.refreshService(service, g.applyService)
	return nil
}

func (g *Multi) OnHostnameChanged(service id.ServiceID) error {
	g.refreshService(service, g.applyService)
	return nil
}

func (g *Multi) OnEnabledStatusChanged(service id.ServiceID) error {
	g.refreshService(service, g.applyService)
	return nil
}

// applyService reconciles one service record with the registry.
func (g *Multi) applyService(service id.ServiceID, info models.ServiceInfo, missing bool) {
	cur, known := g.services[service]
	switch {
	case missing && !known:
		return
	case missing:
		delete(g.services, service)
		delete(g.online, service)
		g.site.ShutdownService(service, models.CodeServiceNotRegistered)
		g.broadcast(models.TagServiceRemoved, models.ServiceRef{ID: service})
		return
	case !known:
		info.ID = service
		g.services[service] = &info
		g.broadcast(models.TagServiceIncluded, g.entry(&info))
		return
	}

	prev := *cur
	if prev == info {
		return
	}
	*cur = info
	cur.ID = service
	if prev.Hostname != info.Hostname && g.online[service] {
		g.site.SendToService(service, models.Message{
			Module: models.ModuleTopology,
			Tag:    models.TagHostnameCorrection,
			Body:   models.HostnameCorrection{Hostname: info.Hostname},
		})
	}
	if prev.Enabled != info.Enabled {
		g.logger.Info("service enabled status changed",
			"site_id", g.siteID,
			"service_id", service,
			"enabled", info.Enabled,
		)
		if info.Enabled {
			g.site.ServiceEnabled(service)
		} else {
			g.SetOffline(service)
			g.site.ServiceDisabled(service)
		}
	}
	g.broadcast(models.TagServiceUpdated, g.entry(cur))
}
