package servicegroup

import (
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/sentinel"
)

// Single is the group of a single-service site. The topology is fixed; only
// the hostname of the one service can change.
type Single struct {
	*group
}

var _ ServiceGroup = (*Single)(nil)

func NewSingle(siteID id.SiteID, services []models.ServiceInfo, site Site, registry Registry, opts ...Option) *Single {
	return &Single{group: newGroup(siteID, services, site, registry, opts...)}
}

func (g *Single) OnServiceCreated(id.ServiceID) error { return sentinel.ErrUnsupported }
func (g *Single) OnServiceDeleted(id.ServiceID) error { return sentinel.ErrUnsupported }

func (g *Single) OnEnabledStatusChanged(id.ServiceID) error { return sentinel.ErrUnsupported }

func (g *Single) OnHostnameChanged(service id.ServiceID) error {
	if _, ok := g.services[service]; !ok {
		return sentinel.ErrNotFound
	}
	g.refreshService(service, g.applyHostname)
	return nil
}
