package events

import (
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// MultiService keeps one backlog per originating service and also fans
// replacing and queueing instances out to stateless subscribers.
type MultiService struct {
	*core
}

var _ Controller = (*MultiService)(nil)

func NewMultiService(siteID id.SiteID, defs []models.EventDef, history []models.Instance, registry Registry, opts ...Option) *MultiService {
	return &MultiService{core: newCore(siteID, defs, history, registry, false, true, opts...)}
}

// New builds the controller variant for a site kind.
func New(kind models.Kind, siteID id.SiteID, defs []models.EventDef, history []models.Instance, registry Registry, opts ...Option) Controller {
	if kind == models.KindMultiService {
		return NewMultiService(siteID, defs, history, registry, opts...)
	}
	return NewSingleService(siteID, defs, history, registry, opts...)
}
