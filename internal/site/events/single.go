package events

import (
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// SingleService is the controller for sites with exactly one service. The
// per-service dimension collapses and stateless subscribers are not served.
type SingleService struct {
	*core
}

var _ Controller = (*SingleService)(nil)

func NewSingleService(siteID id.SiteID, defs []models.EventDef, history []models.Instance, registry Registry, opts ...Option) *SingleService {
	return &SingleService{core: newCore(siteID, defs, history, registry, true, false, opts...)}
}
