// Package registry is the durable store behind every site: site records,
// membership, services, settings and event history.
//
// Implementations return sentinel.ErrNotFound for missing entities and
// dErrors.CodeDataIntegrity for snapshots that are internally inconsistent.
// Any other error is treated as transient by callers.
package registry

import (
	"context"
	"fmt"

	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

// Registry is the contract the site runtime depends on.
type Registry interface {
	// LoadSite returns everything needed to bring a site into memory.
	LoadSite(ctx context.Context, siteID id.SiteID) (models.Snapshot, error)
	FetchSite(ctx context.Context, siteID id.SiteID) (models.SiteInfo, error)
	// SubmitStructure records the first structure of a blank site and returns
	// its hash. A site that already has a structure yields ErrConflict.
	SubmitStructure(ctx context.Context, siteID id.SiteID, service id.ServiceID, structure models.Structure) (uint64, error)

	FetchUser(ctx context.Context, siteID id.SiteID, user id.UserID) (models.MUser, error)
	FetchRoster(ctx context.Context, siteID id.SiteID) (models.Roster, error)
	FetchService(ctx context.Context, siteID id.SiteID, service id.ServiceID) (models.ServiceInfo, error)
	FetchSettings(ctx context.Context, siteID id.SiteID) (models.Settings, error)

	// InsertEventInstance persists a queueing or private instance and returns
	// it with its assigned id and creation time.
	InsertEventInstance(ctx context.Context, siteID id.SiteID, inst models.Instance) (models.Instance, error)
	// ReplaceEventInstance invalidates prev (if non-zero) and inserts inst in
	// one transaction.
	ReplaceEventInstance(ctx context.Context, siteID id.SiteID, prev id.InstanceID, inst models.Instance) (models.Instance, error)
	DeleteEventInstance(ctx context.Context, siteID id.SiteID, event id.EventID, instance id.InstanceID) error

	UpdateServiceHostname(ctx context.Context, siteID id.SiteID, service id.ServiceID, hostname, version string) error
	// IsResidencyEligible reports whether an idle site should stay in memory.
	IsResidencyEligible(ctx context.Context, siteID id.SiteID) (bool, error)
}

// ValidateStructure checks a submitted structure before it is stored.
func ValidateStructure(structure models.Structure) error {
	if len(structure.Events) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "structure has no events")
	}
	seen := make(map[id.EventID]bool, len(structure.Events))
	for _, def := range structure.Events {
		if def.ID == 0 || seen[def.ID] {
			return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid or duplicate event id %d", def.ID))
		}
		if def.Kind < models.Replacing || def.Kind > models.Private {
			return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("event %d has unknown kind", def.ID))
		}
		seen[def.ID] = true
	}
	return nil
}
