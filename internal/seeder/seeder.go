// Package seeder populates the in-memory registry with a demo site so a
// development server can be exercised with tokens from cmd/tokengen.
package seeder

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"beacon/internal/registry/memory"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// DemoSiteID is stable across restarts so saved tokens keep working.
var DemoSiteID = id.SiteID(uuid.MustParse("00000000-0000-4000-8000-00000000beac"))

// SiteStore accepts seeded sites.
type SiteStore interface {
	PutSite(seed memory.Site)
}

// Seeder populates a registry with demo data
type Seeder struct {
	sites  SiteStore
	logger *slog.Logger
}

func New(sites SiteStore, logger *slog.Logger) *Seeder {
	return &Seeder{sites: sites, logger: logger}
}

// SeedAll writes the demo site and returns its ID.
func (s *Seeder) SeedAll() id.SiteID {
	seed := DemoSite()
	s.sites.PutSite(seed)
	s.logger.Info("demo site seeded",
		"site_id", seed.Info.ID.String(),
		"users", len(seed.Roster.Users),
		"services", len(seed.Services),
		"events", len(seed.Events),
	)
	for _, svc := range seed.Services {
		s.logger.Info("demo service", "service_id", uint32(svc.ID), "hostname", svc.Hostname)
	}
	return seed.Info.ID
}

// DemoSite is a role-based multi-service site with one event of each kind.
func DemoSite() memory.Site {
	const (
		operators id.RoleID = 1
		viewers   id.RoleID = 2
	)
	demoUsers := []struct {
		id    id.UserID
		name  string
		roles []id.RoleID
	}{
		{1, "alice", []id.RoleID{operators, viewers}},
		{2, "bob", []id.RoleID{viewers}},
		{3, "carol", []id.RoleID{operators}},
	}

	seed := memory.Site{
		Info: models.SiteInfo{
			ID:        DemoSiteID,
			UID:       "demo",
			Kind:      models.KindMultiService,
			Enabled:   true,
			Eligible:  true,
			RoleBased: true,
		},
		Roster: models.Roster{
			Roles: []models.MRole{
				{ID: operators, Name: "operators"},
				{ID: viewers, Name: "viewers"},
			},
			GuestAllowed:     true,
			StatelessAllowed: true,
		},
		Settings: models.Settings{
			ServicePingPeriod: 30 * time.Second,
			ClientPingPeriod:  60 * time.Second,
		},
		Events: []models.EventDef{
			{ID: 1, Name: "status", Kind: models.Replacing, QueueSize: 1, Roles: []id.RoleID{viewers}, GuestAccess: true},
			{ID: 2, Name: "alarm", Kind: models.Queueing, QueueSize: 50, Lifetime: time.Hour, Roles: []id.RoleID{operators}},
			{ID: 3, Name: "page", Kind: models.Private, QueueSize: 20, Lifetime: 10 * time.Minute, Roles: []id.RoleID{operators, viewers}},
		},
	}
	for _, u := range demoUsers {
		seed.Roster.Users = append(seed.Roster.Users, models.MUser{
			ID:        u.id,
			Name:      u.name,
			Roles:     u.roles,
			Enabled:   true,
			Confirmed: true,
		})
	}
	for i, host := range []string{"gateway.demo.local", "sensors.demo.local"} {
		seed.Services = append(seed.Services, models.ServiceInfo{
			ID:       id.ServiceID(10 + i),
			Hostname: host,
			Version:  "1.0",
			Enabled:  true,
		})
	}
	return seed
}
