package testutil

import (
	"time"

	"github.com/google/uuid"

	"beacon/internal/registry/memory"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// TestIDs provides convenient pre-generated IDs for tests.
// Use these for deterministic test data.
var TestIDs = struct {
	SiteID1 id.SiteID
	SiteID2 id.SiteID
}{
	SiteID1: id.SiteID(uuid.MustParse("5e7e0000-0000-0000-0000-000000000001")),
	SiteID2: id.SiteID(uuid.MustParse("5e7e0000-0000-0000-0000-000000000002")),
}

// SiteBuilder provides a fluent interface for building memory registry seeds.
type SiteBuilder struct {
	seed memory.Site
}

// NewSiteBuilder creates a builder for an enabled multi-service site with
// no structure and default ping periods.
func NewSiteBuilder() *SiteBuilder {
	siteID := id.SiteID(uuid.New())
	return &SiteBuilder{seed: memory.Site{
		Info: models.SiteInfo{
			ID:      siteID,
			UID:     "site-" + siteID.String()[:8],
			Kind:    models.KindMultiService,
			Enabled: true,
		},
		Settings: models.Settings{
			ServicePingPeriod: 30 * time.Second,
			ClientPingPeriod:  60 * time.Second,
		},
	}}
}

func (b *SiteBuilder) WithID(siteID id.SiteID) *SiteBuilder {
	b.seed.Info.ID = siteID
	return b
}

func (b *SiteBuilder) WithUID(uid string) *SiteBuilder {
	b.seed.Info.UID = uid
	return b
}

func (b *SiteBuilder) WithKind(kind models.Kind) *SiteBuilder {
	b.seed.Info.Kind = kind
	return b
}

func (b *SiteBuilder) RoleBased() *SiteBuilder {
	b.seed.Info.RoleBased = true
	return b
}

func (b *SiteBuilder) Disabled() *SiteBuilder {
	b.seed.Info.Enabled = false
	return b
}

func (b *SiteBuilder) Eligible() *SiteBuilder {
	b.seed.Info.Eligible = true
	return b
}

func (b *SiteBuilder) AllowGuests(stateless bool) *SiteBuilder {
	b.seed.Roster.GuestAllowed = true
	b.seed.Roster.StatelessAllowed = stateless
	return b
}

func (b *SiteBuilder) WithRole(role id.RoleID, name string) *SiteBuilder {
	b.seed.Roster.Roles = append(b.seed.Roster.Roles, models.MRole{ID: role, Name: name})
	return b
}

// WithUser adds an enabled, confirmed user.
func (b *SiteBuilder) WithUser(user id.UserID, name string, roles ...id.RoleID) *SiteBuilder {
	b.seed.Roster.Users = append(b.seed.Roster.Users, models.MUser{
		ID:        user,
		Name:      name,
		Roles:     roles,
		Enabled:   true,
		Confirmed: true,
	})
	return b
}

// WithService adds an enabled service.
func (b *SiteBuilder) WithService(service id.ServiceID, hostname string) *SiteBuilder {
	b.seed.Services = append(b.seed.Services, models.ServiceInfo{
		ID:       service,
		Hostname: hostname,
		Version:  "1.0",
		Enabled:  true,
	})
	return b
}

// WithEvents sets the accepted structure. A site without events is blank.
func (b *SiteBuilder) WithEvents(defs ...models.EventDef) *SiteBuilder {
	b.seed.Events = append(b.seed.Events, defs...)
	return b
}

func (b *SiteBuilder) Build() memory.Site {
	return b.seed
}

// ReplacingEvent returns a replacing definition visible to roles.
func ReplacingEvent(event id.EventID, name string, roles ...id.RoleID) models.EventDef {
	return models.EventDef{ID: event, Name: name, Kind: models.Replacing, QueueSize: 1, Roles: roles}
}

// QueueingEvent returns a queueing definition with a bounded backlog.
func QueueingEvent(event id.EventID, name string, size int, lifetime time.Duration) models.EventDef {
	return models.EventDef{ID: event, Name: name, Kind: models.Queueing, QueueSize: size, Lifetime: lifetime}
}

// PrivateEvent returns a private definition.
func PrivateEvent(event id.EventID, name string) models.EventDef {
	return models.EventDef{ID: event, Name: name, Kind: models.Private, QueueSize: models.PrivateQueueSize}
}
