package service

import (
	"github.com/google/uuid"

	"beacon/internal/site/metrics"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// guestIDBase is the first site-local id handed to guest clients. Registered
// client ids must stay below it.
const guestIDBase id.ClientID = 1 << 31

const (
	kindService   = "service"
	kindClient    = "client"
	kindGuest     = "guest"
	kindStateless = "stateless"
)

// endpoint is the connection state shared by services and clients. It is only
// read or written with the site mutex held.
type endpoint struct {
	site     id.SiteID
	inst     models.Installer
	attached bool
	online   bool
	parked   models.ParkReason
}

func (e *endpoint) SiteID() id.SiteID { return e.site }

func (e *endpoint) ChannelID() uuid.UUID { return e.inst.ChannelID() }

func (e *endpoint) setOnline(m *metrics.Metrics, kind string) {
	if e.parked != 0 {
		m.AddParked(kind, -1)
		e.parked = 0
	}
	if !e.online {
		e.online = true
		m.AddOnline(kind, 1)
	}
	e.inst.SetOnline()
}

func (e *endpoint) setParked(m *metrics.Metrics, kind string, reason models.ParkReason) {
	if e.online {
		e.online = false
		m.AddOnline(kind, -1)
	}
	if e.parked == 0 {
		m.AddParked(kind, 1)
	}
	e.parked = reason
	e.inst.SetParked(reason)
}

func (e *endpoint) clear(m *metrics.Metrics, kind string) {
	if e.online {
		m.AddOnline(kind, -1)
	}
	if e.parked != 0 {
		m.AddParked(kind, -1)
	}
	e.online = false
	e.parked = 0
}

// Service is a connected backend service.
type Service struct {
	endpoint
	ID    id.ServiceID
	hello models.ServiceHello
}

// Client is a connected consumer. Guests carry a site-local id and no user.
type Client struct {
	endpoint
	ID        id.ClientID
	UserID    id.UserID
	hello     models.ClientHello
	guest     bool
	stateless bool
	authority models.UserAuthority
	subs      map[id.EventID]*models.Subscription
}

func (c *Client) kind() string {
	switch {
	case c.stateless:
		return kindStateless
	case c.guest:
		return kindGuest
	default:
		return kindClient
	}
}

// ClientID, Stateless and Subscription make a Client an events.Subscriber.
func (c *Client) ClientID() id.ClientID { return c.ID }
func (c *Client) Stateless() bool       { return c.stateless }
func (c *Client) Subscription(event id.EventID) *models.Subscription {
	return c.subs[event]
}
