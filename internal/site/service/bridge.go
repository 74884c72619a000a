package service

import (
	"context"

	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// bridge is the callback surface the sub-components use to reach their site.
// Every method runs with the site mutex already held.
type bridge struct {
	s *Site
}

func (b bridge) Run(name string, fetch func(ctx context.Context) error, commit func()) {
	b.s.Run(name, fetch, commit)
}

func (b bridge) BroadcastToServices(msg models.Message) {
	for _, svc := range b.s.services {
		if svc.online {
			b.s.send(svc.inst, msg.Module, msg.Tag, msg.Body)
		}
	}
}

func (b bridge) BroadcastToClients(msg models.Message) {
	for _, c := range b.s.clients {
		if c.online {
			b.s.send(c.inst, msg.Module, msg.Tag, msg.Body)
		}
	}
}

func (b bridge) SendToService(service id.ServiceID, msg models.Message) {
	if svc, ok := b.s.services[service]; ok && svc.online {
		b.s.send(svc.inst, msg.Module, msg.Tag, msg.Body)
	}
}

func (b bridge) clientsOf(user id.UserID) []*Client {
	var out []*Client
	for _, c := range b.s.clients {
		if !c.guest && c.UserID == user {
			out = append(out, c)
		}
	}
	return out
}

func (b bridge) ShutdownUser(user id.UserID, code models.ErrorCode) {
	for _, c := range b.clientsOf(user) {
		b.s.rejectClient(c, code)
	}
}

func (b bridge) DemoteUser(user id.UserID) {
	for _, c := range b.clientsOf(user) {
		online, parked := c.online, c.parked
		c.clear(b.s.metrics, c.kind())
		c.guest = true
		c.authority = models.GuestAuthority()
		b.s.send(c.inst, models.ModuleMembership, models.TagClientReclassified, models.ClientReclassified{Guest: true})
		switch {
		case online:
			c.setOnline(b.s.metrics, c.kind())
			b.s.reauthorize(c)
		case parked == models.ParkPendingAuthorization:
			b.s.goOnline(c, c.authority)
		case parked != 0:
			c.setParked(b.s.metrics, c.kind(), parked)
		}
	}
}

func (b bridge) UpdateAuthority(user id.UserID, authority models.UserAuthority) {
	for _, c := range b.clientsOf(user) {
		if !c.online {
			continue
		}
		c.authority = authority
		b.s.reauthorize(c)
	}
}

func (b bridge) ResolveParked(user id.UserID, decision models.Decision) {
	for _, c := range b.clientsOf(user) {
		if c.parked == models.ParkPendingAuthorization {
			b.s.applyDecision(c, decision)
		}
	}
}

func (b bridge) ShutdownGuests(statelessOnly bool, code models.ErrorCode) {
	for _, c := range b.s.clients {
		if c.stateless || (c.guest && !statelessOnly) {
			b.s.rejectClient(c, code)
		}
	}
}

func (b bridge) ShutdownConsumer(client id.ClientID, code models.ErrorCode) {
	if c, ok := b.s.clients[client]; ok && !c.guest {
		b.s.rejectClient(c, code)
	}
}

func (b bridge) ServiceDisabled(service id.ServiceID) {
	svc, ok := b.s.services[service]
	if !ok {
		return
	}
	svc.setParked(b.s.metrics, kindService, models.ParkServiceDisabled)
}

func (b bridge) ServiceEnabled(service id.ServiceID) {
	svc, ok := b.s.services[service]
	if !ok || svc.parked != models.ParkServiceDisabled || !b.s.info.Enabled {
		return
	}
	if b.s.state == models.StateBlank {
		b.s.installBlankService(svc)
		return
	}
	b.s.activateService(svc)
}

func (b bridge) ShutdownService(service id.ServiceID, code models.ErrorCode) {
	if svc, ok := b.s.services[service]; ok {
		delete(b.s.services, service)
		b.s.rejectService(svc, code)
	}
}
