package service

import (
	"context"
	"errors"

	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	"beacon/pkg/platform/sentinel"
)

// InstallService admits a service that completed its handshake. The returned
// handle is used for the service's inbound messages and for Uninstall.
func (s *Site) InstallService(hello models.ServiceHello, inst models.Installer) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc := &Service{endpoint: endpoint{site: s.id, inst: inst}, ID: hello.ServiceID, hello: hello}
	s.attach(&svc.endpoint)
	if s.state == models.StateInitial || s.state == models.StateLoading {
		s.queued = append(s.queued, svc)
		return svc
	}
	s.installService(svc)
	return svc
}

// InstallClient admits a registered client.
func (s *Site) InstallClient(hello models.ClientHello, inst models.Installer) *Client {
	return s.newClient(hello, inst, false, false)
}

// InstallGuestClient admits an anonymous client.
func (s *Site) InstallGuestClient(hello models.ClientHello, inst models.Installer) *Client {
	return s.newClient(hello, inst, true, false)
}

// InstallStatelessClient admits an anonymous client without delivery history.
func (s *Site) InstallStatelessClient(hello models.ClientHello, inst models.Installer) *Client {
	return s.newClient(hello, inst, true, true)
}

func (s *Site) newClient(hello models.ClientHello, inst models.Installer, guest, stateless bool) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Client{
		endpoint:  endpoint{site: s.id, inst: inst},
		ID:        hello.ClientID,
		UserID:    hello.UserID,
		hello:     hello,
		guest:     guest,
		stateless: stateless,
		subs:      make(map[id.EventID]*models.Subscription),
	}
	if guest {
		c.ID = s.allocGuestID()
		c.UserID = 0
	}
	s.attach(&c.endpoint)
	if s.state == models.StateInitial || s.state == models.StateLoading {
		s.queued = append(s.queued, c)
		return c
	}
	s.installClient(c)
	return c
}

// allocGuestID hands out the next guest id, wrapping back to guestIDBase
// when the range is used up and skipping ids still held by a client.
func (s *Site) allocGuestID() id.ClientID {
	for {
		cid := s.nextGuest
		s.nextGuest++
		if s.nextGuest < guestIDBase {
			s.nextGuest = guestIDBase
		}
		if _, taken := s.clients[cid]; !taken {
			return cid
		}
	}
}

// Uninstall removes an endpoint whose channel has completed. It is a no-op
// for endpoints already removed or superseded.
func (s *Site) Uninstall(ep any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ep.(type) {
	case *Service:
		s.detachService(e)
	case *Client:
		s.detachClient(e)
	}
}

func (s *Site) attach(e *endpoint) {
	e.attached = true
	s.live++
}

func (s *Site) detach(e *endpoint) bool {
	if !e.attached {
		return false
	}
	e.attached = false
	s.live--
	s.lastRelease = s.clock.Now()
	return true
}

func (s *Site) detachService(svc *Service) {
	if !s.detach(&svc.endpoint) {
		return
	}
	wasOnline := svc.online
	svc.clear(s.metrics, kindService)
	if s.services[svc.ID] == svc {
		delete(s.services, svc.ID)
		if wasOnline && s.group != nil && s.state != models.StateCompleted {
			s.group.SetOffline(svc.ID)
		}
	}
}

func (s *Site) detachClient(c *Client) {
	if !s.detach(&c.endpoint) {
		return
	}
	c.clear(s.metrics, c.kind())
	if s.clients[c.ID] == c {
		delete(s.clients, c.ID)
	}
}

func (s *Site) rejectService(svc *Service, code models.ErrorCode) {
	s.logger.Info("service rejected", "service_id", svc.ID, "code", code.String())
	svc.inst.Shutdown(code)
	s.detachService(svc)
}

func (s *Site) rejectClient(c *Client, code models.ErrorCode) {
	s.logger.Info("client rejected", "client_id", c.ID, "user_id", c.UserID, "code", code.String())
	c.inst.Shutdown(code)
	s.detachClient(c)
}

// installService runs service admission in a loaded site.
func (s *Site) installService(svc *Service) {
	if s.state == models.StateCompleted {
		svc.inst.Shutdown(models.CodeRestart)
		s.detachService(svc)
		return
	}
	if s.state == models.StateBlank && s.building && s.info.Kind == models.KindSingleService {
		// Two services racing to define the structure of a single-service site.
		s.logger.Error("second service while building structure", "service_id", svc.ID)
		svc.inst.Shutdown(models.CodeDataIntegrity)
		s.detachService(svc)
		s.removeLocked(models.CodeDataIntegrity)
		return
	}
	info, ok := s.group.Lookup(svc.ID)
	if !ok {
		s.rejectService(svc, models.CodeServiceNotRegistered)
		return
	}
	if existing, ok := s.services[svc.ID]; ok {
		if !s.supersede(&existing.endpoint, &svc.endpoint) {
			s.detachService(existing)
			s.rejectService(svc, models.CodeDuplicateKey)
			return
		}
		s.detachService(existing)
	}
	s.services[svc.ID] = svc

	switch {
	case !s.info.Enabled:
		svc.setParked(s.metrics, kindService, models.ParkSiteDisabled)
	case !info.Enabled:
		svc.setParked(s.metrics, kindService, models.ParkServiceDisabled)
	case s.state == models.StateBlank:
		s.installBlankService(svc)
	default:
		s.activateService(svc)
	}
}

// supersede resolves two endpoints claiming one identity. A reconnect on the
// same channel closes the stale endpoint; a different channel is treated as
// key reuse and shuts the old one down. It reports whether next may proceed.
func (s *Site) supersede(prev, next *endpoint) bool {
	if prev.ChannelID() == next.ChannelID() {
		prev.inst.Close()
		return true
	}
	prev.inst.Shutdown(models.CodeDuplicateKey)
	return false
}

func (s *Site) installBlankService(svc *Service) {
	if svc.hello.Structure == nil {
		delete(s.services, svc.ID)
		s.rejectService(svc, models.CodeStructureRequired)
		return
	}
	svc.setParked(s.metrics, kindService, models.ParkStructurePending)
	if !s.building {
		s.startBuild(svc.ID, *svc.hello.Structure)
	}
}

// activateService brings an admitted service online in a running site.
func (s *Site) activateService(svc *Service) {
	if svc.hello.StructureHash != 0 && svc.hello.StructureHash != s.info.StructureHash {
		delete(s.services, svc.ID)
		s.rejectService(svc, models.CodeStructureMismatch)
		return
	}
	if err := s.group.OnServiceInstalled(svc.inst, svc.hello); err != nil {
		delete(s.services, svc.ID)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.rejectService(svc, models.CodeServiceNotRegistered)
			return
		}
		s.rejectService(svc, models.CodeRestart)
		return
	}
	if err := s.members.SyncService(svc.inst, svc.hello); err != nil {
		s.logger.Warn("membership sync failed", "service_id", svc.ID, "error", err)
	}
	if err := s.serviceSync.Push(svc.inst); err != nil {
		s.logger.Warn("keep-alive push failed", "service_id", svc.ID, "error", err)
	}
	svc.setOnline(s.metrics, kindService)
	s.group.SetOnline(svc.ID)
	s.logger.Info("service online", "service_id", svc.ID)
}

// installClient runs client admission in a loaded site.
func (s *Site) installClient(c *Client) {
	if s.state == models.StateCompleted {
		c.inst.Shutdown(models.CodeRestart)
		s.detachClient(c)
		return
	}
	if !c.guest && (c.ID.IsNil() || c.ID >= guestIDBase) {
		s.rejectClient(c, models.CodeClientNotRegistered)
		return
	}
	if c.stateless && s.info.Kind == models.KindSingleService {
		s.rejectClient(c, models.CodeUnsupported)
		return
	}
	if !s.info.Enabled {
		s.rejectClient(c, models.CodeSiteDisabled)
		return
	}
	if existing, ok := s.clients[c.ID]; ok {
		if !s.supersede(&existing.endpoint, &c.endpoint) {
			s.detachClient(existing)
			s.rejectClient(c, models.CodeDuplicateKey)
			return
		}
		s.detachClient(existing)
	}
	s.clients[c.ID] = c

	if s.state == models.StateBlank {
		c.setParked(s.metrics, c.kind(), models.ParkSiteBlank)
		return
	}
	s.activateClient(c)
}

func (s *Site) authorize(c *Client) models.Decision {
	switch {
	case c.stateless:
		return s.members.AuthorizeStatelessGuest()
	case c.guest:
		return s.members.AuthorizeGuest()
	default:
		return s.members.AuthorizeClient(c.hello)
	}
}

func (s *Site) activateClient(c *Client) {
	s.applyDecision(c, s.authorize(c))
}

func (s *Site) applyDecision(c *Client, d models.Decision) {
	switch d.Outcome {
	case models.Admit:
		s.goOnline(c, d.Authority)
	case models.Retry:
		c.setParked(s.metrics, c.kind(), models.ParkPendingAuthorization)
	default:
		s.rejectClient(c, d.Code)
	}
}

func (s *Site) goOnline(c *Client, authority models.UserAuthority) {
	c.authority = authority
	if authority.Guest && !c.guest {
		// The parked gauge was counted under the registered kind.
		c.clear(s.metrics, c.kind())
		c.guest = true
	}
	c.setOnline(s.metrics, c.kind())
	if err := s.group.SyncClient(c.inst, c.hello.TopologyHash); err != nil {
		s.logger.Warn("topology sync failed", "client_id", c.ID, "error", err)
	}
	if err := s.clientSync.Push(c.inst); err != nil {
		s.logger.Warn("keep-alive push failed", "client_id", c.ID, "error", err)
	}
	for _, sub := range c.hello.Subscriptions {
		s.subscribeLocked(c, sub)
	}
	c.hello.Subscriptions = nil
	s.logger.Debug("client online", "client_id", c.ID, "user_id", c.UserID, "kind", c.kind())
}

// startBuild runs the one-shot structure submission of a blank site. It is
// detached from the site lock; its result is committed only if the site is
// still blank.
func (s *Site) startBuild(service id.ServiceID, structure models.Structure) {
	s.building = true
	s.logger.Info("building site structure", "service_id", service, "events", len(structure.Events))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegistryTimeout)
		defer cancel()
		snap, err := s.submitStructure(ctx, service, structure)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.building = false
		if s.state != models.StateBlank {
			return
		}
		if err != nil {
			s.logger.Error("structure build failed", "error", err)
			s.removeLocked(codeFor(err))
			return
		}
		s.completeBuild(snap)
	}()
}

func (s *Site) submitStructure(ctx context.Context, service id.ServiceID, structure models.Structure) (models.Snapshot, error) {
	if _, err := s.registry.SubmitStructure(ctx, s.id, service, structure); err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return models.Snapshot{}, err
	}
	return s.registry.LoadSite(ctx, s.id)
}

// completeBuild moves a blank site to running and drives everything parked
// behind the structure.
func (s *Site) completeBuild(snap models.Snapshot) {
	if !snap.Site.HasStructure() {
		s.removeLocked(models.CodeDataIntegrity)
		return
	}
	s.info.StructureHash = snap.Site.StructureHash
	s.buildEvents(snap)
	s.state = models.StateRunning
	s.logger.Info("site structure accepted", "events", len(snap.Events))

	for _, svc := range s.services {
		if svc.parked == models.ParkStructurePending {
			svc.hello.StructureHash = snap.Site.StructureHash
			s.activateService(svc)
		}
	}
	for _, c := range s.clients {
		if c.parked == models.ParkSiteBlank {
			s.activateClient(c)
		}
	}
}
