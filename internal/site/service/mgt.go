package service

import (
	"context"

	"beacon/internal/site/models"
	id "beacon/pkg/domain"
)

// mgt forwards an administrative callback to the site's sub-components. A site
// still loading cannot apply it against a snapshot that may predate it, so the
// whole site is restarted instead.
func (s *Site) mgt(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case models.StateLoading:
		s.logger.Info("administrative change while loading", "op", op)
		s.removeLocked(models.CodeRestart)
	case models.StateRunning, models.StateBlank:
		s.metrics.IncrementMgt(op)
		fn()
	}
}

// mgtErr is mgt for callbacks whose sub-component may reject the change.
func (s *Site) mgtErr(op string, fn func() error) {
	s.mgt(op, func() {
		if err := fn(); err != nil {
			s.logger.Warn("administrative change not applied", "op", op, "error", err)
		}
	})
}

func (s *Site) MgtOnUserUpdated(user id.UserID) {
	s.mgt("user_updated", func() { s.members.OnUserUpdated(user) })
}

func (s *Site) MgtOnUserDeleted(user id.UserID) {
	s.mgt("user_deleted", func() { s.members.OnUserDeleted(user) })
}

func (s *Site) MgtOnUsersUpdated() {
	s.mgt("users_updated", func() { s.members.OnUsersUpdated() })
}

func (s *Site) MgtOnRolesUpdated() {
	s.mgt("roles_updated", func() { s.members.OnRolesUpdated() })
}

func (s *Site) MgtOnGuestStatusChanged() {
	s.mgt("guest_status_changed", func() { s.members.OnGuestStatusChanged() })
}

func (s *Site) MgtOnContactDisabled(user id.UserID) {
	s.mgt("contact_disabled", func() { s.members.OnContactDisabled(user) })
}

func (s *Site) MgtOnContactDeleted(user id.UserID) {
	s.mgt("contact_deleted", func() { s.members.OnContactDeleted(user) })
}

func (s *Site) MgtOnConsumerDisabled(client id.ClientID) {
	s.mgt("consumer_disabled", func() { s.members.OnConsumerDisabled(client) })
}

func (s *Site) MgtOnConsumerDeleted(client id.ClientID) {
	s.mgt("consumer_deleted", func() { s.members.OnConsumerDeleted(client) })
}

func (s *Site) MgtOnServiceCreated(service id.ServiceID) {
	s.mgtErr("service_created", func() error { return s.group.OnServiceCreated(service) })
}

func (s *Site) MgtOnServiceDeleted(service id.ServiceID) {
	s.mgtErr("service_deleted", func() error { return s.group.OnServiceDeleted(service) })
}

func (s *Site) MgtOnHostnameChanged(service id.ServiceID) {
	s.mgtErr("hostname_changed", func() error { return s.group.OnHostnameChanged(service) })
}

func (s *Site) MgtOnServiceEnabledChanged(service id.ServiceID) {
	s.mgtErr("service_enabled_changed", func() error { return s.group.OnEnabledStatusChanged(service) })
}

func (s *Site) MgtOnPingPeriodChanged() {
	s.mgt("ping_period_changed", func() {
		s.serviceSync.OnChanged()
		s.clientSync.OnChanged()
	})
}

func (s *Site) MgtOnSiteEnabledChanged() {
	s.mgt("site_enabled_changed", func() {
		if s.siteFlag.Trigger() {
			s.refreshSite()
		}
	})
}

func (s *Site) MgtOnSiteDeleted() {
	s.mgt("site_deleted", func() { s.removeLocked(models.CodeSiteDeleted) })
}

func (s *Site) refreshSite() {
	var info models.SiteInfo
	s.Run("site", func(ctx context.Context) error {
		fetched, err := s.registry.FetchSite(ctx, s.id)
		if err != nil {
			return err
		}
		info = fetched
		return nil
	}, func() {
		again := s.siteFlag.Done()
		s.applySiteEnabled(info.Enabled)
		if again {
			s.refreshSite()
		}
	})
}

func (s *Site) applySiteEnabled(enabled bool) {
	if s.info.Enabled == enabled {
		return
	}
	s.info.Enabled = enabled
	s.logger.Info("site enabled status changed", "enabled", enabled)
	if !enabled {
		for _, c := range s.clients {
			s.rejectClient(c, models.CodeSiteDisabled)
		}
		for _, svc := range s.services {
			if svc.online {
				s.group.SetOffline(svc.ID)
			}
			svc.setParked(s.metrics, kindService, models.ParkSiteDisabled)
		}
		return
	}
	for _, svc := range s.services {
		if svc.parked != models.ParkSiteDisabled {
			continue
		}
		info, ok := s.group.Lookup(svc.ID)
		switch {
		case !ok:
			delete(s.services, svc.ID)
			s.rejectService(svc, models.CodeServiceNotRegistered)
		case !info.Enabled:
			svc.setParked(s.metrics, kindService, models.ParkServiceDisabled)
		case s.state == models.StateBlank:
			s.installBlankService(svc)
		default:
			s.activateService(svc)
		}
	}
}
