package service

import (
	"context"
	"fmt"

	"beacon/internal/site/events"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

// RaiseEvent records an event raised by svc and fans it out. The registry
// write happens outside the site lock; the in-memory accept is committed only
// if the site and its controller are unchanged.
func (s *Site) RaiseEvent(ctx context.Context, svc *Service, raise models.RaiseEvent) error {
	s.mu.Lock()
	if s.state != models.StateRunning || !svc.attached || !svc.online {
		s.mu.Unlock()
		return dErrors.New(dErrors.CodeInvalidState, "service is not online")
	}
	ctrl := s.events
	def, ok := ctrl.Definition(raise.Event)
	if !ok {
		s.mu.Unlock()
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown event %s", raise.Event))
	}
	var prev id.InstanceID
	switch def.Kind {
	case models.Replacing:
		var skip bool
		prev, skip = ctrl.PrepareREvent(raise.Event, svc.ID, raise.Null)
		if skip {
			s.mu.Unlock()
			return nil
		}
	case models.Private:
		if raise.Addressee.IsNil() || raise.Addressee >= guestIDBase {
			s.mu.Unlock()
			return dErrors.New(dErrors.CodeInvalidInput, "private event requires a registered addressee")
		}
	}
	inst := models.Instance{
		Event:     raise.Event,
		Service:   svc.ID,
		Addressee: raise.Addressee,
		CreatedAt: s.clock.Now(),
		Args:      raise.Args,
		Null:      raise.Null,
	}
	if def.Kind != models.Private {
		inst.Addressee = 0
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegistryTimeout)
	var (
		stored models.Instance
		err    error
	)
	if def.Kind == models.Replacing {
		stored, err = s.registry.ReplaceEventInstance(ctx, s.id, prev, inst)
	} else {
		stored, err = s.registry.InsertEventInstance(ctx, s.id, inst)
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateRunning || s.events != ctrl {
		return dErrors.New(dErrors.CodeRestart, "site changed while raising event")
	}
	if err != nil {
		if !dErrors.IsRetryable(err) {
			s.removeLocked(models.CodeDataIntegrity)
		}
		return dErrors.Wrap(err, dErrors.CodeRestart, "persist event instance")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = inst.CreatedAt
	}

	subs := s.subscribers()
	var out []events.Delivery
	switch def.Kind {
	case models.Replacing:
		out, _ = ctrl.AcceptREvent(stored, subs)
	case models.Queueing:
		out = ctrl.AcceptQEvent(stored, subs)
	case models.Private:
		out = ctrl.AcceptPEvent(stored, subs)
	}
	s.deliver(out)
	if svc.attached {
		s.send(svc.inst, models.ModuleEvents, models.TagRaiseAccepted, models.RaiseAccepted{Event: stored.Event, Instance: stored.ID})
	}
	return nil
}

// Subscribe opens or resets a subscription cursor for an online client.
func (s *Site) Subscribe(c *Client, sub models.Subscribe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateRunning || !c.attached || !c.online {
		return dErrors.New(dErrors.CodeInvalidState, "client is not online")
	}
	s.subscribeLocked(c, sub)
	return nil
}

// Ack advances a cursor past an acknowledged delivery and sends the next one.
func (s *Site) Ack(c *Client, ack models.Ack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateRunning || !c.attached || !c.online {
		return dErrors.New(dErrors.CodeInvalidState, "client is not online")
	}
	cursor := c.subs[ack.Event]
	if cursor == nil {
		return nil
	}
	if next := s.events.GetNextEvent(cursor, ack.Instance, c.ID); next != nil {
		s.sendDelivery(c, cursor.Kind, *next)
	}
	return nil
}

// Unsubscribe drops a cursor. Pending deliveries are abandoned.
func (s *Site) Unsubscribe(c *Client, unsub models.Unsubscribe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(c.subs, unsub.Event)
}

func (s *Site) subscribeLocked(c *Client, sub models.Subscribe) {
	if s.events == nil {
		return
	}
	def, ok := s.events.Definition(sub.Event)
	if !ok {
		s.send(c.inst, models.ModuleEvents, models.TagSubscriptionDenied, models.SubscriptionDenied{Event: sub.Event})
		return
	}
	cursor := &models.Subscription{Event: sub.Event, Kind: def.Kind, Delivered: sub.Delivered}
	if c.stateless {
		cursor.Delivered = 0
	}
	c.subs[sub.Event] = cursor
	s.authorizeCursor(c, cursor)
}

// authorizeCursor evaluates a cursor against the client's authority and sends
// the first undelivered instance, or a denial.
func (s *Site) authorizeCursor(c *Client, cursor *models.Subscription) {
	var first *models.Instance
	switch cursor.Kind {
	case models.Replacing:
		first = s.events.AuthorizeRSubscription(cursor, c.authority)
	case models.Queueing:
		first = s.events.AuthorizeQSubscription(cursor, c.authority)
	case models.Private:
		if c.guest {
			cursor.Authorized = false
			break
		}
		first = s.events.InitPSubscription(cursor, c.ID)
	}
	if !cursor.Authorized {
		delete(c.subs, cursor.Event)
		s.send(c.inst, models.ModuleEvents, models.TagSubscriptionDenied, models.SubscriptionDenied{Event: cursor.Event})
		return
	}
	if first != nil {
		s.sendDelivery(c, cursor.Kind, *first)
	}
}

// reauthorize re-evaluates every cursor of c after its authority changed.
func (s *Site) reauthorize(c *Client) {
	if s.events == nil {
		return
	}
	for _, cursor := range c.subs {
		s.authorizeCursor(c, cursor)
	}
}

func (s *Site) subscribers() []events.Subscriber {
	out := make([]events.Subscriber, 0, len(s.clients))
	for _, c := range s.clients {
		if c.online && len(c.subs) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (s *Site) deliver(out []events.Delivery) {
	for _, d := range out {
		c, ok := d.Subscriber.(*Client)
		if !ok {
			continue
		}
		s.sendDelivery(c, d.Kind, d.Instance)
	}
}

func (s *Site) sendDelivery(c *Client, kind models.EventKind, inst models.Instance) {
	s.send(c.inst, models.ModuleEvents, models.TagDeliver, models.DeliveryOf(kind, inst))
}

// send writes one message. Send failures mean the channel is going away; its
// completion will uninstall the endpoint.
func (s *Site) send(inst models.Installer, module models.Module, tag models.Tag, body any) {
	if err := inst.Send(models.Message{Module: module, Tag: tag, Body: body}); err != nil {
		s.logger.Debug("send failed", "module", module, "tag", tag, "error", err)
	}
}
