package ws

import (
	"context"
	"errors"
	"fmt"

	"beacon/internal/site/models"
	sitesvc "beacon/internal/site/service"
)

var errMalformed = errors.New("malformed message body")

// session is the installed endpoint behind a channel. Exactly one of service
// and client is set.
type session struct {
	site    *sitesvc.Site
	conn    *Conn
	service *sitesvc.Service
	client  *sitesvc.Client
}

func (s *session) endpoint() any {
	if s.service != nil {
		return s.service
	}
	return s.client
}

func install(site *sitesvc.Site, ident Identity, hello Hello, conn *Conn) *session {
	sess := &session{site: site, conn: conn}
	switch ident.Role {
	case RoleService:
		sess.service = site.InstallService(*hello.Service, conn)
	case RoleClient:
		sess.client = site.InstallClient(*hello.Client, conn)
	case RoleGuest:
		sess.client = site.InstallGuestClient(*hello.Client, conn)
	case RoleStateless:
		sess.client = site.InstallStatelessClient(*hello.Client, conn)
	}
	return sess
}

type route struct {
	module models.Module
	tag    models.Tag
}

type handlerFunc func(ctx context.Context, sess *session, f frame) error

// Inbound dispatch tables, one per endpoint kind. Anything not listed is a
// protocol violation.
var (
	serviceRoutes = map[route]handlerFunc{
		{models.ModuleEvents, models.TagRaiseREvent}: handleRaise,
		{models.ModuleEvents, models.TagRaiseQEvent}: handleRaise,
		{models.ModuleEvents, models.TagRaisePEvent}: handleRaise,
		{models.ModuleSync, models.TagKeepAlive}:     handleKeepAlive,
	}
	clientRoutes = map[route]handlerFunc{
		{models.ModuleEvents, models.TagSubscribe}:   handleSubscribe,
		{models.ModuleEvents, models.TagAck}:         handleAck,
		{models.ModuleEvents, models.TagUnsubscribe}: handleUnsubscribe,
		{models.ModuleSync, models.TagKeepAlive}:     handleKeepAlive,
	}
)

func decodeInto(f frame, v any) error {
	if err := decodeBody(f.Body, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func handleRaise(ctx context.Context, sess *session, f frame) error {
	var raise models.RaiseEvent
	if err := decodeInto(f, &raise); err != nil {
		return err
	}
	return sess.site.RaiseEvent(ctx, sess.service, raise)
}

func handleSubscribe(_ context.Context, sess *session, f frame) error {
	var sub models.Subscribe
	if err := decodeInto(f, &sub); err != nil {
		return err
	}
	return sess.site.Subscribe(sess.client, sub)
}

func handleAck(_ context.Context, sess *session, f frame) error {
	var ack models.Ack
	if err := decodeInto(f, &ack); err != nil {
		return err
	}
	return sess.site.Ack(sess.client, ack)
}

func handleUnsubscribe(_ context.Context, sess *session, f frame) error {
	var unsub models.Unsubscribe
	if err := decodeInto(f, &unsub); err != nil {
		return err
	}
	sess.site.Unsubscribe(sess.client, unsub)
	return nil
}

// handleKeepAlive accepts an endpoint heartbeat. Reading it is enough to keep
// the socket from idling out.
func handleKeepAlive(context.Context, *session, frame) error {
	return nil
}
