// Package syncctl pushes mutable runtime parameters, currently the keep-alive
// period, to connected services and clients.
package syncctl

import (
	"context"
	"log/slog"
	"time"

	"beacon/internal/site/models"
	"beacon/internal/site/refresh"
	id "beacon/pkg/domain"
)

const (
	MinPingPeriod = 5 * time.Second
	MaxPingPeriod = time.Hour
)

// Valid reports whether a keep-alive period is within the accepted range.
func Valid(period time.Duration) bool {
	return period >= MinPingPeriod && period <= MaxPingPeriod
}

type Registry interface {
	FetchSettings(ctx context.Context, siteID id.SiteID) (models.Settings, error)
}

type Site interface {
	refresh.Runner
	BroadcastToServices(msg models.Message)
	BroadcastToClients(msg models.Message)
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller pushes the keep-alive period of one endpoint kind. It is only
// touched with the site mutex held.
type Controller struct {
	name      string
	siteID    id.SiteID
	registry  Registry
	logger    *slog.Logger
	pick      func(models.Settings) time.Duration
	broadcast func(models.Message)
	run       refresh.Runner

	period time.Duration
	flag   refresh.Flag
}

// NewService builds the controller for service endpoints.
func NewService(siteID id.SiteID, settings models.Settings, site Site, registry Registry, opts ...Option) *Controller {
	return newController("syncctl.service", siteID, settings, site, site.BroadcastToServices, registry,
		func(s models.Settings) time.Duration { return s.ServicePingPeriod }, opts...)
}

// NewClient builds the controller for client endpoints.
func NewClient(siteID id.SiteID, settings models.Settings, site Site, registry Registry, opts ...Option) *Controller {
	return newController("syncctl.client", siteID, settings, site, site.BroadcastToClients, registry,
		func(s models.Settings) time.Duration { return s.ClientPingPeriod }, opts...)
}

func newController(name string, siteID id.SiteID, settings models.Settings, run refresh.Runner, broadcast func(models.Message), registry Registry, pick func(models.Settings) time.Duration, opts ...Option) *Controller {
	c := &Controller{
		name:      name,
		siteID:    siteID,
		registry:  registry,
		logger:    slog.Default(),
		pick:      pick,
		broadcast: broadcast,
		run:       run,
		period:    pick(settings),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Period is the current keep-alive period.
func (c *Controller) Period() time.Duration {
	return c.period
}

func (c *Controller) message() models.Message {
	return models.Message{
		Module: models.ModuleSync,
		Tag:    models.TagKeepAlive,
		Body:   models.KeepAlive{PeriodSeconds: uint32(c.period / time.Second)},
	}
}

// Push sends the current snapshot to a connecting endpoint. Out of range
// periods are not sent.
func (c *Controller) Push(inst models.Installer) error {
	if !Valid(c.period) {
		return nil
	}
	return inst.Send(c.message())
}

// OnChanged refetches the settings and pushes them to every endpoint of the
// controller's kind if the period moved.
func (c *Controller) OnChanged() {
	if c.flag.Trigger() {
		c.start()
	}
}

func (c *Controller) start() {
	var settings models.Settings
	c.run.Run(c.name, func(ctx context.Context) error {
		s, err := c.registry.FetchSettings(ctx, c.siteID)
		if err != nil {
			return err
		}
		settings = s
		return nil
	}, func() {
		again := c.flag.Done()
		c.apply(c.pick(settings))
		if again {
			c.start()
		}
	})
}

func (c *Controller) apply(period time.Duration) {
	if !Valid(period) {
		c.logger.Warn("ignoring keep-alive period out of range",
			"site_id", c.siteID,
			"controller", c.name,
			"period", period,
		)
		return
	}
	if period == c.period {
		return
	}
	c.period = period
	c.broadcast(c.message())
}
