package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"beacon/internal/mgt/consumer"
	mgthandler "beacon/internal/mgt/handler"
	mgtservice "beacon/internal/mgt/service"
	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
	"beacon/internal/platform/health"
	"beacon/internal/platform/httpserver"
	kafkaconsumer "beacon/internal/platform/kafka/consumer"
	"beacon/internal/platform/kafka/producer"
	"beacon/internal/platform/logger"
	"beacon/internal/platform/metrics"
	"beacon/internal/platform/middleware"
	"beacon/internal/platform/redis"
	"beacon/internal/registry"
	"beacon/internal/registry/memory"
	regmetrics "beacon/internal/registry/metrics"
	"beacon/internal/registry/postgres"
	"beacon/internal/registry/residency"
	"beacon/internal/seeder"
	sitemetrics "beacon/internal/site/metrics"
	sitesvc "beacon/internal/site/service"
	"beacon/internal/transport/ws"
	"beacon/migrations"
)

const (
	handshakeAudience = "beacon"
	adminBodyLimit    = 64 << 10
	shutdownTimeout   = 10 * time.Second
)

// main wires the registry, the site runtime and the transports, then runs
// them until SIGINT or SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

type infra struct {
	registry registry.Registry
	cache    registry.ResidencyCache
	producer *producer.Producer
	checks   map[string]health.CheckFunc
	closers  []func() error
}

func (i *infra) close(log *slog.Logger) {
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			log.Warn("close dependency", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	log.Info("initializing beacon", "addr", cfg.Addr, "kafka", cfg.Kafka.Enabled())

	deps, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close(log)

	platformMetrics := metrics.New()
	guardedOpts := []registry.GuardedOption{
		registry.WithLogger(log),
		registry.WithMetrics(regmetrics.New()),
	}
	if deps.cache != nil {
		guardedOpts = append(guardedOpts, registry.WithResidencyCache(deps.cache))
	}
	guarded := registry.NewGuarded(deps.registry, guardedOpts...)

	tracker := sitesvc.NewTracker(guarded,
		sitesvc.WithLogger(log),
		sitesvc.WithMetrics(sitemetrics.New()),
		sitesvc.WithConfig(sitesvc.Config{
			GracePeriod:     cfg.Sites.GracePeriod,
			RegistryTimeout: cfg.Sites.RegistryTimeout,
		}),
	)
	hc := health.New(os.Getenv("BEACON_ENV"), tracker)
	for name, check := range deps.checks {
		hc.RegisterCheck(name, check)
	}
	sweeper := sitesvc.NewSweeper(tracker,
		sitesvc.WithSweepInterval(cfg.Sites.SweepInterval),
		sitesvc.WithSweeperLogger(log),
	)

	dispatcher := mgtservice.NewDispatcher(tracker,
		mgtservice.WithLogger(log),
		mgtservice.WithMetrics(platformMetrics),
		mgtservice.WithResidency(guarded),
	)

	var (
		publisher mgtservice.Publisher = mgtservice.NewLocalPublisher(dispatcher)
		mgtStream *kafkaconsumer.Consumer
	)
	if deps.producer != nil {
		publisher = mgtservice.NewKafkaPublisher(deps.producer, cfg.Kafka.Topic)
		mgtStream, err = kafkaconsumer.New(kafkaconsumer.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: instanceGroup(cfg.Kafka.GroupID),
			Topics:  []string{cfg.Kafka.Topic},
		}, consumer.NewHandler(dispatcher, log), log)
		if err != nil {
			return fmt.Errorf("create management consumer: %w", err)
		}
	}

	wsServer := ws.NewServer(tracker, ws.NewAuthenticator(cfg.JWTSigningKey, handshakeAudience),
		ws.WithLogger(log),
		ws.WithMetrics(platformMetrics),
	)
	admin := mgthandler.New(tracker, publisher, log)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log, platformMetrics))
	hc.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	wsServer.Register(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdminToken(cfg.AdminAPIToken, log))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.BodyLimit(adminBodyLimit))
		admin.Register(r)
	})

	srv := httpserver.New(cfg.Addr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if mgtStream != nil {
		g.Go(func() error { return mgtStream.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		tracker.Shutdown()
		if err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// buildInfra connects the optional backing services. Each one that is
// configured also registers a readiness check.
func buildInfra(ctx context.Context, cfg config.Server, log *slog.Logger) (*infra, error) {
	deps := &infra{checks: make(map[string]health.CheckFunc)}
	fail := func(err error) (*infra, error) {
		deps.close(log)
		return nil, err
	}

	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory registry")
		mem := memory.New()
		if cfg.SeedDemo {
			seeder.New(mem, log).SeedAll()
		}
		deps.registry = mem
	} else {
		pool, err := database.New(cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		deps.closers = append(deps.closers, pool.Close)
		if err := pool.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("database metrics disabled", "error", err)
		}
		applied, err := database.Migrate(ctx, pool.DB(), migrations.FS)
		if err != nil {
			return fail(fmt.Errorf("migrate database: %w", err))
		}
		if len(applied) > 0 {
			log.Info("registry migrations applied", "migrations", applied)
		}
		deps.registry = postgres.New(pool.DB())
		deps.checks["database"] = pool.Health
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	if rc != nil {
		if err := rc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("redis metrics disabled", "error", err)
		}
		deps.cache = residency.NewRedisCache(rc.Client, cfg.Sites.ResidencyTTL)
		deps.closers = append(deps.closers, rc.Close)
		deps.checks["redis"] = rc.Health
	}

	if cfg.Kafka.Enabled() {
		p, err := producer.New(producer.Config{Brokers: cfg.Kafka.Brokers}, log)
		if err != nil {
			return fail(fmt.Errorf("create kafka producer: %w", err))
		}
		deps.producer = p
		deps.closers = append(deps.closers, p.Close)
		deps.checks["kafka"] = p.Check
	}
	return deps, nil
}

// instanceGroup gives every process its own consumer group so each one sees
// every management notification for the sites it hosts.
func instanceGroup(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return base + "." + host
}
