package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"beacon/internal/platform/config"
)

const (
	applicationName = "beacon"
	connectTimeout  = 5 * time.Second
)

// Pool is the registry's database/sql handle over the pgx driver.
type Pool struct {
	db *sql.DB
}

// New opens and pings the registry database. Sessions are tagged with an
// application_name so registry load shows up in pg_stat_activity.
func New(cfg config.Database) (*Pool, error) {
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string)
	}
	if _, ok := connCfg.RuntimeParams["application_name"]; !ok {
		connCfg.RuntimeParams["application_name"] = applicationName
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Pool{db: db}, nil
}

func (p *Pool) DB() *sql.DB {
	return p.db
}

// Health satisfies the readiness check signature.
func (p *Pool) Health(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// RegisterMetrics exports connection pool statistics as go_sql_* series
// labelled db_name="registry".
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(collectors.NewDBStatsCollector(p.db, "registry")); err != nil {
		return fmt.Errorf("register db stats: %w", err)
	}
	return nil
}

func (p *Pool) Close() error {
	return p.db.Close()
}
