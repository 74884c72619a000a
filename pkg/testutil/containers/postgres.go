//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
	"beacon/internal/site/models"
	"beacon/migrations"
	id "beacon/pkg/domain"
)

// PostgresContainer is a migrated registry database.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts Postgres, connects through the registry pool
// and applies the embedded migrations. The container is terminated when t
// finishes.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("beacon_test"),
		postgres.WithUsername("beacon"),
		postgres.WithPassword("beacon_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	terminate := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("postgres connection string: %v", err)
	}
	pool, err := database.New(config.Database{
		URL:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		terminate()
		t.Fatalf("connect postgres: %v", err)
	}
	if _, err := database.Migrate(ctx, pool.DB(), migrations.FS); err != nil {
		_ = pool.Close()
		terminate()
		t.Fatalf("migrate postgres: %v", err)
	}

	t.Cleanup(func() {
		_ = pool.Close()
		terminate()
	})
	return &PostgresContainer{Container: container, DSN: dsn, DB: pool.DB()}
}

// TruncateTables empties tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		_, err := p.DB.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE")
		if err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// TruncateAll empties every registry table. schema_migrations is kept.
func (p *PostgresContainer) TruncateAll(ctx context.Context) error {
	return p.TruncateTables(ctx,
		"event_instances",
		"event_sequences",
		"site_event_roles",
		"site_events",
		"site_services",
		"site_user_roles",
		"site_users",
		"site_roles",
		"sites",
	)
}

func (p *PostgresContainer) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.DB.ExecContext(ctx, query, args...)
}

func (p *PostgresContainer) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// CreateTestSite inserts an enabled site without a structure and returns its ID.
// Fails the test if insertion fails.
func (p *PostgresContainer) CreateTestSite(ctx context.Context, t testing.TB, kind models.Kind, roleBased bool) id.SiteID {
	t.Helper()
	siteID := id.SiteID(uuid.New())
	_, err := p.Exec(ctx, `
		INSERT INTO sites (id, uid, kind, enabled, role_based, service_ping_seconds, client_ping_seconds)
		VALUES ($1, $2, $3, true, $4, 30, 60)
	`, uuid.UUID(siteID), "site-"+uuid.NewString(), int16(kind), roleBased)
	if err != nil {
		t.Fatalf("CreateTestSite: %v", err)
	}
	return siteID
}

// CreateTestService registers an enabled service on a site.
func (p *PostgresContainer) CreateTestService(ctx context.Context, t testing.TB, siteID id.SiteID, service id.ServiceID, hostname string) {
	t.Helper()
	_, err := p.Exec(ctx, `
		INSERT INTO site_services (site_id, id, hostname, version, enabled) VALUES ($1, $2, $3, '1.0', true)
	`, uuid.UUID(siteID), int64(service), hostname)
	if err != nil {
		t.Fatalf("CreateTestService: %v", err)
	}
}

// CreateTestRole inserts a role into a site's catalog.
func (p *PostgresContainer) CreateTestRole(ctx context.Context, t testing.TB, siteID id.SiteID, role id.RoleID, name string) {
	t.Helper()
	_, err := p.Exec(ctx, `INSERT INTO site_roles (site_id, id, name) VALUES ($1, $2, $3)`,
		uuid.UUID(siteID), int64(role), name)
	if err != nil {
		t.Fatalf("CreateTestRole: %v", err)
	}
}

// CreateTestUser inserts an enabled user holding roles.
func (p *PostgresContainer) CreateTestUser(ctx context.Context, t testing.TB, siteID id.SiteID, user id.UserID, name string, roles ...id.RoleID) {
	t.Helper()
	_, err := p.Exec(ctx, `INSERT INTO site_users (site_id, id, name, enabled) VALUES ($1, $2, $3, true)`,
		uuid.UUID(siteID), int64(user), name)
	if err != nil {
		t.Fatalf("CreateTestUser: %v", err)
	}
	for _, role := range roles {
		if _, err := p.Exec(ctx, `INSERT INTO site_user_roles (site_id, user_id, role_id) VALUES ($1, $2, $3)`,
			uuid.UUID(siteID), int64(user), int64(role)); err != nil {
			t.Fatalf("CreateTestUser role: %v", err)
		}
	}
}
