// Package postgres is the durable Registry backed by PostgreSQL through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"beacon/internal/registry"
	"beacon/internal/site/digest"
	"beacon/internal/site/models"
	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
)

// Registry persists sites in PostgreSQL.
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LoadSite reads the whole snapshot in one repeatable-read transaction so the
// parts are mutually consistent.
func (r *Registry) LoadSite(ctx context.Context, siteID id.SiteID) (models.Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("begin load site tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var snap models.Snapshot
	var guests, stateless bool
	snap.Site, snap.Settings, guests, stateless, err = fetchSite(ctx, tx, siteID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if snap.Roster, err = fetchRoster(ctx, tx, siteID); err != nil {
		return models.Snapshot{}, err
	}
	snap.Roster.GuestAllowed, snap.Roster.StatelessAllowed = guests, stateless
	if snap.Services, err = fetchServices(ctx, tx, siteID); err != nil {
		return models.Snapshot{}, err
	}
	if snap.Events, err = fetchEvents(ctx, tx, siteID); err != nil {
		return models.Snapshot{}, err
	}
	if snap.Site.HasStructure() && len(snap.Events) == 0 {
		return models.Snapshot{}, dErrors.New(dErrors.CodeDataIntegrity, "site has a structure hash but no events")
	}
	if snap.History, err = fetchHistory(ctx, tx, siteID); err != nil {
		return models.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Snapshot{}, fmt.Errorf("commit load site: %w", err)
	}
	return snap, nil
}

func (r *Registry) FetchSite(ctx context.Context, siteID id.SiteID) (models.SiteInfo, error) {
	info, _, _, _, err := fetchSite(ctx, r.db, siteID)
	return info, err
}

func fetchSite(ctx context.Context, q querier, siteID id.SiteID) (models.SiteInfo, models.Settings, bool, bool, error) {
	var (
		info                models.SiteInfo
		settings            models.Settings
		raw                 uuid.UUID
		kind                int16
		hash                int64
		guests, stateless   bool
		servicePing, client int32
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, uid, kind, enabled, eligible, role_based, guest_allowed, stateless_allowed,
			structure_hash, service_ping_seconds, client_ping_seconds
		FROM sites WHERE id = $1
	`, uuid.UUID(siteID)).Scan(&raw, &info.UID, &kind, &info.Enabled, &info.Eligible, &info.RoleBased,
		&guests, &stateless, &hash, &servicePing, &client)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, settings, false, false, fmt.Errorf("site %s: %w", siteID, sentinel.ErrNotFound)
		}
		return info, settings, false, false, fmt.Errorf("fetch site: %w", err)
	}
	info.ID = id.SiteID(raw)
	info.Kind = models.Kind(kind)
	info.StructureHash = uint64(hash)
	settings.ServicePingPeriod = time.Duration(servicePing) * time.Second
	settings.ClientPingPeriod = time.Duration(client) * time.Second
	return info, settings, guests, stateless, nil
}

func fetchRoster(ctx context.Context, q querier, siteID id.SiteID) (models.Roster, error) {
	var roster models.Roster
	rows, err := q.QueryContext(ctx, `SELECT id, name FROM site_roles WHERE site_id = $1 ORDER BY id`, uuid.UUID(siteID))
	if err != nil {
		return roster, fmt.Errorf("list roles: %w", err)
	}
	for rows.Next() {
		var role models.MRole
		if err := rows.Scan(&role.ID, &role.Name); err != nil {
			rows.Close()
			return roster, fmt.Errorf("scan role: %w", err)
		}
		roster.Roles = append(roster.Roles, role)
	}
	if err := closeRows(rows); err != nil {
		return roster, err
	}

	userRoles, err := fetchUserRoles(ctx, q, siteID, nil)
	if err != nil {
		return roster, err
	}
	rows, err = q.QueryContext(ctx, `SELECT id, name, enabled FROM site_users WHERE site_id = $1 ORDER BY id`, uuid.UUID(siteID))
	if err != nil {
		return roster, fmt.Errorf("list users: %w", err)
	}
	for rows.Next() {
		u := models.MUser{Confirmed: true}
		if err := rows.Scan(&u.ID, &u.Name, &u.Enabled); err != nil {
			rows.Close()
			return roster, fmt.Errorf("scan user: %w", err)
		}
		u.Roles = userRoles[u.ID]
		roster.Users = append(roster.Users, u)
	}
	return roster, closeRows(rows)
}

// fetchUserRoles returns role ids by user, limited to one user when user is set.
func fetchUserRoles(ctx context.Context, q querier, siteID id.SiteID, user *id.UserID) (map[id.UserID][]id.RoleID, error) {
	query := `SELECT user_id, role_id FROM site_user_roles WHERE site_id = $1 ORDER BY user_id, role_id`
	args := []any{uuid.UUID(siteID)}
	if user != nil {
		query = `SELECT user_id, role_id FROM site_user_roles WHERE site_id = $1 AND user_id = $2 ORDER BY role_id`
		args = append(args, int64(*user))
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	out := make(map[id.UserID][]id.RoleID)
	for rows.Next() {
		var uid id.UserID
		var role id.RoleID
		if err := rows.Scan(&uid, &role); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		out[uid] = append(out[uid], role)
	}
	return out, closeRows(rows)
}

func fetchServices(ctx context.Context, q querier, siteID id.SiteID) ([]models.ServiceInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, hostname, version, enabled FROM site_services WHERE site_id = $1 ORDER BY id
	`, uuid.UUID(siteID))
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	var out []models.ServiceInfo
	for rows.Next() {
		var svc models.ServiceInfo
		if err := rows.Scan(&svc.ID, &svc.Hostname, &svc.Version, &svc.Enabled); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, closeRows(rows)
}

func fetchEvents(ctx context.Context, q querier, siteID id.SiteID) ([]models.EventDef, error) {
	roles := make(map[id.EventID][]id.RoleID)
	rows, err := q.QueryContext(ctx, `
		SELECT event_id, role_id FROM site_event_roles WHERE site_id = $1 ORDER BY event_id, role_id
	`, uuid.UUID(siteID))
	if err != nil {
		return nil, fmt.Errorf("list event roles: %w", err)
	}
	for rows.Next() {
		var event id.EventID
		var role id.RoleID
		if err := rows.Scan(&event, &role); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event role: %w", err)
		}
		roles[event] = append(roles[event], role)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT id, name, kind, queue_size, lifetime_ms, guest_access, stateless_access
		FROM site_events WHERE site_id = $1 ORDER BY id
	`, uuid.UUID(siteID))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	var out []models.EventDef
	for rows.Next() {
		var (
			def      models.EventDef
			kind     int16
			queue    int32
			lifetime int64
		)
		if err := rows.Scan(&def.ID, &def.Name, &kind, &queue, &lifetime, &def.GuestAccess, &def.StatelessAccess); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		def.Kind = models.EventKind(kind)
		def.QueueSize = int(queue)
		def.Lifetime = time.Duration(lifetime) * time.Millisecond
		def.Roles = roles[def.ID]
		out = append(out, def)
	}
	return out, closeRows(rows)
}

func fetchHistory(ctx context.Context, q querier, siteID id.SiteID) ([]models.Instance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event_id, id, service_id, addressee, created_at, args, is_null
		FROM event_instances WHERE site_id = $1 ORDER BY event_id, id
	`, uuid.UUID(siteID))
	if err != nil {
		return nil, fmt.Errorf("list event instances: %w", err)
	}
	var out []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	return out, closeRows(rows)
}

type instanceRow interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceRow) (models.Instance, error) {
	var (
		inst models.Instance
		raw  int64
	)
	if err := row.Scan(&inst.Event, &raw, &inst.Service, &inst.Addressee, &inst.CreatedAt, &inst.Args, &inst.Null); err != nil {
		return inst, fmt.Errorf("scan event instance: %w", err)
	}
	inst.ID = id.InstanceID(raw)
	return inst, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate rows: %w", err)
	}
	return rows.Close()
}

func (r *Registry) SubmitStructure(ctx context.Context, siteID id.SiteID, service id.ServiceID, structure models.Structure) (uint64, error) {
	if err := registry.ValidateStructure(structure); err != nil {
		return 0, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin submit structure tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT structure_hash FROM sites WHERE id = $1 FOR UPDATE`, uuid.UUID(siteID)).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("site %s: %w", siteID, sentinel.ErrNotFound)
		}
		return 0, fmt.Errorf("lock site: %w", err)
	}
	if current != 0 {
		return uint64(current), fmt.Errorf("site %s already has a structure: %w", siteID, sentinel.ErrConflict)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM site_services WHERE site_id = $1 AND id = $2)
	`, uuid.UUID(siteID), int64(service)).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check service: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
	}

	for _, def := range structure.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO site_events (site_id, id, name, kind, queue_size, lifetime_ms, guest_access, stateless_access)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.UUID(siteID), int64(def.ID), def.Name, int16(def.Kind), int32(def.QueueSize),
			def.Lifetime.Milliseconds(), def.GuestAccess, def.StatelessAccess)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("event %d already defined: %w", def.ID, sentinel.ErrConflict)
			}
			return 0, fmt.Errorf("insert event %d: %w", def.ID, err)
		}
		for _, role := range def.Roles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO site_event_roles (site_id, event_id, role_id) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, uuid.UUID(siteID), int64(def.ID), int64(role)); err != nil {
				return 0, fmt.Errorf("insert event role: %w", err)
			}
		}
	}

	hash := digest.Of(structure.Events)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sites SET structure_hash = $2, structure_service = $3, updated_at = NOW() WHERE id = $1
	`, uuid.UUID(siteID), int64(hash), int64(service)); err != nil {
		return 0, fmt.Errorf("record structure hash: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit submit structure: %w", err)
	}
	return hash, nil
}

func (r *Registry) FetchUser(ctx context.Context, siteID id.SiteID, user id.UserID) (models.MUser, error) {
	u := models.MUser{Confirmed: true}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, enabled FROM site_users WHERE site_id = $1 AND id = $2
	`, uuid.UUID(siteID), int64(user)).Scan(&u.ID, &u.Name, &u.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MUser{}, fmt.Errorf("user %d: %w", user, sentinel.ErrNotFound)
		}
		return models.MUser{}, fmt.Errorf("fetch user: %w", err)
	}
	roles, err := fetchUserRoles(ctx, r.db, siteID, &user)
	if err != nil {
		return models.MUser{}, err
	}
	u.Roles = roles[user]
	return u, nil
}

func (r *Registry) FetchRoster(ctx context.Context, siteID id.SiteID) (models.Roster, error) {
	_, _, guests, stateless, err := fetchSite(ctx, r.db, siteID)
	if err != nil {
		return models.Roster{}, err
	}
	roster, err := fetchRoster(ctx, r.db, siteID)
	if err != nil {
		return models.Roster{}, err
	}
	roster.GuestAllowed, roster.StatelessAllowed = guests, stateless
	return roster, nil
}

func (r *Registry) FetchService(ctx context.Context, siteID id.SiteID, service id.ServiceID) (models.ServiceInfo, error) {
	var svc models.ServiceInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT id, hostname, version, enabled FROM site_services WHERE site_id = $1 AND id = $2
	`, uuid.UUID(siteID), int64(service)).Scan(&svc.ID, &svc.Hostname, &svc.Version, &svc.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ServiceInfo{}, fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
		}
		return models.ServiceInfo{}, fmt.Errorf("fetch service: %w", err)
	}
	return svc, nil
}

func (r *Registry) FetchSettings(ctx context.Context, siteID id.SiteID) (models.Settings, error) {
	_, settings, _, _, err := fetchSite(ctx, r.db, siteID)
	return settings, err
}

func (r *Registry) InsertEventInstance(ctx context.Context, siteID id.SiteID, inst models.Instance) (models.Instance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Instance{}, fmt.Errorf("begin insert instance tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	stored, err := insertInstance(ctx, tx, siteID, inst)
	if err != nil {
		return models.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Instance{}, fmt.Errorf("commit insert instance: %w", err)
	}
	return stored, nil
}

// ReplaceEventInstance deletes prev and inserts inst atomically, so a crash
// never leaves an event invalidated without its replacement.
func (r *Registry) ReplaceEventInstance(ctx context.Context, siteID id.SiteID, prev id.InstanceID, inst models.Instance) (models.Instance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Instance{}, fmt.Errorf("begin replace instance tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if prev != 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM event_instances WHERE site_id = $1 AND event_id = $2 AND id = $3
		`, uuid.UUID(siteID), int64(inst.Event), int64(prev)); err != nil {
			return models.Instance{}, fmt.Errorf("invalidate instance %d: %w", prev, err)
		}
	}
	stored, err := insertInstance(ctx, tx, siteID, inst)
	if err != nil {
		return models.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Instance{}, fmt.Errorf("commit replace instance: %w", err)
	}
	return stored, nil
}

func insertInstance(ctx context.Context, q querier, siteID id.SiteID, inst models.Instance) (models.Instance, error) {
	var next int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO event_sequences (site_id, event_id, last_id) VALUES ($1, $2, 1)
		ON CONFLICT (site_id, event_id) DO UPDATE SET last_id = event_sequences.last_id + 1
		RETURNING last_id
	`, uuid.UUID(siteID), int64(inst.Event)).Scan(&next)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Instance{}, dErrors.Wrap(err, dErrors.CodeDataIntegrity, fmt.Sprintf("event %d is not defined", inst.Event))
		}
		return models.Instance{}, fmt.Errorf("allocate instance id: %w", err)
	}
	inst.ID = id.InstanceID(next)
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO event_instances (site_id, event_id, id, service_id, addressee, created_at, args, is_null)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.UUID(siteID), int64(inst.Event), next, int64(inst.Service), int64(inst.Addressee),
		inst.CreatedAt, inst.Args, inst.Null); err != nil {
		return models.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	return inst, nil
}

func (r *Registry) DeleteEventInstance(ctx context.Context, siteID id.SiteID, event id.EventID, instance id.InstanceID) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM event_instances WHERE site_id = $1 AND event_id = $2 AND id = $3
	`, uuid.UUID(siteID), int64(event), int64(instance)); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (r *Registry) UpdateServiceHostname(ctx context.Context, siteID id.SiteID, service id.ServiceID, hostname, version string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE site_services SET hostname = $3, version = $4 WHERE site_id = $1 AND id = $2
	`, uuid.UUID(siteID), int64(service), hostname, version)
	if err != nil {
		return fmt.Errorf("update service hostname: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update service hostname rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("service %d: %w", service, sentinel.ErrNotFound)
	}
	return nil
}

func (r *Registry) IsResidencyEligible(ctx context.Context, siteID id.SiteID) (bool, error) {
	var eligible bool
	err := r.db.QueryRowContext(ctx, `SELECT eligible FROM sites WHERE id = $1`, uuid.UUID(siteID)).Scan(&eligible)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("site %s: %w", siteID, sentinel.ErrNotFound)
		}
		return false, fmt.Errorf("check residency: %w", err)
	}
	return eligible, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
