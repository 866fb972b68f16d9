package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-id/gatehouse/internal/platform/db"
	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: pool}
}

var _ Repository = (*PGRepository)(nil)

// WithTx runs fn against a transaction-bound view of the repository.
// Nested calls reuse the surrounding transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PGRepository{pool: r.pool, q: tx, inTx: true})
	})
}

const liveAssignment = `(ra.expires_at IS NULL OR ra.expires_at > NOW())`
const liveGrant = `(rg.expires_at IS NULL OR rg.expires_at > NOW())`

// CreateRole inserts a new role. Duplicate slugs map to ErrAlreadyExists.
func (r *PGRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO roles (slug, name, protected, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		role.Slug, role.Name, role.Protected, role.Priority,
	).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapUniqueViolation(err, shared.ErrAlreadyExists)
	}
	return role, nil
}

// GetRoleBySlug fetches a role by slug.
func (r *PGRepository) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	var role Role
	err := r.q.QueryRow(ctx, `
		SELECT id, slug, name, protected, priority, created_at, updated_at
		FROM roles WHERE slug = $1`, slug,
	).Scan(&role.ID, &role.Slug, &role.Name, &role.Protected, &role.Priority, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by priority then slug.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, slug, name, protected, priority, created_at, updated_at
		FROM roles ORDER BY priority DESC, slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Slug, &role.Name, &role.Protected, &role.Priority, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role by ID. Returns ErrNotFound if nothing was deleted.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CreatePrivilege inserts a new privilege. For wildcard slugs the pattern
// column always mirrors the slug.
func (r *PGRepository) CreatePrivilege(ctx context.Context, priv Privilege) (Privilege, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO privileges (slug, category, priority, protected, wildcard, pattern, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at`,
		priv.Slug, priv.Category, priv.Priority, priv.Protected, priv.Wildcard, priv.Pattern,
	).Scan(&priv.ID, &priv.CreatedAt)
	if err != nil {
		return Privilege{}, mapUniqueViolation(err, shared.ErrAlreadyExists)
	}
	return priv, nil
}

// GetPrivilegeBySlug fetches a privilege by slug.
func (r *PGRepository) GetPrivilegeBySlug(ctx context.Context, slug string) (Privilege, error) {
	var priv Privilege
	err := r.q.QueryRow(ctx, `
		SELECT id, slug, category, priority, protected, wildcard, pattern, created_at
		FROM privileges WHERE slug = $1`, slug,
	).Scan(&priv.ID, &priv.Slug, &priv.Category, &priv.Priority, &priv.Protected, &priv.Wildcard, &priv.Pattern, &priv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Privilege{}, shared.ErrNotFound
		}
		return Privilege{}, err
	}
	return priv, nil
}

// ListPrivileges returns all privileges ordered by category then slug.
func (r *PGRepository) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, slug, category, priority, protected, wildcard, pattern, created_at
		FROM privileges ORDER BY category, slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var privs []Privilege
	for rows.Next() {
		var priv Privilege
		if err := rows.Scan(&priv.ID, &priv.Slug, &priv.Category, &priv.Priority, &priv.Protected, &priv.Wildcard, &priv.Pattern, &priv.CreatedAt); err != nil {
			return nil, err
		}
		privs = append(privs, priv)
	}
	return privs, rows.Err()
}

// ListLiveAssignmentsForActor returns the actor's currently valid role
// assignments. Expiry is evaluated by the database clock.
func (r *PGRepository) ListLiveAssignmentsForActor(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT ra.user_id, ra.role_id, ra.assigned_by, ra.assigned_at, ra.reason, ra.expires_at
		FROM role_assignments ra
		WHERE ra.user_id = $1 AND `+liveAssignment+`
		ORDER BY ra.role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.AssignedBy, &a.AssignedAt, &a.Reason, &a.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListLiveRoleSlugsForActor returns deduplicated role slugs for live assignments.
func (r *PGRepository) ListLiveRoleSlugsForActor(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT ro.slug
		FROM role_assignments ra
		JOIN roles ro ON ro.id = ra.role_id
		WHERE ra.user_id = $1 AND `+liveAssignment+`
		ORDER BY ro.slug`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListLivePrivilegeSlugsForActor unions privilege slugs over every live
// assignment and live grant in a single query. Wildcard slugs come back
// literally; expansion happens at check time.
func (r *PGRepository) ListLivePrivilegeSlugsForActor(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT p.slug
		FROM role_assignments ra
		JOIN role_grants rg ON rg.role_id = ra.role_id
		JOIN privileges p ON p.id = rg.privilege_id
		WHERE ra.user_id = $1 AND `+liveAssignment+` AND `+liveGrant+`
		ORDER BY p.slug`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListLiveGrantsForRole returns the role's currently valid grants.
func (r *PGRepository) ListLiveGrantsForRole(ctx context.Context, roleID int64) ([]RoleGrant, error) {
	rows, err := r.q.Query(ctx, `
		SELECT rg.role_id, rg.privilege_id, rg.reason, rg.conditions, rg.expires_at, rg.created_at
		FROM role_grants rg
		WHERE rg.role_id = $1 AND `+liveGrant+`
		ORDER BY rg.privilege_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleGrant
	for rows.Next() {
		var g RoleGrant
		var conditions []byte
		if err := rows.Scan(&g.RoleID, &g.PrivilegeID, &g.Reason, &conditions, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &g.Conditions); err != nil {
				return nil, err
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListActorIDsForRole pages actor IDs holding the role via keyset pagination
// so fan-out invalidation never loads a full membership into memory.
func (r *PGRepository) ListActorIDsForRole(ctx context.Context, roleID, afterID int64, limit int) ([]int64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT ra.user_id
		FROM role_assignments ra
		WHERE ra.role_id = $1 AND ra.user_id > $2 AND `+liveAssignment+`
		ORDER BY ra.user_id
		LIMIT $3`, roleID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActorsWithRole counts actors with a live assignment of the role.
func (r *PGRepository) CountActorsWithRole(ctx context.Context, roleID int64) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM role_assignments ra
		WHERE ra.role_id = $1 AND `+liveAssignment, roleID,
	).Scan(&n)
	return n, err
}

// UpsertAssignment creates or refreshes an assignment. The prior expiry is
// read in the same statement so a refresh that moves expires_at is reported
// alongside insertion.
func (r *PGRepository) UpsertAssignment(ctx context.Context, a RoleAssignment) (AssignmentUpsert, error) {
	var out AssignmentUpsert
	err := r.q.QueryRow(ctx, `
		WITH prior AS (
			SELECT expires_at FROM role_assignments WHERE user_id = $1 AND role_id = $2
		), upsert AS (
			INSERT INTO role_assignments (user_id, role_id, assigned_by, assigned_at, reason, expires_at)
			VALUES ($1, $2, $3, NOW(), $4, $5)
			ON CONFLICT (user_id, role_id) DO UPDATE
			SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
			RETURNING (xmax = 0) AS inserted, expires_at
		)
		SELECT u.inserted, (NOT u.inserted AND p.expires_at IS DISTINCT FROM u.expires_at)
		FROM upsert u LEFT JOIN prior p ON TRUE`,
		a.UserID, a.RoleID, a.AssignedBy, a.Reason, a.ExpiresAt,
	).Scan(&out.Created, &out.ExpiryChanged)
	return out, err
}

// RemoveAssignment deletes an assignment, reporting whether a row existed.
func (r *PGRepository) RemoveAssignment(ctx context.Context, userID, roleID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM role_assignments WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertGrant creates or refreshes a role grant.
func (r *PGRepository) UpsertGrant(ctx context.Context, g RoleGrant) (bool, error) {
	conditions, err := json.Marshal(g.Conditions)
	if err != nil {
		return false, err
	}
	if g.Conditions == nil {
		conditions = nil
	}
	var inserted bool
	err = r.q.QueryRow(ctx, `
		INSERT INTO role_grants (role_id, privilege_id, reason, conditions, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (role_id, privilege_id) DO UPDATE
		SET reason = EXCLUDED.reason, conditions = EXCLUDED.conditions, expires_at = EXCLUDED.expires_at
		RETURNING (xmax = 0)`,
		g.RoleID, g.PrivilegeID, g.Reason, conditions, g.ExpiresAt,
	).Scan(&inserted)
	return inserted, err
}

// RemoveGrant deletes a role grant, reporting whether a row existed.
func (r *PGRepository) RemoveGrant(ctx context.Context, roleID, privilegeID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM role_grants WHERE role_id = $1 AND privilege_id = $2`, roleID, privilegeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// OpenSuspension inserts an open suspension. A partial unique index on
// (user_id) WHERE unsuspended_at IS NULL enforces the single-open-record
// invariant; violations map to ErrInvariant.
func (r *PGRepository) OpenSuspension(ctx context.Context, s Suspension) (Suspension, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO suspensions (user_id, reason, details, suspended_by, suspended_at, suspended_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		s.UserID, s.Reason, s.Details, s.SuspendedBy, s.SuspendedAt, s.SuspendedUntil,
	).Scan(&s.ID)
	if err != nil {
		return Suspension{}, mapUniqueViolation(err, shared.ErrInvariant)
	}
	return s, nil
}

// CloseSuspension writes the closing half of the open suspension record.
func (r *PGRepository) CloseSuspension(ctx context.Context, userID int64, closedBy *int64, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE suspensions SET unsuspended_at = $2, unsuspended_by = $3
		WHERE user_id = $1 AND unsuspended_at IS NULL`, userID, at, closedBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// OpenSuspensionForActor returns the actor's open suspension record, nil if none.
func (r *PGRepository) OpenSuspensionForActor(ctx context.Context, userID int64) (*Suspension, error) {
	var s Suspension
	err := r.q.QueryRow(ctx, `
		SELECT id, user_id, reason, details, suspended_by, suspended_at, suspended_until, unsuspended_at, unsuspended_by
		FROM suspensions
		WHERE user_id = $1 AND unsuspended_at IS NULL`, userID,
	).Scan(&s.ID, &s.UserID, &s.Reason, &s.Details, &s.SuspendedBy, &s.SuspendedAt, &s.SuspendedUntil, &s.UnsuspendedAt, &s.UnsuspendedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListExpiredOpenSuspensions returns open suspensions whose until-date has
// passed. Used by the reconciliation sweep.
func (r *PGRepository) ListExpiredOpenSuspensions(ctx context.Context, now time.Time, limit int) ([]Suspension, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, user_id, reason, details, suspended_by, suspended_at, suspended_until, unsuspended_at, unsuspended_by
		FROM suspensions
		WHERE unsuspended_at IS NULL AND suspended_until IS NOT NULL AND suspended_until <= $1
		ORDER BY id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Suspension
	for rows.Next() {
		var s Suspension
		if err := rows.Scan(&s.ID, &s.UserID, &s.Reason, &s.Details, &s.SuspendedBy, &s.SuspendedAt, &s.SuspendedUntil, &s.UnsuspendedAt, &s.UnsuspendedBy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func mapUniqueViolation(err error, mapped error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return mapped
	}
	return err
}
