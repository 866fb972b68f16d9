package authz

import (
	"context"
	"time"
)

// AssignmentUpsert reports how an assignment upsert landed. Created means a
// new row; ExpiryChanged means an existing row's expires_at moved, which
// changes the actor's effective set even though nothing was inserted.
type AssignmentUpsert struct {
	Created       bool
	ExpiryChanged bool
}

// Repository defines the grant store: roles, privileges, assignments,
// grants and the suspension ledger. Liveness filters (expiry) are applied
// by the implementation at the data layer, never re-evaluated in callers.
type Repository interface {
	// WithTx runs fn against a transaction-bound repository view.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Catalog.
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRoleBySlug(ctx context.Context, slug string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CreatePrivilege(ctx context.Context, priv Privilege) (Privilege, error)
	GetPrivilegeBySlug(ctx context.Context, slug string) (Privilege, error)
	ListPrivileges(ctx context.Context) ([]Privilege, error)

	// Live reads used by the resolver.
	ListLiveAssignmentsForActor(ctx context.Context, userID int64) ([]RoleAssignment, error)
	ListLiveRoleSlugsForActor(ctx context.Context, userID int64) ([]string, error)
	ListLivePrivilegeSlugsForActor(ctx context.Context, userID int64) ([]string, error)
	ListLiveGrantsForRole(ctx context.Context, roleID int64) ([]RoleGrant, error)

	// Reverse fan-out, keyset paged: actor IDs currently holding the role,
	// strictly greater than afterID, ascending, at most limit rows.
	ListActorIDsForRole(ctx context.Context, roleID, afterID int64, limit int) ([]int64, error)
	CountActorsWithRole(ctx context.Context, roleID int64) (int64, error)

	// Assignment and grant mutations. UpsertAssignment reports whether a
	// row was created and, on refresh, whether the expiry moved; grant
	// upserts report creation only.
	UpsertAssignment(ctx context.Context, a RoleAssignment) (AssignmentUpsert, error)
	RemoveAssignment(ctx context.Context, userID, roleID int64) (bool, error)
	UpsertGrant(ctx context.Context, g RoleGrant) (bool, error)
	RemoveGrant(ctx context.Context, roleID, privilegeID int64) (bool, error)

	// Suspension ledger.
	OpenSuspension(ctx context.Context, s Suspension) (Suspension, error)
	CloseSuspension(ctx context.Context, userID int64, closedBy *int64, at time.Time) (bool, error)
	OpenSuspensionForActor(ctx context.Context, userID int64) (*Suspension, error)
	ListExpiredOpenSuspensions(ctx context.Context, now time.Time, limit int) ([]Suspension, error)
}
