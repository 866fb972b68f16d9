package authz

import "time"

// Role is a named bundle of privileges.
type Role struct {
	ID        int64
	Slug      string
	Name      string
	Protected bool
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Privilege is an atomic or wildcard capability identifier. For wildcard
// privileges Pattern always equals Slug.
type Privilege struct {
	ID        int64
	Slug      string
	Category  string
	Priority  int
	Protected bool
	Wildcard  bool
	Pattern   string
	CreatedAt time.Time
}

// RoleAssignment ties an actor to a role, optionally time-bounded. An
// assignment whose expiry has passed is treated as absent by all resolution
// queries; rows are never pruned eagerly.
type RoleAssignment struct {
	UserID     int64
	RoleID     int64
	AssignedBy *int64
	AssignedAt time.Time
	Reason     string
	ExpiresAt  *time.Time
}

// RoleGrant ties a privilege to a role, optionally conditioned and
// time-bounded. Same liveness rule as RoleAssignment.
type RoleGrant struct {
	RoleID      int64
	PrivilegeID int64
	Reason      string
	Conditions  map[string]any
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Suspension records an actor lock-out. At most one open suspension
// (UnsuspendedAt == nil) exists per actor.
type Suspension struct {
	ID             int64
	UserID         int64
	Reason         string
	Details        string
	SuspendedBy    *int64
	SuspendedAt    time.Time
	SuspendedUntil *time.Time
	UnsuspendedAt  *time.Time
	UnsuspendedBy  *int64
}

// Active reports whether the suspension is in force at the given instant.
// An open suspension whose until-date has passed counts as inactive; the
// closing record is written lazily by the reconciliation sweep.
func (s Suspension) Active(now time.Time) bool {
	if s.UnsuspendedAt != nil {
		return false
	}
	if s.SuspendedUntil != nil && !s.SuspendedUntil.After(now) {
		return false
	}
	return true
}

// Principal identifies the actor a check runs against.
type Principal interface {
	PrincipalID() int64
}

// UserRef is a Principal backed by a user identifier.
type UserRef int64

// PrincipalID returns the user identifier.
func (u UserRef) PrincipalID() int64 { return int64(u) }

// Guest is the anonymous principal. Every check against it denies.
type Guest struct{}

// PrincipalID returns zero; the gate treats zero as anonymous.
func (Guest) PrincipalID() int64 { return 0 }
