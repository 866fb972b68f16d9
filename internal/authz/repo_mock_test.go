package authz

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

type pair struct{ a, b int64 }

// mockRepo is a map-backed Repository for service and gate tests.
type mockRepo struct {
	mu sync.Mutex

	roles       map[int64]Role
	rolesBySlug map[string]int64
	nextRoleID  int64

	privs       map[int64]Privilege
	privsBySlug map[string]int64
	nextPrivID  int64

	assignments map[pair]RoleAssignment // (userID, roleID)
	grants      map[pair]RoleGrant      // (roleID, privilegeID)

	suspensions []Suspension
	nextSuspID  int64

	// Error injection.
	suspensionErr    error
	privilegeReadErr error
	roleReadErr      error
	pageErr          error

	// Call counters.
	privilegeReads int
	roleReads      int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		roles:       make(map[int64]Role),
		rolesBySlug: make(map[string]int64),
		nextRoleID:  1,
		privs:       make(map[int64]Privilege),
		privsBySlug: make(map[string]int64),
		nextPrivID:  1,
		assignments: make(map[pair]RoleAssignment),
		grants:      make(map[pair]RoleGrant),
		nextSuspID:  1,
	}
}

func live(expiresAt *time.Time) bool {
	return expiresAt == nil || expiresAt.After(time.Now())
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	return fn(m)
}

func (m *mockRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolesBySlug[role.Slug]; ok {
		return Role{}, shared.ErrAlreadyExists
	}
	role.ID = m.nextRoleID
	m.nextRoleID++
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = role
	m.rolesBySlug[role.Slug] = role.ID
	return role, nil
}

func (m *mockRepo) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.rolesBySlug[slug]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return m.roles[id], nil
}

func (m *mockRepo) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) DeleteRole(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolesBySlug, role.Slug)
	for k := range m.assignments {
		if k.b == id {
			delete(m.assignments, k)
		}
	}
	for k := range m.grants {
		if k.a == id {
			delete(m.grants, k)
		}
	}
	return nil
}

func (m *mockRepo) CreatePrivilege(ctx context.Context, priv Privilege) (Privilege, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.privsBySlug[priv.Slug]; ok {
		return Privilege{}, shared.ErrAlreadyExists
	}
	priv.ID = m.nextPrivID
	m.nextPrivID++
	priv.CreatedAt = time.Now()
	m.privs[priv.ID] = priv
	m.privsBySlug[priv.Slug] = priv.ID
	return priv, nil
}

func (m *mockRepo) GetPrivilegeBySlug(ctx context.Context, slug string) (Privilege, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.privsBySlug[slug]
	if !ok {
		return Privilege{}, shared.ErrNotFound
	}
	return m.privs[id], nil
}

func (m *mockRepo) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Privilege, 0, len(m.privs))
	for _, p := range m.privs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) ListLiveAssignmentsForActor(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoleAssignment
	for k, a := range m.assignments {
		if k.a == userID && live(a.ExpiresAt) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (m *mockRepo) ListLiveRoleSlugsForActor(ctx context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleReads++
	if m.roleReadErr != nil {
		return nil, m.roleReadErr
	}
	var out []string
	for k, a := range m.assignments {
		if k.a == userID && live(a.ExpiresAt) {
			out = append(out, m.roles[k.b].Slug)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockRepo) ListLivePrivilegeSlugsForActor(ctx context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privilegeReads++
	if m.privilegeReadErr != nil {
		return nil, m.privilegeReadErr
	}
	seen := make(map[string]struct{})
	for k, a := range m.assignments {
		if k.a != userID || !live(a.ExpiresAt) {
			continue
		}
		for gk, g := range m.grants {
			if gk.a == k.b && live(g.ExpiresAt) {
				seen[m.privs[gk.b].Slug] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockRepo) ListLiveGrantsForRole(ctx context.Context, roleID int64) ([]RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoleGrant
	for k, g := range m.grants {
		if k.a == roleID && live(g.ExpiresAt) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrivilegeID < out[j].PrivilegeID })
	return out, nil
}

func (m *mockRepo) ListActorIDsForRole(ctx context.Context, roleID, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pageErr != nil {
		return nil, m.pageErr
	}
	var ids []int64
	for k, a := range m.assignments {
		if k.b == roleID && k.a > afterID && live(a.ExpiresAt) {
			ids = append(ids, k.a)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockRepo) CountActorsWithRole(ctx context.Context, roleID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, a := range m.assignments {
		if k.b == roleID && live(a.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) UpsertAssignment(ctx context.Context, a RoleAssignment) (AssignmentUpsert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair{a.UserID, a.RoleID}
	prior, existed := m.assignments[key]
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	m.assignments[key] = a
	if !existed {
		return AssignmentUpsert{Created: true}, nil
	}
	return AssignmentUpsert{ExpiryChanged: !sameExpiry(prior.ExpiresAt, a.ExpiresAt)}, nil
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *mockRepo) RemoveAssignment(ctx context.Context, userID, roleID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair{userID, roleID}
	if _, ok := m.assignments[key]; !ok {
		return false, nil
	}
	delete(m.assignments, key)
	return true, nil
}

func (m *mockRepo) UpsertGrant(ctx context.Context, g RoleGrant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair{g.RoleID, g.PrivilegeID}
	_, existed := m.grants[key]
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	m.grants[key] = g
	return !existed, nil
}

func (m *mockRepo) RemoveGrant(ctx context.Context, roleID, privilegeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair{roleID, privilegeID}
	if _, ok := m.grants[key]; !ok {
		return false, nil
	}
	delete(m.grants, key)
	return true, nil
}

func (m *mockRepo) OpenSuspension(ctx context.Context, s Suspension) (Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.suspensions {
		if existing.UserID == s.UserID && existing.UnsuspendedAt == nil {
			return Suspension{}, shared.ErrInvariant
		}
	}
	s.ID = m.nextSuspID
	m.nextSuspID++
	m.suspensions = append(m.suspensions, s)
	return s, nil
}

func (m *mockRepo) CloseSuspension(ctx context.Context, userID int64, closedBy *int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.suspensions {
		if m.suspensions[i].UserID == userID && m.suspensions[i].UnsuspendedAt == nil {
			closedAt := at
			m.suspensions[i].UnsuspendedAt = &closedAt
			m.suspensions[i].UnsuspendedBy = closedBy
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) OpenSuspensionForActor(ctx context.Context, userID int64) (*Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspensionErr != nil {
		return nil, m.suspensionErr
	}
	for i := range m.suspensions {
		if m.suspensions[i].UserID == userID && m.suspensions[i].UnsuspendedAt == nil {
			s := m.suspensions[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) ListExpiredOpenSuspensions(ctx context.Context, now time.Time, limit int) ([]Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suspension
	for _, s := range m.suspensions {
		if s.UnsuspendedAt == nil && s.SuspendedUntil != nil && !s.SuspendedUntil.After(now) {
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var _ Repository = (*mockRepo)(nil)

// busRecorder captures published events for assertions.
type busRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *busRecorder) HandleEvent(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *busRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}
