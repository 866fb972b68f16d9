package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// ServiceConfig tunes mutation-side invariants.
type ServiceConfig struct {
	// SuperAdminRole is the role slug whose last live holder can never be
	// stripped. Defaults to "super-admin".
	SuperAdminRole string
}

// Service orchestrates grant, assignment and suspension mutations. Every
// write synchronously evicts the affected cache keys through the
// Invalidator and then emits a domain event for the asynchronous consumers
// (token synchronizer, audit sink).
type Service struct {
	repo           Repository
	invalidator    *Invalidator
	bus            *Bus
	logger         *slog.Logger
	superAdminRole string
}

// NewService constructs the mutation service.
func NewService(repo Repository, invalidator *Invalidator, bus *Bus, cfg ServiceConfig, logger *slog.Logger) *Service {
	role := cfg.SuperAdminRole
	if role == "" {
		role = "super-admin"
	}
	return &Service{repo: repo, invalidator: invalidator, bus: bus, logger: logger, superAdminRole: role}
}

// AssignRoleOptions carries optional assignment metadata.
type AssignRoleOptions struct {
	ActorID   *int64
	Reason    string
	ExpiresAt *time.Time
}

// RemoveRoleOptions carries removal metadata. Override permits stripping a
// protected role.
type RemoveRoleOptions struct {
	ActorID  *int64
	Reason   string
	Override bool
}

// GrantPrivilegeOptions carries optional grant metadata.
type GrantPrivilegeOptions struct {
	ActorID    *int64
	Reason     string
	Conditions map[string]any
	ExpiresAt  *time.Time
}

// SuspendOptions carries suspension metadata. A zero Duration suspends
// indefinitely.
type SuspendOptions struct {
	ActorID  *int64
	Details  string
	Duration time.Duration
}

// AssignRole gives the actor a role. Re-assigning an already held role
// refreshes its metadata without duplicating the assignment; a refresh that
// moves the expiry changes the actor's effective set, so it republishes the
// assignment event and downstream credential snapshots get rewritten.
func (s *Service) AssignRole(ctx context.Context, userID int64, roleSlug string, opts AssignRoleOptions) error {
	role, err := s.repo.GetRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}
	res, err := s.repo.UpsertAssignment(ctx, RoleAssignment{
		UserID:     userID,
		RoleID:     role.ID,
		AssignedBy: opts.ActorID,
		Reason:     opts.Reason,
		ExpiresAt:  opts.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if err := s.invalidator.InvalidateActor(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate actor %d: %w", userID, err)
	}
	if res.Created || res.ExpiryChanged {
		ev := Event{
			Kind:          EventRoleAssigned,
			SubjectUserID: userID,
			RoleID:        role.ID,
			RoleSlug:      role.Slug,
			ActorID:       opts.ActorID,
			Reason:        opts.Reason,
		}
		if !res.Created {
			ev.Meta = map[string]any{"refreshed": true}
		}
		s.publish(ctx, ev)
	}
	return nil
}

// RemoveRole strips a role from the actor. Protected roles require an
// explicit override, and the last live holder of the super-admin role can
// never be removed; in both cases the assignment stays untouched.
func (s *Service) RemoveRole(ctx context.Context, userID int64, roleSlug string, opts RemoveRoleOptions) error {
	var role Role
	var removed bool
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		var err error
		role, err = tx.GetRoleBySlug(ctx, roleSlug)
		if err != nil {
			return err
		}
		if role.Protected && !opts.Override {
			return fmt.Errorf("role %q: %w", roleSlug, shared.ErrProtected)
		}
		if err := s.guardLastSuperAdmin(ctx, tx, userID, role); err != nil {
			return err
		}
		removed, err = tx.RemoveAssignment(ctx, userID, role.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := s.invalidator.InvalidateActor(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate actor %d: %w", userID, err)
	}
	s.publish(ctx, Event{
		Kind:          EventRoleRevoked,
		SubjectUserID: userID,
		RoleID:        role.ID,
		RoleSlug:      role.Slug,
		ActorID:       opts.ActorID,
		Reason:        opts.Reason,
	})
	return nil
}

// SyncRoles reconciles the actor's assignments towards the given slugs.
// With detach, roles outside the list are removed under the same guards as
// RemoveRole.
func (s *Service) SyncRoles(ctx context.Context, userID int64, roleSlugs []string, detach bool, opts RemoveRoleOptions) error {
	var added, revoked []Role
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		target := make(map[int64]Role, len(roleSlugs))
		for _, slug := range roleSlugs {
			role, err := tx.GetRoleBySlug(ctx, slug)
			if err != nil {
				return err
			}
			target[role.ID] = role
		}
		current, err := tx.ListLiveAssignmentsForActor(ctx, userID)
		if err != nil {
			return err
		}
		held := make(map[int64]struct{}, len(current))
		for _, a := range current {
			held[a.RoleID] = struct{}{}
		}
		for id, role := range target {
			if _, ok := held[id]; ok {
				continue
			}
			res, err := tx.UpsertAssignment(ctx, RoleAssignment{
				UserID:     userID,
				RoleID:     id,
				AssignedBy: opts.ActorID,
				Reason:     opts.Reason,
			})
			if err != nil {
				return err
			}
			// A revived expired assignment counts as an addition too.
			if res.Created || res.ExpiryChanged {
				added = append(added, role)
			}
		}
		if !detach {
			return nil
		}
		for _, a := range current {
			if _, ok := target[a.RoleID]; ok {
				continue
			}
			role, err := roleByID(ctx, tx, a.RoleID)
			if err != nil {
				return err
			}
			if role.Protected && !opts.Override {
				return fmt.Errorf("role %q: %w", role.Slug, shared.ErrProtected)
			}
			if err := s.guardLastSuperAdmin(ctx, tx, userID, role); err != nil {
				return err
			}
			removed, err := tx.RemoveAssignment(ctx, userID, a.RoleID)
			if err != nil {
				return err
			}
			if removed {
				revoked = append(revoked, role)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(added) == 0 && len(revoked) == 0 {
		return nil
	}
	if err := s.invalidator.InvalidateActor(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate actor %d: %w", userID, err)
	}
	for _, role := range added {
		s.publish(ctx, Event{Kind: EventRoleAssigned, SubjectUserID: userID, RoleID: role.ID, RoleSlug: role.Slug, ActorID: opts.ActorID, Reason: opts.Reason})
	}
	for _, role := range revoked {
		s.publish(ctx, Event{Kind: EventRoleRevoked, SubjectUserID: userID, RoleID: role.ID, RoleSlug: role.Slug, ActorID: opts.ActorID, Reason: opts.Reason})
	}
	return nil
}

// GrantPrivilege grants a privilege to a role and fans invalidation out to
// every actor currently holding the role.
func (s *Service) GrantPrivilege(ctx context.Context, roleSlug, privilegeSlug string, opts GrantPrivilegeOptions) error {
	role, err := s.repo.GetRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}
	priv, err := s.repo.GetPrivilegeBySlug(ctx, privilegeSlug)
	if err != nil {
		return err
	}
	created, err := s.repo.UpsertGrant(ctx, RoleGrant{
		RoleID:      role.ID,
		PrivilegeID: priv.ID,
		Reason:      opts.Reason,
		Conditions:  opts.Conditions,
		ExpiresAt:   opts.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if err := s.invalidator.InvalidateRole(ctx, role.ID); err != nil {
		return fmt.Errorf("authz: invalidate role %d: %w", role.ID, err)
	}
	if created {
		s.publish(ctx, Event{
			Kind:          EventPrivilegeGranted,
			RoleID:        role.ID,
			RoleSlug:      role.Slug,
			PrivilegeSlug: priv.Slug,
			ActorID:       opts.ActorID,
			Reason:        opts.Reason,
		})
	}
	return nil
}

// RevokePrivilege removes a privilege from a role with the same fan-out as
// GrantPrivilege. Revoking an absent grant is a no-op.
func (s *Service) RevokePrivilege(ctx context.Context, roleSlug, privilegeSlug string, actorID *int64) error {
	role, err := s.repo.GetRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}
	priv, err := s.repo.GetPrivilegeBySlug(ctx, privilegeSlug)
	if err != nil {
		return err
	}
	removed, err := s.repo.RemoveGrant(ctx, role.ID, priv.ID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := s.invalidator.InvalidateRole(ctx, role.ID); err != nil {
		return fmt.Errorf("authz: invalidate role %d: %w", role.ID, err)
	}
	s.publish(ctx, Event{
		Kind:          EventPrivilegeRevoked,
		RoleID:        role.ID,
		RoleSlug:      role.Slug,
		PrivilegeSlug: priv.Slug,
		ActorID:       actorID,
	})
	return nil
}

// Suspend opens a suspension for the actor. An actor with an active open
// suspension must be unsuspended first; an open record whose until-date has
// already passed is closed in place before the new one opens.
func (s *Service) Suspend(ctx context.Context, userID int64, reason string, opts SuspendOptions) error {
	now := time.Now().UTC()
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		open, err := tx.OpenSuspensionForActor(ctx, userID)
		if err != nil {
			return err
		}
		if open != nil {
			if open.Active(now) {
				return fmt.Errorf("actor %d already suspended: %w", userID, shared.ErrInvariant)
			}
			if _, err := tx.CloseSuspension(ctx, userID, nil, now); err != nil {
				return err
			}
		}
		suspension := Suspension{
			UserID:      userID,
			Reason:      reason,
			Details:     opts.Details,
			SuspendedBy: opts.ActorID,
			SuspendedAt: now,
		}
		if opts.Duration > 0 {
			until := now.Add(opts.Duration)
			suspension.SuspendedUntil = &until
		}
		_, err = tx.OpenSuspension(ctx, suspension)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.invalidator.InvalidateActor(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate actor %d: %w", userID, err)
	}
	s.publish(ctx, Event{
		Kind:          EventUserSuspended,
		SubjectUserID: userID,
		ActorID:       opts.ActorID,
		Reason:        reason,
		Meta:          map[string]any{"details": opts.Details},
	})
	return nil
}

// Unsuspend closes the actor's open suspension. Credentials revoked by the
// suspension stay revoked; the actor must obtain fresh ones.
func (s *Service) Unsuspend(ctx context.Context, userID int64, actorID *int64) error {
	closed, err := s.repo.CloseSuspension(ctx, userID, actorID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("actor %d not suspended: %w", userID, shared.ErrInvariant)
	}
	if err := s.invalidator.InvalidateActor(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate actor %d: %w", userID, err)
	}
	s.publish(ctx, Event{
		Kind:          EventUserUnsuspended,
		SubjectUserID: userID,
		ActorID:       actorID,
	})
	return nil
}

// ReconcileExpiredSuspensions writes closing records for open suspensions
// whose until-date has passed. Lazy evaluation already treats them as
// inactive; this converges the ledger. Returns the number closed.
func (s *Service) ReconcileExpiredSuspensions(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	expired, err := s.repo.ListExpiredOpenSuspensions(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, susp := range expired {
		ok, err := s.repo.CloseSuspension(ctx, susp.UserID, nil, now)
		if err != nil {
			return closed, err
		}
		if !ok {
			continue
		}
		closed++
		if err := s.invalidator.InvalidateActor(ctx, susp.UserID); err != nil && s.logger != nil {
			s.logger.Error("invalidate after sweep", slog.Int64("user_id", susp.UserID), slog.Any("error", err))
		}
		s.publish(ctx, Event{
			Kind:          EventUserUnsuspended,
			SubjectUserID: susp.UserID,
			Reason:        "suspension expired",
		})
	}
	return closed, nil
}

// CreateRole inserts a new role into the catalog.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Slug = strings.TrimSpace(role.Slug)
	if role.Slug == "" {
		return Role{}, fmt.Errorf("role slug required: %w", shared.ErrInvariant)
	}
	if role.Name == "" {
		role.Name = role.Slug
	}
	return s.repo.CreateRole(ctx, role)
}

// CreatePrivilege inserts a new privilege. Wildcard slugs always carry
// their own slug as pattern.
func (s *Service) CreatePrivilege(ctx context.Context, priv Privilege) (Privilege, error) {
	priv.Slug = strings.TrimSpace(priv.Slug)
	if priv.Slug == "" {
		return Privilege{}, fmt.Errorf("privilege slug required: %w", shared.ErrInvariant)
	}
	if strings.Contains(priv.Slug, "*") {
		priv.Wildcard = true
		priv.Pattern = priv.Slug
	} else {
		priv.Wildcard = false
		priv.Pattern = ""
	}
	return s.repo.CreatePrivilege(ctx, priv)
}

// DeleteRole removes a role from the catalog. Membership is snapshotted
// before the delete because the cascade drops the assignment rows; eviction
// and the per-holder revocation events then run after the delete, so a
// racing reader cannot re-cache the pre-delete privilege set and credential
// snapshots are rewritten from the post-delete graph. Protected roles
// require an explicit override.
func (s *Service) DeleteRole(ctx context.Context, slug string, override bool) error {
	role, err := s.repo.GetRoleBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if role.Protected && !override {
		return fmt.Errorf("role %q: %w", slug, shared.ErrProtected)
	}
	var holders []int64
	var afterID int64
	for {
		page, err := s.repo.ListActorIDsForRole(ctx, role.ID, afterID, s.invalidator.batchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		holders = append(holders, page...)
		afterID = page[len(page)-1]
		if len(page) < s.invalidator.batchSize {
			break
		}
	}
	if err := s.repo.DeleteRole(ctx, role.ID); err != nil {
		return err
	}
	for _, userID := range holders {
		if err := s.invalidator.InvalidateActor(ctx, userID); err != nil && s.logger != nil {
			s.logger.Error("invalidate after role delete",
				slog.Int64("user_id", userID),
				slog.Int64("role_id", role.ID),
				slog.Any("error", err))
		}
		s.publish(ctx, Event{
			Kind:          EventRoleRevoked,
			SubjectUserID: userID,
			RoleID:        role.ID,
			RoleSlug:      role.Slug,
			Reason:        "role deleted",
		})
	}
	return nil
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPrivileges returns the privilege catalog.
func (s *Service) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	return s.repo.ListPrivileges(ctx)
}

func (s *Service) guardLastSuperAdmin(ctx context.Context, tx Repository, userID int64, role Role) error {
	if role.Slug != s.superAdminRole {
		return nil
	}
	holders, err := tx.CountActorsWithRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if holders > 1 {
		return nil
	}
	assignments, err := tx.ListLiveAssignmentsForActor(ctx, userID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.RoleID == role.ID {
			return fmt.Errorf("cannot remove last holder of %q: %w", role.Slug, shared.ErrProtected)
		}
	}
	return nil
}

func roleByID(ctx context.Context, repo Repository, id int64) (Role, error) {
	roles, err := repo.ListRoles(ctx)
	if err != nil {
		return Role{}, err
	}
	for _, role := range roles {
		if role.ID == id {
			return role, nil
		}
	}
	return Role{}, shared.ErrNotFound
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, ev)
}
