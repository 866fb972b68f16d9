package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatehouse-id/gatehouse/internal/observability"
	"github.com/gatehouse-id/gatehouse/internal/shared"
	"github.com/gatehouse-id/gatehouse/internal/wildcard"
)

// FailPolicy selects how the gate treats resolution failures.
type FailPolicy string

const (
	// FailClosed converts resolution failures into denials. Default.
	FailClosed FailPolicy = "closed"
	// FailOpen surfaces resolution failures to the caller outside
	// production. The decision is still a denial; fail-open never grants
	// access on error.
	FailOpen FailPolicy = "open"
)

// SecurityLog receives the mandatory audit record for every resolution
// failure the gate converts into a denial.
type SecurityLog interface {
	FailClosed(ctx context.Context, userID int64, check, subject string, cause error)
}

// GateConfig tunes the boundary policy.
type GateConfig struct {
	Policy     FailPolicy
	Production bool
}

// Gate is the boundary API for authorization checks. Policy order: an
// anonymous principal denies, a suspended actor denies unconditionally,
// then the resolved privilege set is tested exact-match first and wildcard
// second.
type Gate struct {
	resolver *Resolver
	repo     Repository
	policy   FailPolicy
	prod     bool
	security SecurityLog
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewGate constructs the gate. security and metrics may be nil.
func NewGate(resolver *Resolver, repo Repository, cfg GateConfig, security SecurityLog, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	policy := cfg.Policy
	if policy != FailOpen {
		policy = FailClosed
	}
	return &Gate{
		resolver: resolver,
		repo:     repo,
		policy:   policy,
		prod:     cfg.Production,
		security: security,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HasPrivilege reports whether the actor currently holds the privilege,
// either literally or through a wildcard grant.
func (g *Gate) HasPrivilege(ctx context.Context, p Principal, slug string) (bool, error) {
	return g.checkPrivileges(ctx, "privilege", p, slug, []string{slug}, false)
}

// HasAnyPrivilege reports whether the actor holds at least one of the
// privileges. An empty list denies (any([]) == false).
func (g *Gate) HasAnyPrivilege(ctx context.Context, p Principal, slugs []string) (bool, error) {
	return g.checkPrivileges(ctx, "privilege_any", p, firstOf(slugs), slugs, false)
}

// HasAllPrivileges reports whether the actor holds every privilege. An
// empty list allows (all([]) == true).
func (g *Gate) HasAllPrivileges(ctx context.Context, p Principal, slugs []string) (bool, error) {
	return g.checkPrivileges(ctx, "privilege_all", p, firstOf(slugs), slugs, true)
}

// HasRole reports whether the actor currently holds the role.
func (g *Gate) HasRole(ctx context.Context, p Principal, roleSlug string) (bool, error) {
	return g.checkRoles(ctx, "role", p, roleSlug, []string{roleSlug}, false)
}

// HasAnyRole reports whether the actor holds at least one of the roles.
func (g *Gate) HasAnyRole(ctx context.Context, p Principal, roleSlugs []string) (bool, error) {
	return g.checkRoles(ctx, "role_any", p, firstOf(roleSlugs), roleSlugs, false)
}

// HasAllRoles reports whether the actor holds every role.
func (g *Gate) HasAllRoles(ctx context.Context, p Principal, roleSlugs []string) (bool, error) {
	return g.checkRoles(ctx, "role_all", p, firstOf(roleSlugs), roleSlugs, true)
}

func (g *Gate) checkPrivileges(ctx context.Context, check string, p Principal, subject string, slugs []string, all bool) (bool, error) {
	return g.run(ctx, check, p, subject, func(ctx context.Context, userID int64) (bool, error) {
		granted, err := g.resolver.ResolvePrivileges(ctx, userID)
		if err != nil {
			return false, err
		}
		if all {
			for _, slug := range slugs {
				if !privilegesCover(granted, slug) {
					return false, nil
				}
			}
			return true, nil
		}
		for _, slug := range slugs {
			if privilegesCover(granted, slug) {
				return true, nil
			}
		}
		return false, nil
	})
}

func (g *Gate) checkRoles(ctx context.Context, check string, p Principal, subject string, slugs []string, all bool) (bool, error) {
	return g.run(ctx, check, p, subject, func(ctx context.Context, userID int64) (bool, error) {
		held, err := g.resolver.ResolveRoles(ctx, userID)
		if err != nil {
			return false, err
		}
		set := make(map[string]struct{}, len(held))
		for _, s := range held {
			set[s] = struct{}{}
		}
		if all {
			for _, slug := range slugs {
				if _, ok := set[slug]; !ok {
					return false, nil
				}
			}
			return true, nil
		}
		for _, slug := range slugs {
			if _, ok := set[slug]; ok {
				return true, nil
			}
		}
		return false, nil
	})
}

func (g *Gate) run(ctx context.Context, check string, p Principal, subject string, test func(context.Context, int64) (bool, error)) (bool, error) {
	if p == nil {
		g.metrics.ObserveCheck(check, false)
		return false, nil
	}
	userID := p.PrincipalID()
	if userID == 0 {
		g.metrics.ObserveCheck(check, false)
		return false, nil
	}

	// The suspension read bypasses the cache on every call so a fresh
	// suspension takes effect before any privilege TTL expires.
	susp, err := g.repo.OpenSuspensionForActor(ctx, userID)
	if err != nil {
		return g.fail(ctx, check, userID, subject, shared.NewResolutionError("read suspension", err))
	}
	if susp != nil && susp.Active(g.now()) {
		g.metrics.ObserveCheck(check, false)
		return false, nil
	}

	allowed, err := test(ctx, userID)
	if err != nil {
		return g.fail(ctx, check, userID, subject, err)
	}
	g.metrics.ObserveCheck(check, allowed)
	return allowed, nil
}

// fail applies the fail policy to a resolution failure. The decision is
// always a denial; the policy only decides whether the error surfaces.
func (g *Gate) fail(ctx context.Context, check string, userID int64, subject string, err error) (bool, error) {
	if !shared.IsResolutionFailure(err) {
		return false, err
	}
	g.metrics.ObserveFailClosed()
	if g.security != nil {
		g.security.FailClosed(ctx, userID, check, subject, err)
	}
	if g.logger != nil {
		g.logger.Error("authorization resolution failed",
			slog.String("check", check),
			slog.Int64("user_id", userID),
			slog.String("subject", subject),
			slog.Any("error", err))
	}
	if g.policy == FailOpen && !g.prod {
		return false, err
	}
	g.metrics.ObserveCheck(check, false)
	return false, nil
}

// privilegesCover tests an exact match before trying every granted
// wildcard pattern against the requested slug. Matching never runs in the
// reverse direction.
func privilegesCover(granted []string, slug string) bool {
	for _, g := range granted {
		if g == slug {
			return true
		}
	}
	for _, g := range granted {
		if wildcard.IsPattern(g) && wildcard.Match(g, slug) {
			return true
		}
	}
	return false
}

func firstOf(slugs []string) string {
	if len(slugs) == 0 {
		return ""
	}
	return slugs[0]
}
