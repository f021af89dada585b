package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/practicehq/authz/pkg/observability"
)

// UsersByRole is the reverse lookup the invalidator needs: which users hold
// a role right now, deduplicated across organizations.
type UsersByRole interface {
	GetUsersWithRole(ctx context.Context, roleID int64) ([]int64, error)
}

// CredentialRevoker revokes every outstanding credential for a user. The
// engine never issues credentials itself; this is the narrow hook into the
// session system.
type CredentialRevoker interface {
	RevokeAllForUser(ctx context.Context, userID int64) (int, error)
}

// Result summarizes one invalidation operation for audit logging.
type Result struct {
	RoleEvicted        bool
	UsersAffected      int
	ContextsEvicted    int
	CredentialsRevoked int
}

// Invalidator retracts cached authorization state when roles, permissions or
// memberships change. Callers must write the system of record first and
// invalidate second; the invalidator assumes the database already reflects
// the change it is propagating.
type Invalidator struct {
	cache    *ContextCache
	users    UsersByRole
	sessions CredentialRevoker
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewInvalidator creates an invalidator. sessions may be nil when the host
// application has no revocable credentials.
func NewInvalidator(cache *ContextCache, users UsersByRole, sessions CredentialRevoker, logger *observability.Logger, metrics *observability.Metrics) *Invalidator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Invalidator{
		cache:    cache,
		users:    users,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// RolePermissionsChanged propagates a change to a role's permission set: the
// role's cache entry and the context of every current holder are evicted.
// With revokeCredentials set, every holder's credentials are revoked as
// well. That is the path for permission downgrades, where waiting out a TTL would
// mean privilege retention. Eviction is attempted for every user even when
// some fail; the combined error reports all failures.
func (inv *Invalidator) RolePermissionsChanged(ctx context.Context, roleID int64, revokeCredentials bool) (Result, error) {
	var result Result
	var errs []error

	evicted, err := inv.cache.InvalidateRolePermissions(ctx, roleID)
	if err != nil {
		errs = append(errs, err)
	}
	result.RoleEvicted = evicted

	userIDs, err := inv.users.GetUsersWithRole(ctx, roleID)
	if err != nil {
		return result, errors.Join(append(errs, fmt.Errorf("failed to resolve holders of role %d: %w", roleID, err))...)
	}
	result.UsersAffected = len(userIDs)

	for _, userID := range userIDs {
		ok, err := inv.cache.InvalidateUserContext(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			result.ContextsEvicted++
		}
	}

	if revokeCredentials && inv.sessions != nil {
		for _, userID := range userIDs {
			if _, err := inv.sessions.RevokeAllForUser(ctx, userID); err != nil {
				errs = append(errs, fmt.Errorf("failed to revoke credentials for user %d: %w", userID, err))
				continue
			}
			result.CredentialsRevoked++
			inv.metrics.CredentialRevocationsTotal.Inc()
		}
	}

	inv.metrics.InvalidationsTotal.WithLabelValues("role_permissions").Inc()
	inv.logger.WithFields(map[string]interface{}{
		"role_id":             roleID,
		"users_affected":      result.UsersAffected,
		"contexts_evicted":    result.ContextsEvicted,
		"credentials_revoked": result.CredentialsRevoked,
	}).Info("invalidated role permission change")

	return result, errors.Join(errs...)
}

// UserAccessChanged propagates a change to one user's role assignments or
// organization memberships by evicting that user's context.
func (inv *Invalidator) UserAccessChanged(ctx context.Context, userID int64) (bool, error) {
	evicted, err := inv.cache.InvalidateUserContext(ctx, userID)
	if err != nil {
		return false, err
	}
	inv.metrics.InvalidationsTotal.WithLabelValues("user_access").Inc()
	return evicted, nil
}

// UserDeactivated evicts the user's context and revokes all credentials so
// the deactivation takes effect on the next request, not the next TTL.
func (inv *Invalidator) UserDeactivated(ctx context.Context, userID int64) (Result, error) {
	var result Result
	var errs []error

	evicted, err := inv.cache.InvalidateUserContext(ctx, userID)
	if err != nil {
		errs = append(errs, err)
	}
	if evicted {
		result.ContextsEvicted = 1
	}
	result.UsersAffected = 1

	if inv.sessions != nil {
		if _, err := inv.sessions.RevokeAllForUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke credentials for user %d: %w", userID, err))
		} else {
			result.CredentialsRevoked = 1
			inv.metrics.CredentialRevocationsTotal.Inc()
		}
	}

	inv.metrics.InvalidationsTotal.WithLabelValues("user_deactivated").Inc()
	return result, errors.Join(errs...)
}

// RevokeCredentials revokes every outstanding credential for one user, used
// when a single user's access is downgraded. Returns the number of
// credentials revoked, zero when no credential store is wired.
func (inv *Invalidator) RevokeCredentials(ctx context.Context, userID int64) (int, error) {
	if inv.sessions == nil {
		return 0, nil
	}
	n, err := inv.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke credentials for user %d: %w", userID, err)
	}
	if n > 0 {
		inv.metrics.CredentialRevocationsTotal.Inc()
	}
	return n, nil
}

// InvalidateAllContexts evicts every cached context and role permission set.
// This forces every active session to reload from the database at once, so
// it is for exceptional administrative recovery only.
func (inv *Invalidator) InvalidateAllContexts(ctx context.Context) (int64, error) {
	inv.logger.Warn("bulk invalidation of all cached authorization state requested")
	evicted, err := inv.cache.InvalidateAll(ctx)
	inv.metrics.InvalidationsTotal.WithLabelValues("all").Inc()
	return evicted, err
}
