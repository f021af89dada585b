package usercontext

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/practicehq/authz/pkg/observability"
	"github.com/practicehq/authz/pkg/rbac"
	"github.com/practicehq/authz/pkg/store"
)

// Store is the slice of the system of record the loader reads.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*rbac.User, error)
	GetUserOrganizations(ctx context.Context, userID int64) ([]rbac.Organization, error)
	GetUserRoleAssignments(ctx context.Context, userID int64) ([]rbac.UserRole, error)
}

// RoleSource resolves a role with its permissions. In production this is the
// cache package's role-permission tier fronting the store, so two users
// sharing a role do not each force a full role-permission query.
type RoleSource interface {
	RolePermissions(ctx context.Context, roleID int64) (*rbac.Role, error)
}

// Hierarchy expands an organization to itself plus all visible descendants.
type Hierarchy interface {
	Descendants(ctx context.Context, rootID int64) ([]int64, error)
}

// Loader assembles materialized user contexts from the system of record.
type Loader struct {
	store     Store
	roles     RoleSource
	hierarchy Hierarchy
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewLoader creates a context loader.
func NewLoader(st Store, roles RoleSource, hierarchy Hierarchy, logger *observability.Logger, metrics *observability.Metrics) *Loader {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Loader{
		store:     st,
		roles:     roles,
		hierarchy: hierarchy,
		logger:    logger,
		metrics:   metrics,
	}
}

// Load assembles the UserContext for userID.
//
// Identity failures are authentication-class: a missing user yields
// AuthUserNotFound and an inactive one AuthUserInactive, so callers answer
// with a re-authentication prompt rather than a server error. Any other
// failure while assembling the context is wrapped as AuthContextLoadFailed
// with the cause preserved for Unwrap.
//
// Hierarchy expansion fails open for membership visibility: when the index
// has no entry for a direct organization, that organization itself is still
// included, so a stale hierarchy snapshot can never remove access the
// database grants. Descendants of such a fallback organization are NOT
// synthesized: a snapshot that does not know an organization cannot be
// trusted to enumerate its children, and the snapshot TTL bounds how long
// that descendant access stays latent.
func (l *Loader) Load(ctx context.Context, userID int64) (*rbac.UserContext, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "usercontext.Load",
		attribute.Int64("user.id", userID),
	)
	var loadErr error
	defer func() { observability.EndSpan(span, loadErr) }()

	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			loadErr = &rbac.AuthError{Kind: rbac.AuthUserNotFound, UserID: userID}
		} else {
			loadErr = &rbac.AuthError{Kind: rbac.AuthContextLoadFailed, UserID: userID, Err: err}
		}
		return nil, loadErr
	}
	if !user.Active {
		loadErr = &rbac.AuthError{Kind: rbac.AuthUserInactive, UserID: userID}
		return nil, loadErr
	}

	orgs, err := l.store.GetUserOrganizations(ctx, userID)
	if err != nil {
		loadErr = &rbac.AuthError{Kind: rbac.AuthContextLoadFailed, UserID: userID, Err: err}
		return nil, loadErr
	}

	assignments, err := l.store.GetUserRoleAssignments(ctx, userID)
	if err != nil {
		loadErr = &rbac.AuthError{Kind: rbac.AuthContextLoadFailed, UserID: userID, Err: err}
		return nil, loadErr
	}

	uc := &rbac.UserContext{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		LoadedAt: time.Now(),
	}

	// Resolve each distinct role once, then dedupe permissions by id across
	// all of them. Permission lookup fails closed: an unresolvable role
	// contributes nothing.
	seenRoles := make(map[int64]*rbac.Role)
	seenPerms := make(map[int64]bool)
	adminFor := make(map[int64]bool)

	for _, assignment := range assignments {
		role, ok := seenRoles[assignment.RoleID]
		if !ok {
			role, err = l.roles.RolePermissions(ctx, assignment.RoleID)
			if err != nil {
				loadErr = &rbac.AuthError{Kind: rbac.AuthContextLoadFailed, UserID: userID, Err: fmt.Errorf("role %d: %w", assignment.RoleID, err)}
				return nil, loadErr
			}
			seenRoles[assignment.RoleID] = role
		}

		// An inactive role contributes nothing. The live assignment query
		// filters these, but the role arrives through the long-TTL cache
		// tier, which may still serve a role deactivated after caching.
		if !role.Active {
			continue
		}

		if !ok {
			uc.Roles = append(uc.Roles, *role)

			for _, p := range role.Permissions {
				if !p.Active || seenPerms[p.ID] {
					continue
				}
				seenPerms[p.ID] = true
				uc.AllPermissions = append(uc.AllPermissions, p)
			}
		}
		if role.IsSystemRole && role.Name == rbac.RoleSuperAdmin {
			uc.IsSuperAdmin = true
		}
		if !role.IsSystemRole && role.Name == rbac.RolePracticeAdmin {
			if orgID := assignmentOrganization(assignment, role); orgID != nil {
				adminFor[*orgID] = true
			}
		}
	}

	// Direct memberships, then expand to descendants via the hierarchy
	// index.
	accessible := make(map[int64]bool)
	for _, org := range orgs {
		uc.OrganizationIDs = append(uc.OrganizationIDs, org.ID)

		ids, err := l.hierarchy.Descendants(ctx, org.ID)
		if err != nil || len(ids) == 0 {
			if err != nil {
				l.logger.WithError(err).WithFields(map[string]interface{}{
					"user_id":         userID,
					"organization_id": org.ID,
				}).Warn("hierarchy expansion failed, keeping direct membership only")
			}
			accessible[org.ID] = true
			continue
		}
		for _, id := range ids {
			accessible[id] = true
		}
	}

	uc.AccessibleOrganizationIDs = sortedKeys(accessible)
	uc.OrganizationAdminFor = sortedKeys(adminFor)

	l.metrics.ContextLoadDuration.Observe(time.Since(start).Seconds())
	l.metrics.ContextLoadsTotal.WithLabelValues("database").Inc()
	return uc, nil
}

// assignmentOrganization resolves the organization an assignment applies to:
// the assignment's own scope wins, else the role's home organization.
func assignmentOrganization(assignment rbac.UserRole, role *rbac.Role) *int64 {
	if assignment.OrganizationID != nil {
		return assignment.OrganizationID
	}
	return role.OrganizationID
}

func sortedKeys(set map[int64]bool) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
