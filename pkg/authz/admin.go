package authz

import (
	"context"
	"fmt"

	"github.com/practicehq/authz/pkg/audit"
	"github.com/practicehq/authz/pkg/cache"
	"github.com/practicehq/authz/pkg/rbac"
)

// Administrative mutations. Every method follows the same sequence: validate,
// write the system of record, then invalidate caches. The order is load
// bearing: invalidating first would let a racing read repopulate the cache
// with pre-mutation state and pin it for a full TTL.

// UpdateRolePermissions replaces a role's permission set and propagates the
// change to every current holder. revokeCredentials forces re-authentication,
// the required treatment for permission downgrades.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, revokeCredentials bool) (cache.Result, error) {
	if err := s.mutator.SetRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return cache.Result{}, err
	}

	result, err := s.invalidator.RolePermissionsChanged(ctx, roleID, revokeCredentials)
	if err != nil {
		// The database already holds the new permission set; a failed eviction
		// only delays visibility until the context TTL. Surface it, the write
		// itself stands.
		s.logger.WithError(err).WithField("role_id", roleID).Warn("role permission invalidation incomplete")
	}

	event := audit.NewEvent(audit.EventTypeRoleChange, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.RoleID = &roleID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "role permission set replaced"
	event.Metadata = map[string]interface{}{
		"permission_count":    len(permissionIDs),
		"users_affected":      result.UsersAffected,
		"contexts_evicted":    result.ContextsEvicted,
		"credentials_revoked": result.CredentialsRevoked,
	}
	s.logAudit(ctx, event)

	return result, err
}

// AssignRole grants a role to a user, optionally scoped to one organization.
func (s *Service) AssignRole(ctx context.Context, assignment *rbac.UserRole) error {
	if err := s.mutator.AssignRoleToUser(ctx, assignment); err != nil {
		return err
	}

	_, err := s.invalidator.UserAccessChanged(ctx, assignment.UserID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", assignment.UserID).Warn("context invalidation failed after role assignment")
	}

	event := audit.NewEvent(audit.EventTypeRoleAssignment, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.UserID = &assignment.UserID
	event.RoleID = &assignment.RoleID
	event.OrganizationID = assignment.OrganizationID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "role assigned"
	s.logAudit(ctx, event)

	return err
}

// RevokeRole deactivates a role assignment. revokeCredentials additionally
// ends the user's sessions; revocations are downgrades, so callers usually
// want it.
func (s *Service) RevokeRole(ctx context.Context, userID, userRoleID int64, revokeCredentials bool) error {
	if err := s.mutator.RevokeRoleFromUser(ctx, userRoleID); err != nil {
		return err
	}

	_, err := s.invalidator.UserAccessChanged(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("context invalidation failed after role revocation")
	}
	revoked := 0
	if revokeCredentials {
		n, revErr := s.invalidator.RevokeCredentials(ctx, userID)
		if revErr != nil {
			s.logger.WithError(revErr).WithField("user_id", userID).Warn("credential revocation failed after role revocation")
			if err == nil {
				err = revErr
			}
		}
		revoked = n
	}

	event := audit.NewEvent(audit.EventTypeRoleAssignment, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.UserID = &userID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "role revoked"
	event.Metadata = map[string]interface{}{
		"user_role_id":        userRoleID,
		"credentials_revoked": revoked,
	}
	s.logAudit(ctx, event)

	return err
}

// AddMember adds a user to an organization.
func (s *Service) AddMember(ctx context.Context, userID, orgID int64) error {
	if err := s.mutator.AddOrganizationMember(ctx, userID, orgID); err != nil {
		return err
	}

	_, err := s.invalidator.UserAccessChanged(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("context invalidation failed after membership change")
	}

	s.auditMembership(ctx, userID, orgID, "organization member added", err)
	return err
}

// RemoveMember removes a user from an organization. Removal is a downgrade;
// revokeCredentials ends the user's sessions so the narrower reach applies
// immediately.
func (s *Service) RemoveMember(ctx context.Context, userID, orgID int64, revokeCredentials bool) error {
	if err := s.mutator.RemoveOrganizationMember(ctx, userID, orgID); err != nil {
		return err
	}

	_, err := s.invalidator.UserAccessChanged(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("context invalidation failed after membership change")
	}
	if revokeCredentials {
		if _, revErr := s.invalidator.RevokeCredentials(ctx, userID); revErr != nil {
			s.logger.WithError(revErr).WithField("user_id", userID).Warn("credential revocation failed after membership removal")
			if err == nil {
				err = revErr
			}
		}
	}

	s.auditMembership(ctx, userID, orgID, "organization member removed", err)
	return err
}

// DeactivateUser ends a user's access entirely: the account is marked
// inactive, the cached context evicted and every credential revoked.
func (s *Service) DeactivateUser(ctx context.Context, userID int64) error {
	if err := s.mutator.DeactivateUser(ctx, userID); err != nil {
		return err
	}

	result, err := s.invalidator.UserDeactivated(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("invalidation incomplete after user deactivation")
	}

	event := audit.NewEvent(audit.EventTypeUserDeactivated, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.UserID = &userID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "user deactivated"
	event.Metadata = map[string]interface{}{
		"credentials_revoked": result.CredentialsRevoked,
	}
	s.logAudit(ctx, event)

	return err
}

// SetOrganizationParent re-parents an organization after structural
// validation against the system of record. The hierarchy snapshot is rebuilt
// synchronously so subsequent descendant queries see the new edge.
func (s *Service) SetOrganizationParent(ctx context.Context, orgID int64, parentID *int64) error {
	if err := s.hierarchy.ValidateHierarchy(ctx, orgID, parentID); err != nil {
		return fmt.Errorf("hierarchy validation failed: %w", err)
	}
	if err := s.mutator.SetOrganizationParent(ctx, orgID, parentID); err != nil {
		return err
	}

	var err error
	if _, rebuildErr := s.hierarchy.Rebuild(ctx); rebuildErr != nil {
		// Cached contexts age out on their short TTL anyway; the move is
		// committed, only index freshness suffered.
		s.logger.WithError(rebuildErr).WithField("org_id", orgID).Warn("hierarchy rebuild failed after re-parenting")
		err = rebuildErr
	}

	event := audit.NewEvent(audit.EventTypeHierarchyChange, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.OrganizationID = &orgID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "organization re-parented"
	if parentID != nil {
		event.Metadata = map[string]interface{}{"parent_organization_id": *parentID}
	}
	s.logAudit(ctx, event)

	return err
}

// DeactivateOrganization hides an organization and its subtree from access
// decisions.
func (s *Service) DeactivateOrganization(ctx context.Context, orgID int64) error {
	if err := s.mutator.DeactivateOrganization(ctx, orgID); err != nil {
		return err
	}

	var err error
	if _, rebuildErr := s.hierarchy.Rebuild(ctx); rebuildErr != nil {
		s.logger.WithError(rebuildErr).WithField("org_id", orgID).Warn("hierarchy rebuild failed after organization deactivation")
		err = rebuildErr
	}

	event := audit.NewEvent(audit.EventTypeHierarchyChange, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.OrganizationID = &orgID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "organization deactivated"
	s.logAudit(ctx, event)

	return err
}

// InvalidateAllContexts evicts every cached context and role permission set.
// Administrative recovery only.
func (s *Service) InvalidateAllContexts(ctx context.Context) (int64, error) {
	evicted, err := s.invalidator.InvalidateAllContexts(ctx)

	event := audit.NewEvent(audit.EventTypeBulkInvalidate, statusFor(err))
	event.ActorID = actorFrom(ctx)
	event.RequestID = requestIDFrom(ctx)
	event.Message = "all cached authorization state invalidated"
	event.Metadata = map[string]interface{}{"keys_evicted": evicted}
	s.logAudit(ctx, event)

	return evicted, err
}

func (s *Service) auditMembership(ctx context.Context, userID, orgID int64, message string, opErr error) {
	event := audit.NewEvent(audit.EventTypeMembershipChange, statusFor(opErr))
	event.ActorID = actorFrom(ctx)
	event.UserID = &userID
	event.OrganizationID = &orgID
	event.RequestID = requestIDFrom(ctx)
	event.Message = message
	s.logAudit(ctx, event)
}

func statusFor(err error) audit.EventStatus {
	if err != nil {
		return audit.EventStatusFailure
	}
	return audit.EventStatusSuccess
}
