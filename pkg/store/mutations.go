package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/practicehq/authz/pkg/rbac"
)

// Administrative mutations. Callers in pkg/authz sequence each of these
// before the matching cache invalidation: the system of record is always
// written first so a racing stale read cannot repopulate the cache with
// pre-mutation state.

// SetRolePermissions replaces the permission set of a role in one
// transaction.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	for _, pid := range permissionIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
			roleID, pid,
		)
		if err != nil {
			return fmt.Errorf("failed to attach permission %d: %w", pid, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE roles SET updated_at = CURRENT_TIMESTAMP WHERE id = $1`, roleID,
	); err != nil {
		return fmt.Errorf("failed to touch role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role permissions: %w", err)
	}
	return nil
}

// AssignRoleToUser creates an active role assignment.
func (s *Store) AssignRoleToUser(ctx context.Context, userRole *rbac.UserRole) error {
	query := `
		INSERT INTO user_roles (user_id, role_id, organization_id, granted_by, granted_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		userRole.UserID,
		userRole.RoleID,
		userRole.OrganizationID,
		userRole.GrantedBy,
		now,
		userRole.ExpiresAt,
		true,
	).Scan(&userRole.ID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	userRole.GrantedAt = now
	userRole.Active = true
	return nil
}

// RevokeRoleFromUser deactivates a role assignment. The row is kept for
// grant history rather than deleted.
func (s *Store) RevokeRoleFromUser(ctx context.Context, userRoleID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_roles SET active = FALSE WHERE id = $1`, userRoleID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return requireRow(res)
}

// DeactivateUser marks a user inactive.
func (s *Store) DeactivateUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return requireRow(res)
}

// AddOrganizationMember creates or reactivates a direct membership.
func (s *Store) AddOrganizationMember(ctx context.Context, userID, orgID int64) error {
	query := `
		INSERT INTO organization_members (user_id, organization_id, active, joined_at)
		VALUES ($1, $2, TRUE, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, organization_id) DO UPDATE SET active = TRUE
	`
	if _, err := s.db.ExecContext(ctx, query, userID, orgID); err != nil {
		return fmt.Errorf("failed to add organization member: %w", err)
	}
	return nil
}

// RemoveOrganizationMember deactivates a direct membership.
func (s *Store) RemoveOrganizationMember(ctx context.Context, userID, orgID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organization_members SET active = FALSE WHERE user_id = $1 AND organization_id = $2`,
		userID, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove organization member: %w", err)
	}
	return requireRow(res)
}

// SetOrganizationParent re-parents an organization. Structural validation
// (self-parent, cycles, invisible parents) is the hierarchy index's job and
// must run before this.
func (s *Store) SetOrganizationParent(ctx context.Context, orgID int64, parentID *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET parent_organization_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		parentID, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to set organization parent: %w", err)
	}
	return requireRow(res)
}

// DeactivateOrganization marks an organization inactive, hiding it and its
// whole subtree from traversal.
func (s *Store) DeactivateOrganization(ctx context.Context, orgID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate organization: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
