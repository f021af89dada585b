package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/practicehq/authz/pkg/rbac"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store handles authorization data persistence. All reads filter on active
// flags at every link of a join: an inactive row anywhere in the chain makes
// the grant invisible.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (audit logging, migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID int64) (*rbac.User, error) {
	query := `
		SELECT id, email, full_name, active, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var user rbac.User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUserOrganizations returns the user's direct memberships, restricted to
// active memberships in visible organizations.
func (s *Store) GetUserOrganizations(ctx context.Context, userID int64) ([]rbac.Organization, error) {
	query := `
		SELECT o.id, o.name, o.slug, o.parent_organization_id, o.active, o.deleted_at, o.created_at, o.updated_at
		FROM organizations o
		JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1
		  AND m.active
		  AND o.active
		  AND o.deleted_at IS NULL
		ORDER BY o.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user organizations: %w", err)
	}
	defer rows.Close()

	var orgs []rbac.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

// GetUserRoleAssignments returns the user's active, unexpired role
// assignments whose role is itself active.
func (s *Store) GetUserRoleAssignments(ctx context.Context, userID int64) ([]rbac.UserRole, error) {
	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.organization_id, ur.granted_by, ur.granted_at, ur.expires_at, ur.active
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		  AND ur.active
		  AND r.active
		  AND (ur.expires_at IS NULL OR ur.expires_at > CURRENT_TIMESTAMP)
		ORDER BY ur.granted_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role assignments: %w", err)
	}
	defer rows.Close()

	var assignments []rbac.UserRole
	for rows.Next() {
		var ur rbac.UserRole
		var orgID, grantedBy sql.NullInt64
		var expiresAt sql.NullTime

		err := rows.Scan(
			&ur.ID,
			&ur.UserID,
			&ur.RoleID,
			&orgID,
			&grantedBy,
			&ur.GrantedAt,
			&expiresAt,
			&ur.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}

		if orgID.Valid {
			id := orgID.Int64
			ur.OrganizationID = &id
		}
		if grantedBy.Valid {
			id := grantedBy.Int64
			ur.GrantedBy = &id
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			ur.ExpiresAt = &t
		}

		assignments = append(assignments, ur)
	}
	return assignments, rows.Err()
}

// GetRole retrieves a role by ID, without its permissions.
func (s *Store) GetRole(ctx context.Context, roleID int64) (*rbac.Role, error) {
	query := `
		SELECT id, name, organization_id, is_system_role, active, created_at, updated_at
		FROM roles
		WHERE id = $1
	`
	var role rbac.Role
	var orgID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, roleID).Scan(
		&role.ID,
		&role.Name,
		&orgID,
		&role.IsSystemRole,
		&role.Active,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	return &role, nil
}

// GetRolePermissions returns the active permissions attached to a role.
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	query := `
		SELECT p.id, p.name, p.resource, p.action, p.scope, p.active
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		  AND p.active
		ORDER BY p.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Scope, &p.Active)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// RolePermissions returns a role with its active permissions attached. This
// is the unit served by the role-permission cache tier.
func (s *Store) RolePermissions(ctx context.Context, roleID int64) (*rbac.Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms, err := s.GetRolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return role, nil
}

// GetUsersWithRole returns the distinct user ids holding an active
// assignment of roleID. A user holding the role in several organizations
// appears once: this feeds cache invalidation, which is per user.
func (s *Store) GetUsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	query := `
		SELECT DISTINCT user_id
		FROM user_roles
		WHERE role_id = $1
		  AND active
		ORDER BY user_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get users with role: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, orgID int64) (*rbac.Organization, error) {
	query := `
		SELECT id, name, slug, parent_organization_id, active, deleted_at, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, orgID)
	org, err := scanOrganization(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// ListOrganizations returns every visible organization. The hierarchy index
// builds its full-forest snapshot from this in one query.
func (s *Store) ListOrganizations(ctx context.Context) ([]rbac.Organization, error) {
	query := `
		SELECT id, name, slug, parent_organization_id, active, deleted_at, created_at, updated_at
		FROM organizations
		WHERE active
		  AND deleted_at IS NULL
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []rbac.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

// GetOrganizationChildren returns the visible direct children of parentID.
func (s *Store) GetOrganizationChildren(ctx context.Context, parentID int64) ([]rbac.Organization, error) {
	query := `
		SELECT id, name, slug, parent_organization_id, active, deleted_at, created_at, updated_at
		FROM organizations
		WHERE parent_organization_id = $1
		  AND active
		  AND deleted_at IS NULL
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization children: %w", err)
	}
	defer rows.Close()

	var orgs []rbac.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

// scanOrganization scans an organization from a database row.
func scanOrganization(scanner interface {
	Scan(dest ...interface{}) error
}) (*rbac.Organization, error) {
	var org rbac.Organization
	var parentID sql.NullInt64
	var deletedAt sql.NullTime

	err := scanner.Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&parentID,
		&org.Active,
		&deletedAt,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.Int64
		org.ParentOrganizationID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		org.DeletedAt = &t
	}
	return &org, nil
}
