package rbac

import (
	"fmt"
	"strings"
	"time"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceDashboard    Resource = "dashboards"
	ResourceWorkItem     Resource = "work_items"
	ResourceReportCard   Resource = "report_cards"
	ResourceReport       Resource = "reports"
	ResourcePractice     Resource = "practices"
	ResourceUser         Resource = "users"
	ResourceRole         Resource = "roles"
	ResourceOrganization Resource = "organizations"
	ResourceSettings     Resource = "settings"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionAssign Action = "assign"

	// ActionManage implies every other action on the same resource.
	ActionManage Action = "manage"
)

// Implies reports whether holding action a satisfies a request for required.
func (a Action) Implies(required Action) bool {
	return a == required || a == ActionManage
}

// Scope represents the breadth of a permission grant. Scopes form a total
// order: ScopeOwn < ScopeOrganization < ScopeAll.
type Scope string

const (
	// ScopeNone is the zero scope: no access. Never stored, only derived.
	ScopeNone Scope = "none"
	// ScopeOwn grants access to the user's own resources only.
	ScopeOwn Scope = "own"
	// ScopeOrganization grants access within an accessible organization.
	ScopeOrganization Scope = "organization"
	// ScopeAll grants access across every organization.
	ScopeAll Scope = "all"
)

// rank maps scopes onto their total order.
func (s Scope) rank() int {
	switch s {
	case ScopeOwn:
		return 1
	case ScopeOrganization:
		return 2
	case ScopeAll:
		return 3
	default:
		return 0
	}
}

// Covers reports whether scope s satisfies a request for required.
func (s Scope) Covers(required Scope) bool {
	return s.rank() >= required.rank() && s.rank() > 0
}

// Valid reports whether s is a storable scope.
func (s Scope) Valid() bool {
	return s == ScopeOwn || s == ScopeOrganization || s == ScopeAll
}

// Permission represents a single grantable permission. Its name is always
// "resource:action:scope", e.g. "reports:read:organization".
type Permission struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
	Scope    Scope    `json:"scope"`
	Active   bool     `json:"active"`
}

// String returns the canonical permission name.
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action) + ":" + string(p.Scope)
}

// ParsePermissionName splits a "resource:action:scope" name into its parts.
func ParsePermissionName(name string) (Resource, Action, Scope, error) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed permission name %q: want resource:action:scope", name)
	}
	resource, action, scope := Resource(parts[0]), Action(parts[1]), Scope(parts[2])
	if resource == "" || action == "" {
		return "", "", "", fmt.Errorf("malformed permission name %q: empty resource or action", name)
	}
	if !scope.Valid() {
		return "", "", "", fmt.Errorf("malformed permission name %q: unknown scope %q", name, parts[2])
	}
	return resource, action, scope, nil
}

// Well-known role names.
const (
	// RoleSuperAdmin is the system role that bypasses every permission check.
	RoleSuperAdmin = "super_admin"
	// RolePracticeAdmin marks the holder as an administrator of the
	// organization the assignment is scoped to.
	RolePracticeAdmin = "practice_admin"
)

// Role represents a named collection of permissions
type Role struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	OrganizationID *int64       `json:"organization_id,omitempty"` // nil for system roles
	IsSystemRole   bool         `json:"is_system_role"`
	Active         bool         `json:"active"`
	Permissions    []Permission `json:"permissions"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// UserRole represents a role assignment to a user. The same role can be held
// independently in multiple organizations.
type UserRole struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	RoleID         int64      `json:"role_id"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	GrantedBy      *int64     `json:"granted_by,omitempty"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         bool       `json:"active"`
}

// User represents an application user
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Organization represents one node of the organization forest. Children are
// derived from parent pointers by the hierarchy index, never stored.
type Organization struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Slug                 string     `json:"slug"`
	ParentOrganizationID *int64     `json:"parent_organization_id,omitempty"`
	Active               bool       `json:"active"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Visible reports whether the organization participates in hierarchy
// traversal and access decisions.
func (o Organization) Visible() bool {
	return o.Active && o.DeletedAt == nil
}

// UserContext is the materialized snapshot of a user's roles, permissions and
// organizational reach. It is the unit of caching: built only by the loader,
// serialized whole, and never patched field by field.
type UserContext struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`

	Roles []Role `json:"roles"`

	// OrganizationIDs are direct memberships; AccessibleOrganizationIDs add
	// every descendant reachable from a membership. The accessible set is
	// always a superset of the direct set.
	OrganizationIDs           []int64 `json:"organization_ids"`
	AccessibleOrganizationIDs []int64 `json:"accessible_organization_ids"`

	// AllPermissions is deduplicated across every active role.
	AllPermissions []Permission `json:"all_permissions"`

	IsSuperAdmin         bool    `json:"is_super_admin"`
	OrganizationAdminFor []int64 `json:"organization_admin_for"`

	CurrentOrganizationID *int64 `json:"current_organization_id,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// CanAccessOrganization reports whether orgID is in the accessible set.
func (uc *UserContext) CanAccessOrganization(orgID int64) bool {
	if uc.IsSuperAdmin {
		return true
	}
	for _, id := range uc.AccessibleOrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// IsMemberOf reports whether orgID is a direct membership.
func (uc *UserContext) IsMemberOf(orgID int64) bool {
	for _, id := range uc.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// IsOrganizationAdmin reports whether the user administers orgID.
func (uc *UserContext) IsOrganizationAdmin(orgID int64) bool {
	for _, id := range uc.OrganizationAdminFor {
		if id == orgID {
			return true
		}
	}
	return false
}

// WithCurrentOrganization returns a shallow copy with the current
// organization set. The cached value is never mutated in place, so a
// request-local current organization cannot leak into the shared cache.
func (uc *UserContext) WithCurrentOrganization(orgID int64) *UserContext {
	clone := *uc
	clone.CurrentOrganizationID = &orgID
	return &clone
}

// DataAccessFilter describes how a downstream query must be scoped for a
// given (resource, action) pair. It is derived from a UserContext per
// request, never stored.
type DataAccessFilter struct {
	Scope Scope `json:"scope"`
	// OrganizationIDs is populated for ScopeOrganization.
	OrganizationIDs []int64 `json:"organization_ids,omitempty"`
	// UserID is populated for ScopeOwn.
	UserID int64 `json:"user_id,omitempty"`
}

// Empty reports whether the filter grants no access at all.
func (f DataAccessFilter) Empty() bool {
	return f.Scope == ScopeNone || f.Scope == ""
}
