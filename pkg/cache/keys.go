package cache

import "fmt"

// Key layout in the shared distributed cache. Every write replaces a whole
// serialized value; nothing is ever patched field by field.

// UserContextKey is the key holding a user's serialized UserContext.
func UserContextKey(userID int64) string {
	return fmt.Sprintf("user:%d:context", userID)
}

// RolePermissionsKey is the key holding a role's serialized permission set.
func RolePermissionsKey(roleID int64) string {
	return fmt.Sprintf("role:%d:permissions", roleID)
}

const (
	// userContextKeyPattern matches every cached user context.
	userContextKeyPattern = "user:*:context"
	// rolePermissionsKeyPattern matches every cached role permission set.
	rolePermissionsKeyPattern = "role:*:permissions"
)
