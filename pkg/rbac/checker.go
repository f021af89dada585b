package rbac

import (
	"fmt"
	"time"
)

// DenyReason classifies why a check was denied. Require* helpers map these
// onto the typed error values in errors.go.
type DenyReason string

const (
	DenyMalformedPermission       DenyReason = "malformed_permission"
	DenyNoMatchingPermission      DenyReason = "no_matching_permission"
	DenyInsufficientScope         DenyReason = "insufficient_scope"
	DenyNoOrganizationContext     DenyReason = "no_organization_context"
	DenyOrganizationNotAccessible DenyReason = "organization_not_accessible"
)

// CheckRequest describes one permission evaluation.
type CheckRequest struct {
	// Permission is the required "resource:action:scope" name.
	Permission string
	// ResourceID optionally identifies a specific resource instance for
	// own-scope checks. Ownership of the instance itself is validated by the
	// caller's ownership lookup, not here.
	ResourceID string
	// OrganizationID optionally pins the check to one organization. When nil,
	// the context's current organization is used for organization-scope
	// validation.
	OrganizationID *int64
}

// CheckResult is the outcome of one evaluation. Deny is a regular value,
// never an error: pure evaluation stays exception-free.
type CheckResult struct {
	Granted bool
	// Scope is the effective scope of the grant, ScopeNone on deny.
	Scope Scope
	// HeldScope is the highest scope held for the resource:action pair,
	// regardless of whether it satisfied the request.
	HeldScope Scope
	// OrganizationIDs is the applicable organization set for organization-
	// and all-scope grants.
	OrganizationIDs []int64
	// OrganizationID is the organization the check resolved to, if any.
	OrganizationID *int64
	DenyReason     DenyReason
	// Detail is for server-side audit logs only; it may name permissions and
	// organizations and must never reach a client.
	Detail    string
	CheckedAt time.Time
}

// Checker is the pure permission evaluation engine. It performs no I/O:
// everything it needs is in the materialized UserContext.
type Checker struct{}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Check evaluates one permission against a user context.
func (c *Checker) Check(uc *UserContext, req CheckRequest) CheckResult {
	now := time.Now()

	resource, action, requiredScope, err := ParsePermissionName(req.Permission)
	if err != nil {
		return CheckResult{
			DenyReason: DenyMalformedPermission,
			Detail:     err.Error(),
			CheckedAt:  now,
		}
	}

	// System super admins bypass the permission table entirely.
	if uc.IsSuperAdmin {
		return CheckResult{
			Granted:         true,
			Scope:           ScopeAll,
			HeldScope:       ScopeAll,
			OrganizationIDs: uc.AccessibleOrganizationIDs,
			CheckedAt:       now,
		}
	}

	// Collect the highest held scope for the resource:action pair, and the
	// highest scope that is also sufficient for the request.
	held := ScopeNone
	effective := ScopeNone
	for _, p := range uc.AllPermissions {
		if !p.Active || p.Resource != resource || !p.Action.Implies(action) {
			continue
		}
		if p.Scope.rank() > held.rank() {
			held = p.Scope
		}
		if p.Scope.Covers(requiredScope) && p.Scope.rank() > effective.rank() {
			effective = p.Scope
		}
	}

	if held == ScopeNone {
		return CheckResult{
			DenyReason: DenyNoMatchingPermission,
			Detail:     fmt.Sprintf("no permission for %s:%s", resource, action),
			CheckedAt:  now,
		}
	}
	if effective == ScopeNone {
		return CheckResult{
			HeldScope:  held,
			DenyReason: DenyInsufficientScope,
			Detail:     fmt.Sprintf("holds %s:%s at scope %s, required %s", resource, action, held, requiredScope),
			CheckedAt:  now,
		}
	}

	switch effective {
	case ScopeAll:
		return CheckResult{
			Granted:         true,
			Scope:           ScopeAll,
			HeldScope:       held,
			OrganizationIDs: uc.AccessibleOrganizationIDs,
			CheckedAt:       now,
		}

	case ScopeOrganization:
		orgID := req.OrganizationID
		if orgID == nil {
			orgID = uc.CurrentOrganizationID
		}
		if orgID == nil {
			return CheckResult{
				HeldScope:  held,
				DenyReason: DenyNoOrganizationContext,
				Detail:     fmt.Sprintf("%s:%s requires an organization but none was resolvable", resource, action),
				CheckedAt:  now,
			}
		}
		if !uc.CanAccessOrganization(*orgID) {
			return CheckResult{
				HeldScope:      held,
				OrganizationID: orgID,
				DenyReason:     DenyOrganizationNotAccessible,
				Detail:         fmt.Sprintf("organization %d is not in the accessible set", *orgID),
				CheckedAt:      now,
			}
		}
		return CheckResult{
			Granted:         true,
			Scope:           ScopeOrganization,
			HeldScope:       held,
			OrganizationID:  orgID,
			OrganizationIDs: uc.AccessibleOrganizationIDs,
			CheckedAt:       now,
		}

	default:
		// Own scope. Ownership of a specific instance cannot be decided
		// without I/O, so it is validated by the caller's ownership check.
		return CheckResult{
			Granted:   true,
			Scope:     ScopeOwn,
			HeldScope: held,
			CheckedAt: now,
		}
	}
}

// HasPermission is a convenience wrapper returning only the grant decision.
func (c *Checker) HasPermission(uc *UserContext, permission string) bool {
	return c.Check(uc, CheckRequest{Permission: permission}).Granted
}

// HasAnyPermission reports whether at least one of the permissions is held.
func (c *Checker) HasAnyPermission(uc *UserContext, permissions ...string) bool {
	for _, p := range permissions {
		if c.Check(uc, CheckRequest{Permission: p}).Granted {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every one of the permissions is held.
func (c *Checker) HasAllPermissions(uc *UserContext, permissions ...string) bool {
	for _, p := range permissions {
		if !c.Check(uc, CheckRequest{Permission: p}).Granted {
			return false
		}
	}
	return len(permissions) > 0
}

// RequirePermission evaluates the check and converts a deny into the
// corresponding typed error.
func (c *Checker) RequirePermission(uc *UserContext, req CheckRequest) error {
	result := c.Check(uc, req)
	if result.Granted {
		return nil
	}
	return DenyError(req, result)
}

// DenyError maps a denied CheckResult onto the error taxonomy.
func DenyError(req CheckRequest, result CheckResult) error {
	switch result.DenyReason {
	case DenyOrganizationNotAccessible:
		if result.OrganizationID != nil {
			return &OrganizationAccessError{OrganizationID: *result.OrganizationID}
		}
		return &OrganizationAccessError{}
	case DenyInsufficientScope:
		_, _, required, err := ParsePermissionName(req.Permission)
		if err != nil {
			required = ScopeNone
		}
		return &InsufficientScopeError{
			Permission:    req.Permission,
			HeldScope:     result.HeldScope,
			RequiredScope: required,
		}
	default:
		return &PermissionDeniedError{
			Permission:     req.Permission,
			ResourceID:     req.ResourceID,
			OrganizationID: req.OrganizationID,
			Reason:         string(result.DenyReason) + ": " + result.Detail,
		}
	}
}

// DataAccessFilterFor derives the query filter for a (resource, action)
// pair from the user's context. Downstream CRUD services apply it to their
// own queries; the engine never executes those queries itself.
func (c *Checker) DataAccessFilterFor(uc *UserContext, resource Resource, action Action) DataAccessFilter {
	if uc.IsSuperAdmin {
		return DataAccessFilter{Scope: ScopeAll}
	}

	best := ScopeNone
	for _, p := range uc.AllPermissions {
		if !p.Active || p.Resource != resource || !p.Action.Implies(action) {
			continue
		}
		if p.Scope.rank() > best.rank() {
			best = p.Scope
		}
	}

	switch best {
	case ScopeAll:
		return DataAccessFilter{Scope: ScopeAll}
	case ScopeOrganization:
		return DataAccessFilter{
			Scope:           ScopeOrganization,
			OrganizationIDs: uc.AccessibleOrganizationIDs,
		}
	case ScopeOwn:
		return DataAccessFilter{Scope: ScopeOwn, UserID: uc.UserID}
	default:
		return DataAccessFilter{Scope: ScopeNone}
	}
}
