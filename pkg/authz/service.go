package authz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/practicehq/authz/pkg/audit"
	"github.com/practicehq/authz/pkg/cache"
	"github.com/practicehq/authz/pkg/contextkeys"
	"github.com/practicehq/authz/pkg/hierarchy"
	"github.com/practicehq/authz/pkg/observability"
	"github.com/practicehq/authz/pkg/rbac"
)

// OwnershipChecker answers whether a user owns a specific resource instance.
// Ownership is application data the engine has no schema for, so the host
// application supplies the lookup. A nil checker means own-scope grants are
// accepted on scope alone.
type OwnershipChecker interface {
	OwnsResource(ctx context.Context, userID int64, resource rbac.Resource, resourceID string) (bool, error)
}

// Mutator is the system-of-record write surface the service sequences ahead
// of cache invalidation.
type Mutator interface {
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignRoleToUser(ctx context.Context, userRole *rbac.UserRole) error
	RevokeRoleFromUser(ctx context.Context, userRoleID int64) error
	DeactivateUser(ctx context.Context, userID int64) error
	AddOrganizationMember(ctx context.Context, userID, orgID int64) error
	RemoveOrganizationMember(ctx context.Context, userID, orgID int64) error
	SetOrganizationParent(ctx context.Context, orgID int64, parentID *int64) error
	DeactivateOrganization(ctx context.Context, orgID int64) error
}

// Service is the single entry point the host application calls for
// authorization decisions and for the administrative mutations that change
// them. Reads go through the context cache; writes go to the system of record
// first and invalidate second.
type Service struct {
	checker     *rbac.Checker
	contexts    *cache.ContextCache
	invalidator *cache.Invalidator
	hierarchy   *hierarchy.Index
	mutator     Mutator
	ownership   OwnershipChecker
	auditLog    audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// New creates the authorization service. ownership may be nil when the host
// has no per-instance ownership model; auditLog may be nil to disable the
// audit trail.
func New(
	contexts *cache.ContextCache,
	invalidator *cache.Invalidator,
	hierarchyIndex *hierarchy.Index,
	mutator Mutator,
	ownership OwnershipChecker,
	auditLog audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Service{
		checker:     rbac.NewChecker(),
		contexts:    contexts,
		invalidator: invalidator,
		hierarchy:   hierarchyIndex,
		mutator:     mutator,
		ownership:   ownership,
		auditLog:    auditLog,
		logger:      logger,
		metrics:     metrics,
	}
}

// Context returns the user's materialized authorization context. A context
// pre-resolved by upstream middleware (stored under contextkeys.UserContextKey)
// short-circuits the cache so one request never loads twice.
func (s *Service) Context(ctx context.Context, userID int64) (*rbac.UserContext, error) {
	if uc, ok := ctx.Value(contextkeys.UserContextKey).(*rbac.UserContext); ok && uc != nil && uc.UserID == userID {
		return uc, nil
	}
	uc, err := s.contexts.GetUserContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orgID, ok := ctx.Value(contextkeys.CurrentOrganizationIDKey).(int64); ok {
		uc = uc.WithCurrentOrganization(orgID)
	}
	return uc, nil
}

// Check evaluates one permission and returns the full result. Deny is a
// value; only the Require* methods convert denials into errors.
func (s *Service) Check(ctx context.Context, userID int64, req rbac.CheckRequest) (rbac.CheckResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "authz.Check",
		attribute.Int64("user_id", userID),
		attribute.String("permission", req.Permission),
	)

	uc, err := s.Context(ctx, userID)
	if err != nil {
		observability.EndSpan(span, err)
		return rbac.CheckResult{}, err
	}

	result := s.checker.Check(uc, req)

	// An own-scope grant with a concrete resource still needs the ownership
	// lookup. An ownership error fails closed: granting on a failed lookup
	// would turn an outage into an escalation.
	if result.Granted && result.Scope == rbac.ScopeOwn && req.ResourceID != "" && s.ownership != nil {
		resource, _, _, _ := rbac.ParsePermissionName(req.Permission)
		owns, ownErr := s.ownership.OwnsResource(ctx, userID, resource, req.ResourceID)
		if ownErr != nil {
			observability.EndSpan(span, ownErr)
			return rbac.CheckResult{}, fmt.Errorf("ownership lookup failed for %s %s: %w", resource, req.ResourceID, ownErr)
		}
		if !owns {
			result = rbac.CheckResult{
				HeldScope:  result.HeldScope,
				DenyReason: rbac.DenyInsufficientScope,
				Detail:     fmt.Sprintf("own-scope grant but user %d does not own %s %s", userID, resource, req.ResourceID),
				CheckedAt:  result.CheckedAt,
			}
		}
	}

	s.metrics.CheckDuration.WithLabelValues("service").Observe(time.Since(start).Seconds())
	if result.Granted {
		s.metrics.ChecksTotal.WithLabelValues("granted", "").Inc()
	} else {
		s.metrics.ChecksTotal.WithLabelValues("denied", string(result.DenyReason)).Inc()
	}

	observability.EndSpan(span, nil)
	return result, nil
}

// RequirePermission evaluates a check and returns a typed error on deny. The
// error message is safe for clients; the specifics go to the audit trail.
func (s *Service) RequirePermission(ctx context.Context, userID int64, req rbac.CheckRequest) error {
	result, err := s.Check(ctx, userID, req)
	if err != nil {
		return err
	}
	if result.Granted {
		return nil
	}

	s.auditDenial(ctx, userID, req, result)
	return rbac.DenyError(req, result)
}

// HasPermission reports the grant decision for one permission without raising.
func (s *Service) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	result, err := s.Check(ctx, userID, rbac.CheckRequest{Permission: permission})
	if err != nil {
		return false, err
	}
	return result.Granted, nil
}

// HasAnyPermission reports whether at least one permission is granted.
func (s *Service) HasAnyPermission(ctx context.Context, userID int64, permissions ...string) (bool, error) {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.checker.HasAnyPermission(uc, permissions...), nil
}

// HasAllPermissions reports whether every permission is granted.
func (s *Service) HasAllPermissions(ctx context.Context, userID int64, permissions ...string) (bool, error) {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.checker.HasAllPermissions(uc, permissions...), nil
}

// RequireOrganizationAccess returns a typed error unless orgID is in the
// user's accessible set. Access flows strictly downward: membership in a
// child never grants the parent.
func (s *Service) RequireOrganizationAccess(ctx context.Context, userID, orgID int64) error {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return err
	}
	if uc.CanAccessOrganization(orgID) {
		return nil
	}

	event := audit.NewEvent(audit.EventTypeAccessDenied, audit.EventStatusDenied)
	event.UserID = &userID
	event.OrganizationID = &orgID
	event.RequestID = requestIDFrom(ctx)
	event.Message = "organization not in accessible set"
	s.logAudit(ctx, event)
	s.metrics.ChecksTotal.WithLabelValues("denied", string(rbac.DenyOrganizationNotAccessible)).Inc()

	return &rbac.OrganizationAccessError{OrganizationID: orgID}
}

// DataAccessFilterFor derives the scoping filter downstream queries must
// apply for the given resource and action.
func (s *Service) DataAccessFilterFor(ctx context.Context, userID int64, resource rbac.Resource, action rbac.Action) (rbac.DataAccessFilter, error) {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return rbac.DataAccessFilter{}, err
	}
	return s.checker.DataAccessFilterFor(uc, resource, action), nil
}

// IsSuperAdmin reports whether the user holds the system super admin role.
func (s *Service) IsSuperAdmin(ctx context.Context, userID int64) (bool, error) {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return false, err
	}
	return uc.IsSuperAdmin, nil
}

// IsOrganizationAdmin reports whether the user administers orgID.
func (s *Service) IsOrganizationAdmin(ctx context.Context, userID, orgID int64) (bool, error) {
	uc, err := s.Context(ctx, userID)
	if err != nil {
		return false, err
	}
	return uc.IsSuperAdmin || uc.IsOrganizationAdmin(orgID), nil
}

// OrganizationTree returns the display tree below rootID, access-checked for
// the requesting user.
func (s *Service) OrganizationTree(ctx context.Context, userID, rootID int64) (*hierarchy.TreeNode, error) {
	if err := s.RequireOrganizationAccess(ctx, userID, rootID); err != nil {
		return nil, err
	}
	return s.hierarchy.BuildTree(ctx, rootID)
}

func (s *Service) auditDenial(ctx context.Context, userID int64, req rbac.CheckRequest, result rbac.CheckResult) {
	event := audit.NewEvent(audit.EventTypeAccessDenied, audit.EventStatusDenied)
	event.UserID = &userID
	event.OrganizationID = result.OrganizationID
	event.Permission = req.Permission
	event.ResourceID = req.ResourceID
	event.RequestID = requestIDFrom(ctx)
	event.Message = result.Detail
	event.Metadata = map[string]interface{}{
		"deny_reason": string(result.DenyReason),
		"held_scope":  string(result.HeldScope),
	}
	s.logAudit(ctx, event)
}

// logAudit records an event best-effort. Audit failures never surface to the
// request path.
func (s *Service) logAudit(ctx context.Context, event *audit.Event) {
	if err := s.auditLog.Log(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("failed to write audit event")
	}
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(contextkeys.RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// actorFrom resolves the acting administrator's user id from the request
// context, for audit attribution only.
func actorFrom(ctx context.Context) *int64 {
	switch v := ctx.Value(contextkeys.UserIDKey).(type) {
	case int64:
		return &v
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &id
		}
	}
	return nil
}
