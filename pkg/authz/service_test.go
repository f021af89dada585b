package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practicehq/authz/pkg/audit"
	"github.com/practicehq/authz/pkg/cache"
	"github.com/practicehq/authz/pkg/contextkeys"
	"github.com/practicehq/authz/pkg/hierarchy"
	"github.com/practicehq/authz/pkg/rbac"
	"github.com/practicehq/authz/pkg/store"
)

// fixture is an engine wired over in-memory fakes plus miniredis.
type fixture struct {
	svc      *Service
	loader   *fakeLoader
	mutator  *fakeMutator
	source   *fakeOrgSource
	sessions *fakeSessions
	auditLog *audit.MemoryLogger
	redis    *miniredis.Miniredis
	cache    *cache.ContextCache
}

type fakeLoader struct {
	contexts map[int64]*rbac.UserContext
	calls    int
}

func (f *fakeLoader) Load(ctx context.Context, userID int64) (*rbac.UserContext, error) {
	f.calls++
	uc, ok := f.contexts[userID]
	if !ok {
		return nil, &rbac.AuthError{Kind: rbac.AuthUserNotFound, UserID: userID}
	}
	return uc, nil
}

type fakeRoles struct{}

func (fakeRoles) RolePermissions(ctx context.Context, roleID int64) (*rbac.Role, error) {
	return &rbac.Role{ID: roleID, Active: true}, nil
}

type fakeUsersByRole struct {
	users map[int64][]int64
}

func (f *fakeUsersByRole) GetUsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return f.users[roleID], nil
}

type fakeSessions struct {
	revoked map[int64]int
}

func (f *fakeSessions) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	if f.revoked == nil {
		f.revoked = make(map[int64]int)
	}
	f.revoked[userID]++
	return 1, nil
}

// fakeMutator records mutation calls and can fail on demand.
type fakeMutator struct {
	calls []string
	err   error
}

func (m *fakeMutator) record(name string) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, name)
	return nil
}

func (m *fakeMutator) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return m.record("SetRolePermissions")
}
func (m *fakeMutator) AssignRoleToUser(ctx context.Context, userRole *rbac.UserRole) error {
	return m.record("AssignRoleToUser")
}
func (m *fakeMutator) RevokeRoleFromUser(ctx context.Context, userRoleID int64) error {
	return m.record("RevokeRoleFromUser")
}
func (m *fakeMutator) DeactivateUser(ctx context.Context, userID int64) error {
	return m.record("DeactivateUser")
}
func (m *fakeMutator) AddOrganizationMember(ctx context.Context, userID, orgID int64) error {
	return m.record("AddOrganizationMember")
}
func (m *fakeMutator) RemoveOrganizationMember(ctx context.Context, userID, orgID int64) error {
	return m.record("RemoveOrganizationMember")
}
func (m *fakeMutator) SetOrganizationParent(ctx context.Context, orgID int64, parentID *int64) error {
	return m.record("SetOrganizationParent")
}
func (m *fakeMutator) DeactivateOrganization(ctx context.Context, orgID int64) error {
	return m.record("DeactivateOrganization")
}

type fakeOrgSource struct {
	orgs map[int64]*rbac.Organization
}

func (f *fakeOrgSource) GetOrganization(ctx context.Context, id int64) (*rbac.Organization, error) {
	org, ok := f.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return org, nil
}

func (f *fakeOrgSource) ListOrganizations(ctx context.Context) ([]rbac.Organization, error) {
	out := make([]rbac.Organization, 0, len(f.orgs))
	for _, o := range f.orgs {
		if o.Visible() {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakeOwnership struct {
	owned map[string]bool
	err   error
}

func (f *fakeOwnership) OwnsResource(ctx context.Context, userID int64, resource rbac.Resource, resourceID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owned[resourceID], nil
}

func clinicianContext(userID int64) *rbac.UserContext {
	return &rbac.UserContext{
		UserID:                    userID,
		OrganizationIDs:           []int64{10},
		AccessibleOrganizationIDs: []int64{10, 11},
		AllPermissions: []rbac.Permission{
			{ID: 1, Name: "reports:read:organization", Resource: rbac.ResourceReport, Action: rbac.ActionRead, Scope: rbac.ScopeOrganization, Active: true},
			{ID: 2, Name: "work_items:update:own", Resource: rbac.ResourceWorkItem, Action: rbac.ActionUpdate, Scope: rbac.ScopeOwn, Active: true},
		},
		LoadedAt: time.Now(),
	}
}

func newFixture(t *testing.T, ownership OwnershipChecker) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	loader := &fakeLoader{contexts: map[int64]*rbac.UserContext{
		7: clinicianContext(7),
	}}
	cc := cache.NewContextCache(client, loader, fakeRoles{}, cache.DefaultConfig(), nil, nil)

	sessions := &fakeSessions{}
	inv := cache.NewInvalidator(cc, &fakeUsersByRole{users: map[int64][]int64{3: {7}}}, sessions, nil, nil)

	source := &fakeOrgSource{orgs: map[int64]*rbac.Organization{
		10: {ID: 10, Active: true},
		11: {ID: 11, Active: true, ParentOrganizationID: ptr(10)},
	}}
	idx := hierarchy.NewIndex(source, hierarchy.DefaultConfig(), nil, nil)

	mutator := &fakeMutator{}
	auditLog := audit.NewMemoryLogger()

	return &fixture{
		svc:      New(cc, inv, idx, mutator, ownership, auditLog, nil, nil),
		loader:   loader,
		mutator:  mutator,
		source:   source,
		sessions: sessions,
		auditLog: auditLog,
		redis:    mr,
		cache:    cc,
	}
}

func ptr(v int64) *int64 { return &v }

func TestRequirePermissionGranted(t *testing.T) {
	f := newFixture(t, nil)
	orgID := int64(11)

	err := f.svc.RequirePermission(context.Background(), 7, rbac.CheckRequest{
		Permission:     "reports:read:organization",
		OrganizationID: &orgID,
	})
	require.NoError(t, err)
	assert.Empty(t, f.auditLog.Events())
}

func TestRequirePermissionDeniedGoesToAudit(t *testing.T) {
	f := newFixture(t, nil)
	orgID := int64(99)

	err := f.svc.RequirePermission(context.Background(), 7, rbac.CheckRequest{
		Permission:     "reports:read:organization",
		OrganizationID: &orgID,
	})
	require.Error(t, err)
	assert.True(t, rbac.IsDenied(err))
	// Client-facing message carries no specifics.
	assert.NotContains(t, err.Error(), "99")

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAccessDenied, events[0].EventType)
	assert.Equal(t, audit.EventStatusDenied, events[0].Status)
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, int64(7), *events[0].UserID)
	assert.Equal(t, string(rbac.DenyOrganizationNotAccessible), events[0].Metadata["deny_reason"])
}

func TestRequirePermissionUnknownUser(t *testing.T) {
	f := newFixture(t, nil)

	err := f.svc.RequirePermission(context.Background(), 12345, rbac.CheckRequest{Permission: "reports:read:own"})
	authErr, ok := rbac.IsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, rbac.AuthUserNotFound, authErr.Kind)
}

func TestRequirePermissionCurrentOrganizationFromContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.WithValue(context.Background(), contextkeys.CurrentOrganizationIDKey, int64(10))

	err := f.svc.RequirePermission(ctx, 7, rbac.CheckRequest{Permission: "reports:read:organization"})
	assert.NoError(t, err)

	ctx = context.WithValue(context.Background(), contextkeys.CurrentOrganizationIDKey, int64(99))
	err = f.svc.RequirePermission(ctx, 7, rbac.CheckRequest{Permission: "reports:read:organization"})
	assert.True(t, rbac.IsDenied(err))
}

func TestOwnScopeConsultsOwnership(t *testing.T) {
	ownership := &fakeOwnership{owned: map[string]bool{"wi-1": true}}
	f := newFixture(t, ownership)
	ctx := context.Background()

	err := f.svc.RequirePermission(ctx, 7, rbac.CheckRequest{
		Permission: "work_items:update:own",
		ResourceID: "wi-1",
	})
	assert.NoError(t, err)

	err = f.svc.RequirePermission(ctx, 7, rbac.CheckRequest{
		Permission: "work_items:update:own",
		ResourceID: "wi-2",
	})
	assert.True(t, rbac.IsDenied(err))

	// Without a resource id the scope grant stands on its own.
	err = f.svc.RequirePermission(ctx, 7, rbac.CheckRequest{Permission: "work_items:update:own"})
	assert.NoError(t, err)
}

func TestOwnScopeOwnershipLookupFailsClosed(t *testing.T) {
	f := newFixture(t, &fakeOwnership{err: errors.New("lookup timeout")})

	_, err := f.svc.Check(context.Background(), 7, rbac.CheckRequest{
		Permission: "work_items:update:own",
		ResourceID: "wi-1",
	})
	require.Error(t, err)
	assert.False(t, rbac.IsDenied(err))
}

func TestHasPermissionHelpers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.svc.HasPermission(ctx, 7, "work_items:update:own")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasAnyPermission(ctx, 7, "settings:update:all", "work_items:update:own")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasAllPermissions(ctx, 7, "settings:update:all", "work_items:update:own")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequireOrganizationAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.NoError(t, f.svc.RequireOrganizationAccess(ctx, 7, 11))

	err := f.svc.RequireOrganizationAccess(ctx, 7, 99)
	var orgErr *rbac.OrganizationAccessError
	require.ErrorAs(t, err, &orgErr)
	assert.Equal(t, int64(99), orgErr.OrganizationID)

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAccessDenied, events[0].EventType)
}

func TestDataAccessFilterAndAdminChecks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	filter, err := f.svc.DataAccessFilterFor(ctx, 7, rbac.ResourceReport, rbac.ActionRead)
	require.NoError(t, err)
	assert.Equal(t, rbac.ScopeOrganization, filter.Scope)
	assert.Equal(t, []int64{10, 11}, filter.OrganizationIDs)

	isSuper, err := f.svc.IsSuperAdmin(ctx, 7)
	require.NoError(t, err)
	assert.False(t, isSuper)

	isAdmin, err := f.svc.IsOrganizationAdmin(ctx, 7, 10)
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestUpdateRolePermissionsWritesThenInvalidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Prime the cache so the eviction is observable.
	_, err := f.svc.Context(ctx, 7)
	require.NoError(t, err)
	require.True(t, f.redis.Exists(cache.UserContextKey(7)))

	result, err := f.svc.UpdateRolePermissions(ctx, 3, []int64{1, 2}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"SetRolePermissions"}, f.mutator.calls)
	assert.Equal(t, 1, result.UsersAffected)
	assert.False(t, f.redis.Exists(cache.UserContextKey(7)))

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeRoleChange, events[0].EventType)
	assert.Equal(t, audit.EventStatusSuccess, events[0].Status)
}

func TestUpdateRolePermissionsMutationFailureSkipsInvalidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Context(ctx, 7)
	require.NoError(t, err)

	f.mutator.err = errors.New("deadlock")
	_, err = f.svc.UpdateRolePermissions(ctx, 3, []int64{1}, false)
	require.Error(t, err)

	// The cache entry survives: nothing changed in the system of record.
	assert.True(t, f.redis.Exists(cache.UserContextKey(7)))
	assert.Empty(t, f.auditLog.Events())
}

func TestUpdateRolePermissionsWithCredentialRevocation(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.UpdateRolePermissions(context.Background(), 3, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CredentialsRevoked)
	assert.Equal(t, 1, f.sessions.revoked[7])
}

func TestAssignAndRevokeRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assignment := &rbac.UserRole{UserID: 7, RoleID: 3}
	require.NoError(t, f.svc.AssignRole(ctx, assignment))
	assert.Contains(t, f.mutator.calls, "AssignRoleToUser")

	require.NoError(t, f.svc.RevokeRole(ctx, 7, 1, true))
	assert.Contains(t, f.mutator.calls, "RevokeRoleFromUser")
	assert.Equal(t, 1, f.sessions.revoked[7])

	events := f.auditLog.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeRoleAssignment, events[0].EventType)
}

func TestMembershipChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.AddMember(ctx, 7, 11))
	require.NoError(t, f.svc.RemoveMember(ctx, 7, 11, true))
	assert.Equal(t, []string{"AddOrganizationMember", "RemoveOrganizationMember"}, f.mutator.calls)
	assert.Equal(t, 1, f.sessions.revoked[7])

	events := f.auditLog.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeMembershipChange, events[0].EventType)
	assert.Equal(t, audit.EventTypeMembershipChange, events[1].EventType)
}

func TestDeactivateUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Context(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeactivateUser(ctx, 7))
	assert.Equal(t, []string{"DeactivateUser"}, f.mutator.calls)
	assert.False(t, f.redis.Exists(cache.UserContextKey(7)))
	assert.Equal(t, 1, f.sessions.revoked[7])

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeUserDeactivated, events[0].EventType)
}

func TestSetOrganizationParentValidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Parenting 10 under its child 11 would close a cycle.
	err := f.svc.SetOrganizationParent(ctx, 10, ptr(11))
	require.Error(t, err)
	assert.Empty(t, f.mutator.calls)

	// A valid move commits and rebuilds.
	require.NoError(t, f.svc.SetOrganizationParent(ctx, 11, nil))
	assert.Equal(t, []string{"SetOrganizationParent"}, f.mutator.calls)

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeHierarchyChange, events[0].EventType)
}

func TestOrganizationTreeRequiresAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tree, err := f.svc.OrganizationTree(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tree.Organization.ID)

	_, err = f.svc.OrganizationTree(ctx, 7, 99)
	assert.True(t, rbac.IsDenied(err))
}

func TestInvalidateAllContextsAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Context(ctx, 7)
	require.NoError(t, err)

	evicted, err := f.svc.InvalidateAllContexts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, evicted)

	events := f.auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeBulkInvalidate, events[0].EventType)
}

func TestContextUsesPreResolvedValue(t *testing.T) {
	f := newFixture(t, nil)
	pre := clinicianContext(7)
	ctx := context.WithValue(context.Background(), contextkeys.UserContextKey, pre)

	uc, err := f.svc.Context(ctx, 7)
	require.NoError(t, err)
	assert.Same(t, pre, uc)
	assert.Equal(t, 0, f.loader.calls)
}
