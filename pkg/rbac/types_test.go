package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermissionName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		resource Resource
		action   Action
		scope    Scope
		wantErr  bool
	}{
		{name: "valid organization scope", input: "reports:read:organization", resource: ResourceReport, action: ActionRead, scope: ScopeOrganization},
		{name: "valid own scope", input: "work_items:update:own", resource: ResourceWorkItem, action: ActionUpdate, scope: ScopeOwn},
		{name: "valid all scope", input: "users:manage:all", resource: ResourceUser, action: ActionManage, scope: ScopeAll},
		{name: "too few parts", input: "reports:read", wantErr: true},
		{name: "too many parts", input: "reports:read:organization:extra", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "empty resource", input: ":read:own", wantErr: true},
		{name: "empty action", input: "reports::own", wantErr: true},
		{name: "unknown scope", input: "reports:read:galaxy", wantErr: true},
		{name: "none scope is not storable", input: "reports:read:none", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource, action, scope, err := ParsePermissionName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.resource, resource)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.scope, scope)
		})
	}
}

func TestScopeCovers(t *testing.T) {
	assert.True(t, ScopeAll.Covers(ScopeOwn))
	assert.True(t, ScopeAll.Covers(ScopeOrganization))
	assert.True(t, ScopeAll.Covers(ScopeAll))
	assert.True(t, ScopeOrganization.Covers(ScopeOwn))
	assert.True(t, ScopeOrganization.Covers(ScopeOrganization))
	assert.True(t, ScopeOwn.Covers(ScopeOwn))

	assert.False(t, ScopeOwn.Covers(ScopeOrganization))
	assert.False(t, ScopeOwn.Covers(ScopeAll))
	assert.False(t, ScopeOrganization.Covers(ScopeAll))
	assert.False(t, ScopeNone.Covers(ScopeOwn))
	assert.False(t, ScopeNone.Covers(ScopeNone))
}

func TestActionImplies(t *testing.T) {
	assert.True(t, ActionManage.Implies(ActionRead))
	assert.True(t, ActionManage.Implies(ActionDelete))
	assert.True(t, ActionManage.Implies(ActionManage))
	assert.True(t, ActionRead.Implies(ActionRead))
	assert.False(t, ActionRead.Implies(ActionUpdate))
	assert.False(t, ActionCreate.Implies(ActionManage))
}

func TestPermissionString(t *testing.T) {
	p := Permission{Resource: ResourceReport, Action: ActionExport, Scope: ScopeOrganization}
	assert.Equal(t, "reports:export:organization", p.String())
}

func TestOrganizationVisible(t *testing.T) {
	org := Organization{ID: 1, Active: true}
	assert.True(t, org.Visible())

	org.Active = false
	assert.False(t, org.Visible())

	org.Active = true
	now := org.CreatedAt
	org.DeletedAt = &now
	assert.False(t, org.Visible())
}

func TestUserContextAccessHelpers(t *testing.T) {
	uc := &UserContext{
		UserID:                    7,
		OrganizationIDs:           []int64{10},
		AccessibleOrganizationIDs: []int64{10, 11, 12},
		OrganizationAdminFor:      []int64{10},
	}

	assert.True(t, uc.CanAccessOrganization(11))
	assert.False(t, uc.CanAccessOrganization(99))
	assert.True(t, uc.IsMemberOf(10))
	assert.False(t, uc.IsMemberOf(11))
	assert.True(t, uc.IsOrganizationAdmin(10))
	assert.False(t, uc.IsOrganizationAdmin(11))

	// Super admins can access any organization regardless of the set.
	uc.IsSuperAdmin = true
	assert.True(t, uc.CanAccessOrganization(99))
}

func TestWithCurrentOrganizationDoesNotMutate(t *testing.T) {
	uc := &UserContext{UserID: 7}
	scoped := uc.WithCurrentOrganization(42)

	require.NotNil(t, scoped.CurrentOrganizationID)
	assert.Equal(t, int64(42), *scoped.CurrentOrganizationID)
	assert.Nil(t, uc.CurrentOrganizationID)
	assert.Equal(t, uc.UserID, scoped.UserID)
}

func TestUserContextJSONRoundTrip(t *testing.T) {
	orgID := int64(3)
	uc := &UserContext{
		UserID:                    7,
		Email:                     "clinician@example.com",
		OrganizationIDs:           []int64{3},
		AccessibleOrganizationIDs: []int64{3, 4},
		AllPermissions: []Permission{
			{ID: 1, Name: "reports:read:organization", Resource: ResourceReport, Action: ActionRead, Scope: ScopeOrganization, Active: true},
		},
		CurrentOrganizationID: &orgID,
	}

	data, err := json.Marshal(uc)
	require.NoError(t, err)

	var decoded UserContext
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uc.UserID, decoded.UserID)
	assert.Equal(t, uc.AccessibleOrganizationIDs, decoded.AccessibleOrganizationIDs)
	require.Len(t, decoded.AllPermissions, 1)
	assert.Equal(t, ScopeOrganization, decoded.AllPermissions[0].Scope)
	require.NotNil(t, decoded.CurrentOrganizationID)
	assert.Equal(t, orgID, *decoded.CurrentOrganizationID)
}

func TestDataAccessFilterEmpty(t *testing.T) {
	assert.True(t, DataAccessFilter{}.Empty())
	assert.True(t, DataAccessFilter{Scope: ScopeNone}.Empty())
	assert.False(t, DataAccessFilter{Scope: ScopeOwn, UserID: 7}.Empty())
	assert.False(t, DataAccessFilter{Scope: ScopeAll}.Empty())
}
