package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsersByRole struct {
	users map[int64][]int64
	err   error
}

func (f *fakeUsersByRole) GetUsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[roleID], nil
}

type fakeRevoker struct {
	revoked map[int64]int
	err     error
}

func (f *fakeRevoker) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.revoked == nil {
		f.revoked = make(map[int64]int)
	}
	f.revoked[userID]++
	return 1, nil
}

func setupInvalidatorTest(t *testing.T, users UsersByRole, sessions CredentialRevoker) (*Invalidator, *ContextCache) {
	t.Helper()
	cc, _ := setupCacheTest(t, &countingLoader{uc: testContext(7)}, &countingRoleSource{role: nil})
	return NewInvalidator(cc, users, sessions, nil, nil), cc
}

func primeContexts(t *testing.T, cc *ContextCache, userIDs ...int64) {
	t.Helper()
	for _, id := range userIDs {
		cc.writeBack(context.Background(), UserContextKey(id), testContext(id), DefaultConfig().ContextTTL)
	}
}

func TestRolePermissionsChanged(t *testing.T) {
	users := &fakeUsersByRole{users: map[int64][]int64{3: {7, 8}}}
	revoker := &fakeRevoker{}
	inv, cc := setupInvalidatorTest(t, users, revoker)
	ctx := context.Background()

	primeContexts(t, cc, 7, 8)
	cc.writeBack(ctx, RolePermissionsKey(3), map[string]string{"name": "clinician"}, DefaultConfig().RolePermissionsTTL)

	result, err := inv.RolePermissionsChanged(ctx, 3, false)
	require.NoError(t, err)
	assert.True(t, result.RoleEvicted)
	assert.Equal(t, 2, result.UsersAffected)
	assert.Equal(t, 2, result.ContextsEvicted)
	assert.Equal(t, 0, result.CredentialsRevoked)
	assert.Empty(t, revoker.revoked)
}

func TestRolePermissionsChangedWithRevocation(t *testing.T) {
	users := &fakeUsersByRole{users: map[int64][]int64{3: {7, 8}}}
	revoker := &fakeRevoker{}
	inv, cc := setupInvalidatorTest(t, users, revoker)
	ctx := context.Background()

	primeContexts(t, cc, 7, 8)

	result, err := inv.RolePermissionsChanged(ctx, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.CredentialsRevoked)
	assert.Equal(t, 1, revoker.revoked[7])
	assert.Equal(t, 1, revoker.revoked[8])
}

func TestRolePermissionsChangedReverseLookupFailure(t *testing.T) {
	users := &fakeUsersByRole{err: errors.New("database down")}
	inv, _ := setupInvalidatorTest(t, users, nil)

	result, err := inv.RolePermissionsChanged(context.Background(), 3, false)
	require.Error(t, err)
	assert.Equal(t, 0, result.UsersAffected)
}

func TestRolePermissionsChangedIdempotent(t *testing.T) {
	users := &fakeUsersByRole{users: map[int64][]int64{3: {7}}}
	inv, _ := setupInvalidatorTest(t, users, nil)
	ctx := context.Background()

	// Nothing cached: the operation still succeeds, just evicts nothing.
	result, err := inv.RolePermissionsChanged(ctx, 3, false)
	require.NoError(t, err)
	assert.False(t, result.RoleEvicted)
	assert.Equal(t, 1, result.UsersAffected)
	assert.Equal(t, 0, result.ContextsEvicted)
}

func TestUserAccessChanged(t *testing.T) {
	inv, cc := setupInvalidatorTest(t, &fakeUsersByRole{}, nil)
	ctx := context.Background()
	primeContexts(t, cc, 7)

	evicted, err := inv.UserAccessChanged(ctx, 7)
	require.NoError(t, err)
	assert.True(t, evicted)

	evicted, err = inv.UserAccessChanged(ctx, 7)
	require.NoError(t, err)
	assert.False(t, evicted)
}

func TestUserDeactivated(t *testing.T) {
	revoker := &fakeRevoker{}
	inv, cc := setupInvalidatorTest(t, &fakeUsersByRole{}, revoker)
	ctx := context.Background()
	primeContexts(t, cc, 7)

	result, err := inv.UserDeactivated(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ContextsEvicted)
	assert.Equal(t, 1, result.CredentialsRevoked)
	assert.Equal(t, 1, revoker.revoked[7])
}

func TestUserDeactivatedWithoutSessionStore(t *testing.T) {
	inv, cc := setupInvalidatorTest(t, &fakeUsersByRole{}, nil)
	primeContexts(t, cc, 7)

	result, err := inv.UserDeactivated(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ContextsEvicted)
	assert.Equal(t, 0, result.CredentialsRevoked)
}

func TestRevokeCredentials(t *testing.T) {
	revoker := &fakeRevoker{}
	inv, _ := setupInvalidatorTest(t, &fakeUsersByRole{}, revoker)

	n, err := inv.RevokeCredentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// No session store wired: a silent no-op.
	inv2, _ := setupInvalidatorTest(t, &fakeUsersByRole{}, nil)
	n, err = inv2.RevokeCredentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInvalidateAllContexts(t *testing.T) {
	inv, cc := setupInvalidatorTest(t, &fakeUsersByRole{}, nil)
	ctx := context.Background()
	primeContexts(t, cc, 7, 8, 9)

	evicted, err := inv.InvalidateAllContexts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, evicted)
}
