package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practicehq/authz/pkg/rbac"
	"github.com/practicehq/authz/pkg/store"
)

// fakeSource serves a fixed organization set and counts list calls.
type fakeSource struct {
	orgs      []rbac.Organization
	listCalls int
	listErr   error
}

func (f *fakeSource) GetOrganization(ctx context.Context, id int64) (*rbac.Organization, error) {
	for i := range f.orgs {
		if f.orgs[i].ID == id {
			return &f.orgs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSource) ListOrganizations(ctx context.Context) ([]rbac.Organization, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	visible := make([]rbac.Organization, 0, len(f.orgs))
	for _, o := range f.orgs {
		if o.Visible() {
			visible = append(visible, o)
		}
	}
	return visible, nil
}

func newTestIndex(t *testing.T, source Source) *Index {
	t.Helper()
	return NewIndex(source, DefaultConfig(), nil, nil)
}

func TestIndexDescendants(t *testing.T) {
	src := &fakeSource{orgs: testForest()}
	idx := newTestIndex(t, src)

	ids, err := idx.Descendants(context.Background(), 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids)

	// Second call serves the memo without another listing.
	_, err = idx.Descendants(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.listCalls)
}

func TestIndexMemoDoesNotOutliveSnapshot(t *testing.T) {
	src := &fakeSource{orgs: testForest()}
	idx := NewIndex(src, Config{SnapshotTTL: 200 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	_, err := idx.Rebuild(ctx)
	require.NoError(t, err)

	// Memoize late in the snapshot's life.
	time.Sleep(120 * time.Millisecond)
	ids, err := idx.Descendants(ctx, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{2, 4}, ids)
	require.Equal(t, 1, src.listCalls)

	for i := range src.orgs {
		if src.orgs[i].ID == 4 {
			src.orgs[i].Active = false
		}
	}

	// Past the snapshot TTL the memo entry itself is still young; it must
	// not keep serving ids derived from the expired snapshot, nor suppress
	// the rebuild.
	time.Sleep(140 * time.Millisecond)
	ids, err = idx.Descendants(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids)
	assert.Equal(t, 2, src.listCalls)
}

func TestIndexDescendantsUnknownOrganization(t *testing.T) {
	idx := newTestIndex(t, &fakeSource{orgs: testForest()})

	ids, err := idx.Descendants(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestIndexRebuildServesStaleSnapshotOnFailure(t *testing.T) {
	src := &fakeSource{orgs: testForest()}
	idx := NewIndex(src, Config{SnapshotTTL: time.Nanosecond}, nil, nil)

	g, err := idx.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, g.Size())

	// The next rebuild fails; the stale snapshot keeps answering.
	src.listErr = errors.New("database down")
	ids, err := idx.Descendants(context.Background(), 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids)
}

func TestIndexRebuildFailsWithoutSnapshot(t *testing.T) {
	src := &fakeSource{listErr: errors.New("database down")}
	idx := newTestIndex(t, src)

	_, err := idx.Descendants(context.Background(), 1)
	assert.Error(t, err)
}

func TestIndexGetAncestorsAndIsDescendant(t *testing.T) {
	idx := newTestIndex(t, &fakeSource{orgs: testForest()})

	ancestors, err := idx.GetAncestors(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ancestors)

	ok, err := idx.IsDescendant(context.Background(), 4, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.IsDescendant(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateHierarchy(t *testing.T) {
	src := &fakeSource{orgs: testForest()}
	idx := newTestIndex(t, src)
	ctx := context.Background()

	t.Run("nil parent makes a root", func(t *testing.T) {
		assert.NoError(t, idx.ValidateHierarchy(ctx, 4, nil))
	})

	t.Run("self parent rejected", func(t *testing.T) {
		assert.Error(t, idx.ValidateHierarchy(ctx, 2, ptr(2)))
	})

	t.Run("valid re-parent", func(t *testing.T) {
		assert.NoError(t, idx.ValidateHierarchy(ctx, 3, ptr(2)))
	})

	t.Run("cycle rejected", func(t *testing.T) {
		// Parenting 1 under its descendant 4 would close 1 -> 2 -> 4 -> 1.
		err := idx.ValidateHierarchy(ctx, 1, ptr(4))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("missing parent rejected", func(t *testing.T) {
		assert.Error(t, idx.ValidateHierarchy(ctx, 3, ptr(99)))
	})

	t.Run("inactive parent rejected", func(t *testing.T) {
		inactive := org(6, nil)
		inactive.Active = false
		src.orgs = append(src.orgs, inactive)
		assert.Error(t, idx.ValidateHierarchy(ctx, 3, ptr(6)))
	})
}

func TestBuildTree(t *testing.T) {
	idx := newTestIndex(t, &fakeSource{orgs: testForest()})

	tree, err := idx.BuildTree(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tree.Organization.ID)
	require.Len(t, tree.Children, 2)

	_, err = idx.BuildTree(context.Background(), 99)
	assert.Error(t, err)
}

func TestBuildTreeDepthCap(t *testing.T) {
	// Chain of MaxTreeDepth+5 organizations.
	var orgs []rbac.Organization
	orgs = append(orgs, org(1, nil))
	for i := int64(2); i <= int64(MaxTreeDepth)+5; i++ {
		orgs = append(orgs, org(i, ptr(i-1)))
	}

	idx := newTestIndex(t, &fakeSource{orgs: orgs})
	tree, err := idx.BuildTree(context.Background(), 1)
	require.NoError(t, err)

	depth := 0
	for node := tree; len(node.Children) > 0; node = node.Children[0] {
		depth++
	}
	assert.LessOrEqual(t, depth, MaxTreeDepth, fmt.Sprintf("tree depth %d exceeds cap", depth))
}
