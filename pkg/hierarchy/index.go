package hierarchy

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/practicehq/authz/pkg/observability"
	"github.com/practicehq/authz/pkg/rbac"
)

// MaxTreeDepth caps recursive tree building. Cyclic or pathologically deep
// data beyond this depth is skipped and logged rather than followed.
const MaxTreeDepth = 10

// Source supplies organization rows from the system of record.
type Source interface {
	// GetOrganization returns a single organization or store.ErrNotFound.
	GetOrganization(ctx context.Context, id int64) (*rbac.Organization, error)
	// ListOrganizations returns every visible organization.
	ListOrganizations(ctx context.Context) ([]rbac.Organization, error)
}

// Config holds index tuning knobs.
type Config struct {
	// SnapshotTTL bounds how stale the full-forest snapshot may get. Full
	// structure change is rare, so this is long (hours).
	SnapshotTTL time.Duration
	// DescendantCacheSize bounds the per-root descendant memo.
	DescendantCacheSize int
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:         6 * time.Hour,
		DescendantCacheSize: 4096,
	}
}

// Index answers organization reachability questions without a database
// round-trip per node. It holds a full-forest Graph snapshot rebuilt
// wholesale on a long TTL, plus an expiring per-root descendant memo on top.
type Index struct {
	source  Source
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	snapshot *Graph

	descendants *lru.LRU[int64, descendantEntry]
}

// descendantEntry ties a memoized descendant set to the snapshot it was
// computed from, so an entry can never outlive its snapshot's TTL.
type descendantEntry struct {
	builtAt time.Time
	ids     []int64
}

// NewIndex creates a hierarchy index over source.
func NewIndex(source Source, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Index {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	if cfg.DescendantCacheSize <= 0 {
		cfg.DescendantCacheSize = DefaultConfig().DescendantCacheSize
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Index{
		source:      source,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		descendants: lru.NewLRU[int64, descendantEntry](cfg.DescendantCacheSize, nil, cfg.SnapshotTTL),
	}
}

// graph returns the current snapshot, rebuilding it when absent or expired.
func (i *Index) graph(ctx context.Context) (*Graph, error) {
	i.mu.RLock()
	snap := i.snapshot
	i.mu.RUnlock()

	if snap != nil && time.Since(snap.BuiltAt()) < i.cfg.SnapshotTTL {
		i.metrics.HierarchySnapshotAge.Set(time.Since(snap.BuiltAt()).Seconds())
		return snap, nil
	}
	return i.Rebuild(ctx)
}

// Rebuild replaces the snapshot with a fresh full listing and clears the
// descendant memo. The snapshot is swapped atomically; readers mid-traversal
// keep the graph version they started with.
func (i *Index) Rebuild(ctx context.Context) (*Graph, error) {
	orgs, err := i.source.ListOrganizations(ctx)
	if err != nil {
		i.mu.RLock()
		stale := i.snapshot
		i.mu.RUnlock()
		if stale != nil {
			// A stale snapshot beats no snapshot; the TTL is advisory, not a
			// correctness boundary, because membership fallback in the loader
			// never removes database-granted access.
			i.logger.WithError(err).Warn("hierarchy rebuild failed, serving stale snapshot")
			return stale, nil
		}
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	snap := NewGraph(orgs)

	i.mu.Lock()
	i.snapshot = snap
	i.mu.Unlock()
	i.descendants.Purge()

	i.metrics.HierarchyRebuildsTotal.Inc()
	i.metrics.HierarchySnapshotSize.Set(float64(snap.Size()))
	i.metrics.HierarchySnapshotAge.Set(0)
	i.logger.WithField("organizations", snap.Size()).Info("rebuilt organization hierarchy snapshot")
	return snap, nil
}

// Descendants returns rootID plus every visible organization below it. The
// result is memoized per root for the lifetime of the snapshot it was
// computed from. The snapshot's freshness is checked before the memo is
// consulted, so a memo hit can never serve ids older than the snapshot TTL
// or suppress a due rebuild.
func (i *Index) Descendants(ctx context.Context, rootID int64) ([]int64, error) {
	g, err := i.graph(ctx)
	if err != nil {
		return nil, err
	}
	if e, ok := i.descendants.Get(rootID); ok && e.builtAt.Equal(g.BuiltAt()) {
		return e.ids, nil
	}
	ids := g.Descendants(rootID)
	if ids != nil {
		i.descendants.Add(rootID, descendantEntry{builtAt: g.BuiltAt(), ids: ids})
	}
	return ids, nil
}

// GetAncestors returns the chain of visible ancestors above id, nearest
// first.
func (i *Index) GetAncestors(ctx context.Context, id int64) ([]int64, error) {
	g, err := i.graph(ctx)
	if err != nil {
		return nil, err
	}
	return g.Ancestors(id), nil
}

// IsDescendant reports whether childID equals ancestorID or sits below it.
func (i *Index) IsDescendant(ctx context.Context, childID, ancestorID int64) (bool, error) {
	g, err := i.graph(ctx)
	if err != nil {
		return false, err
	}
	return g.IsDescendant(childID, ancestorID), nil
}

// ValidateHierarchy checks whether re-parenting orgID under proposedParentID
// is structurally sound. It rejects self-parenting, any parent that is a
// descendant of orgID (which would close a cycle), and parents that do not
// exist or are not visible. A nil proposed parent makes orgID a root and is
// always valid. Validation reads the system of record directly, not the
// snapshot: mutation decisions must not depend on a stale cache.
func (i *Index) ValidateHierarchy(ctx context.Context, orgID int64, proposedParentID *int64) error {
	if proposedParentID == nil {
		return nil
	}
	if *proposedParentID == orgID {
		return fmt.Errorf("organization %d cannot be its own parent", orgID)
	}

	parent, err := i.source.GetOrganization(ctx, *proposedParentID)
	if err != nil {
		return fmt.Errorf("proposed parent %d: %w", *proposedParentID, err)
	}
	if !parent.Visible() {
		return fmt.Errorf("proposed parent %d is inactive", *proposedParentID)
	}

	// Walk the proposed parent's ancestors in the system of record. If orgID
	// appears among them, the new edge would close a cycle.
	visited := map[int64]bool{*proposedParentID: true}
	node := parent
	for node.ParentOrganizationID != nil {
		ancestorID := *node.ParentOrganizationID
		if ancestorID == orgID {
			return fmt.Errorf("organization %d is an ancestor of proposed parent %d: cycle", orgID, *proposedParentID)
		}
		if visited[ancestorID] {
			return fmt.Errorf("existing hierarchy above organization %d contains a cycle", *proposedParentID)
		}
		visited[ancestorID] = true
		node, err = i.source.GetOrganization(ctx, ancestorID)
		if err != nil {
			// A missing ancestor terminates the chain; the walk proved no
			// cycle through orgID up to this point.
			break
		}
	}
	return nil
}

// TreeNode is one node of a display tree.
type TreeNode struct {
	Organization rbac.Organization `json:"organization"`
	Children     []*TreeNode       `json:"children,omitempty"`
}

// BuildTree assembles the display tree rooted at rootID from the current
// snapshot. Depth is capped at MaxTreeDepth; anything deeper is skipped and
// logged so cyclic data that slipped past validation cannot wedge a request.
func (i *Index) BuildTree(ctx context.Context, rootID int64) (*TreeNode, error) {
	g, err := i.graph(ctx)
	if err != nil {
		return nil, err
	}
	root := g.Node(rootID)
	if root == nil {
		return nil, fmt.Errorf("organization %d not found", rootID)
	}

	type frame struct {
		node  *TreeNode
		depth int
	}

	rootNode := &TreeNode{Organization: *root}
	visited := map[int64]bool{rootID: true}
	stack := []frame{{node: rootNode, depth: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth >= MaxTreeDepth {
			i.metrics.HierarchyDepthLimitsHits.Inc()
			i.logger.WithFields(map[string]interface{}{
				"root_id": rootID,
				"org_id":  f.node.Organization.ID,
			}).Warn("organization tree exceeds depth cap, truncating")
			continue
		}

		for _, childID := range g.children[f.node.Organization.ID] {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			child := g.Node(childID)
			if child == nil {
				continue
			}
			childNode := &TreeNode{Organization: *child}
			f.node.Children = append(f.node.Children, childNode)
			stack = append(stack, frame{node: childNode, depth: f.depth + 1})
		}
	}

	return rootNode, nil
}
