package hierarchy

import (
	"time"

	"github.com/practicehq/authz/pkg/rbac"
)

// Graph is an immutable in-memory snapshot of the organization forest:
// an arena of nodes indexed by id plus derived child edges. It is rebuilt
// wholesale on the index TTL and never patched incrementally, so concurrent
// readers can never observe parent and child edges from different versions.
type Graph struct {
	nodes    map[int64]*rbac.Organization
	children map[int64][]int64
	builtAt  time.Time
}

// NewGraph builds a snapshot from a full organization listing. Invisible
// organizations (inactive or soft-deleted) are excluded from the arena, which
// makes their entire subtrees unreachable by traversal.
func NewGraph(orgs []rbac.Organization) *Graph {
	g := &Graph{
		nodes:    make(map[int64]*rbac.Organization, len(orgs)),
		children: make(map[int64][]int64),
		builtAt:  time.Now(),
	}
	for i := range orgs {
		org := orgs[i]
		if !org.Visible() {
			continue
		}
		g.nodes[org.ID] = &org
	}
	for _, org := range g.nodes {
		if org.ParentOrganizationID == nil {
			continue
		}
		parent := *org.ParentOrganizationID
		g.children[parent] = append(g.children[parent], org.ID)
	}
	return g
}

// BuiltAt returns when this snapshot was assembled.
func (g *Graph) BuiltAt() time.Time {
	return g.builtAt
}

// Size returns the number of visible organizations in the snapshot.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Node returns the organization for id, or nil if it is not visible.
func (g *Graph) Node(id int64) *rbac.Organization {
	return g.nodes[id]
}

// Descendants returns rootID plus every organization reachable by following
// child edges from it. The traversal uses an explicit worklist with a visited
// set, so it terminates and yields each organization exactly once even on
// cyclic data that slipped past validation.
func (g *Graph) Descendants(rootID int64) []int64 {
	if g.nodes[rootID] == nil {
		return nil
	}

	visited := make(map[int64]bool)
	result := make([]int64, 0, 8)
	stack := []int64{rootID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if g.nodes[id] == nil {
			continue
		}
		result = append(result, id)
		stack = append(stack, g.children[id]...)
	}

	return result
}

// Ancestors walks parent pointers from id upward, excluding id itself. The
// visited set bounds the walk on cyclic data.
func (g *Graph) Ancestors(id int64) []int64 {
	var result []int64
	visited := map[int64]bool{id: true}

	node := g.nodes[id]
	for node != nil && node.ParentOrganizationID != nil {
		parent := *node.ParentOrganizationID
		if visited[parent] {
			break
		}
		visited[parent] = true
		if g.nodes[parent] == nil {
			break
		}
		result = append(result, parent)
		node = g.nodes[parent]
	}
	return result
}

// IsDescendant reports whether childID equals ancestorID or sits below it.
func (g *Graph) IsDescendant(childID, ancestorID int64) bool {
	if childID == ancestorID {
		return true
	}
	for _, id := range g.Ancestors(childID) {
		if id == ancestorID {
			return true
		}
	}
	return false
}

// Depth returns the number of ancestors above id.
func (g *Graph) Depth(id int64) int {
	return len(g.Ancestors(id))
}
