// Package graph implements the per-session component graph: an adjacency map
// from parent id to ordered child ids plus a node table keyed by id. All
// mutations go through the operation methods so the invariants hold at every
// point: unique ids, parents exist at insertion time, no cycles, and sibling
// order is total.
package graph

import (
	"fmt"
	"reflect"

	"conductor/pkg/proto"
)

// Node is a single live UI component in a session's graph.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	ParentID   string         `json:"parent_id"`
	Position   int            `json:"position"`
}

// Clone returns a deep copy of the node. Property values are copied at the
// top level only; recipes never share nested mutable structures.
func (n *Node) Clone() *Node {
	clone := &Node{
		ID:       n.ID,
		Type:     n.Type,
		ParentID: n.ParentID,
		Position: n.Position,
	}
	clone.Properties = make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		clone.Properties[k] = v
	}
	return clone
}

// Graph holds the component tree for one session. It is not safe for
// concurrent use; the owning session serializes access.
type Graph struct {
	nodes    map[string]*Node
	children map[string][]string
}

// New creates an empty graph containing only the root sentinel.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		children: map[string][]string{proto.RootNodeID: {}},
	}
}

// Len returns the number of nodes, excluding the root sentinel.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether the node exists in the graph.
func (g *Graph) Has(id string) bool {
	if id == proto.RootNodeID {
		return true
	}
	_, ok := g.nodes[id]
	return ok
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Children returns the ordered child ids of the given parent.
func (g *Graph) Children(parentID string) []string {
	kids := g.children[parentID]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// NodeIDs returns all node ids in breadth-first order from the root. The
// order is deterministic: sibling order is the stored child order.
func (g *Graph) NodeIDs() []string {
	var out []string
	queue := []string{proto.RootNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id != proto.RootNodeID {
			out = append(out, id)
		}
		queue = append(queue, g.children[id]...)
	}
	return out
}

// Insert adds a node under node.ParentID at node.Position. The parent must
// already exist (or be the root sentinel); the id must be unused. Position
// is clamped to the sibling list and subsequent siblings shift right.
func (g *Graph) Insert(node *Node) error {
	if node.ID == "" {
		return fmt.Errorf("insert: node id is required")
	}
	if node.ID == proto.RootNodeID {
		return fmt.Errorf("insert: %q is reserved", proto.RootNodeID)
	}
	if g.Has(node.ID) {
		return fmt.Errorf("insert %s: id already present", node.ID)
	}
	if node.ParentID == "" {
		node.ParentID = proto.RootNodeID
	}
	if !g.Has(node.ParentID) {
		return fmt.Errorf("insert %s: parent %s not found", node.ID, node.ParentID)
	}

	stored := node.Clone()
	g.nodes[stored.ID] = stored
	g.children[stored.ID] = []string{}
	g.splice(stored.ParentID, stored.ID, stored.Position)
	return nil
}

// Update merges the patch into the node's properties. Keys present in the
// patch overwrite existing values; absent keys are untouched.
func (g *Graph) Update(id string, patch map[string]any) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("update %s: node not found", id)
	}
	for k, v := range patch {
		n.Properties[k] = v
	}
	return nil
}

// Delete removes the node and all its descendants. It returns the removed
// ids with children before parents, which is the order the audit log
// records; the wire carries only the subtree root.
func (g *Graph) Delete(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("delete %s: node not found", id)
	}

	removed := g.collectPostOrder(id)
	for _, rid := range removed {
		delete(g.nodes, rid)
		delete(g.children, rid)
	}
	g.detach(n.ParentID, id)
	return removed, nil
}

// Move reparents the node under newParentID at newPosition. Before applying
// it walks from newParentID up to the root; if the node appears in that
// ancestor chain the move is rejected with ErrGraphCycleDetected and the
// graph is left unchanged.
func (g *Graph) Move(id, newParentID string, newPosition int) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("move %s: node not found", id)
	}
	if newParentID == "" {
		newParentID = proto.RootNodeID
	}
	if !g.Has(newParentID) {
		return fmt.Errorf("move %s: parent %s not found", id, newParentID)
	}
	if id == newParentID {
		return fmt.Errorf("move %s under itself: %w", id, proto.ErrGraphCycleDetected)
	}
	for cursor := newParentID; cursor != proto.RootNodeID; {
		if cursor == id {
			return fmt.Errorf("move %s under descendant %s: %w", id, newParentID, proto.ErrGraphCycleDetected)
		}
		parent, ok := g.nodes[cursor]
		if !ok {
			break
		}
		cursor = parent.ParentID
	}

	g.detach(n.ParentID, id)
	n.ParentID = newParentID
	g.splice(newParentID, id, newPosition)
	return nil
}

// Apply replays a wire operation against the graph. Used by tests and by
// session resume to prove diff output transforms one snapshot into another.
func (g *Graph) Apply(op *proto.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Operation {
	case proto.OpInsert:
		pos := 0
		if op.Position != nil {
			pos = *op.Position
		}
		return g.Insert(&Node{
			ID:         op.NodeID,
			Type:       op.NodeType,
			Properties: op.Properties,
			ParentID:   op.ParentID,
			Position:   pos,
		})
	case proto.OpUpdate:
		return g.Update(op.NodeID, op.Properties)
	case proto.OpDelete:
		_, err := g.Delete(op.NodeID)
		return err
	case proto.OpMove:
		return g.Move(op.NodeID, op.ParentID, *op.Position)
	default:
		return fmt.Errorf("apply: unknown operation %q", op.Operation)
	}
}

// Snapshot returns a deep copy of the graph.
func (g *Graph) Snapshot() *Graph {
	s := New()
	for id, n := range g.nodes {
		s.nodes[id] = n.Clone()
	}
	for parent, kids := range g.children {
		copied := make([]string, len(kids))
		copy(copied, kids)
		s.children[parent] = copied
	}
	return s
}

// Equal reports structural equality: same nodes, same types and properties,
// same parentage and sibling order.
func Equal(a, b *Graph) bool {
	if len(a.nodes) != len(b.nodes) {
		return false
	}
	for id, an := range a.nodes {
		bn, ok := b.nodes[id]
		if !ok {
			return false
		}
		if an.Type != bn.Type || an.ParentID != bn.ParentID {
			return false
		}
		if !reflect.DeepEqual(an.Properties, bn.Properties) {
			return false
		}
	}
	for parent, akids := range a.children {
		if !reflect.DeepEqual(akids, b.children[parent]) {
			// Treat nil and empty child lists as equivalent.
			if len(akids) == 0 && len(b.children[parent]) == 0 {
				continue
			}
			return false
		}
	}
	return true
}

// splice inserts id into parent's child list at the clamped position and
// renumbers the siblings.
func (g *Graph) splice(parentID, id string, position int) {
	kids := g.children[parentID]
	if position < 0 {
		position = 0
	}
	if position > len(kids) {
		position = len(kids)
	}
	kids = append(kids, "")
	copy(kids[position+1:], kids[position:])
	kids[position] = id
	g.children[parentID] = kids
	g.renumber(parentID)
}

// detach removes id from parent's child list and renumbers the siblings.
func (g *Graph) detach(parentID, id string) {
	kids := g.children[parentID]
	for i, kid := range kids {
		if kid == id {
			g.children[parentID] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	g.renumber(parentID)
}

func (g *Graph) renumber(parentID string) {
	for i, kid := range g.children[parentID] {
		if n, ok := g.nodes[kid]; ok {
			n.Position = i
		}
	}
}

// collectPostOrder returns id's subtree with children before parents.
func (g *Graph) collectPostOrder(id string) []string {
	var out []string
	for _, kid := range g.children[id] {
		out = append(out, g.collectPostOrder(kid)...)
	}
	return append(out, id)
}
