package graph

import (
	"encoding/json"
	"fmt"
)

// Export returns the graph's nodes in breadth-first order, parents before
// children. The slice fully determines the graph and is what persistence
// snapshots.
func (g *Graph) Export() []*Node {
	ids := g.NodeIDs()
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n := g.nodes[id]
		out = append(out, n.Clone())
	}
	return out
}

// FromNodes rebuilds a graph from an Export slice.
func FromNodes(nodes []*Node) (*Graph, error) {
	g := New()
	for _, n := range nodes {
		if err := g.Insert(n); err != nil {
			return nil, fmt.Errorf("rebuild graph: %w", err)
		}
	}
	return g, nil
}

// MarshalJSON encodes the graph as its exported node list.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Export())
}

// UnmarshalJSON rebuilds the graph from an exported node list.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var nodes []*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}
	rebuilt, err := FromNodes(nodes)
	if err != nil {
		return err
	}
	*g = *rebuilt
	return nil
}
