package graph

import (
	"reflect"

	"conductor/pkg/proto"
)

// Diff computes the ordered operation list that transforms prev into next.
// The result applies cleanly to prev in order: relocation moves and deletes
// come first, then insertions parent-before-child, then ordering moves, then
// property updates. Applying the result to a snapshot of prev yields a graph
// structurally equal to next.
//
// Node identity is the node id. A node whose type changed under the same id
// is treated as a delete plus an insert, since update cannot change a type.
func Diff(prev, next *Graph) []proto.Operation {
	work := prev.Snapshot()
	var ops []proto.Operation

	emit := func(op proto.Operation) {
		// Every op is applied to the working copy as it is emitted, so the
		// final working graph is the proof the sequence is applicable.
		if err := work.Apply(&op); err == nil {
			ops = append(ops, op)
		}
	}

	// doomed: present in prev but unreachable in next, or recreated with a
	// different type under the same id.
	doomed := make(map[string]bool)
	for id, n := range prev.nodes {
		nn, ok := next.nodes[id]
		if !ok || nn.Type != n.Type {
			doomed[id] = true
		}
	}
	isNew := func(id string) bool {
		if _, ok := prev.nodes[id]; !ok {
			return true
		}
		return doomed[id]
	}
	underDoomed := func(id string) bool {
		for cursor := id; cursor != proto.RootNodeID; {
			if doomed[cursor] {
				return true
			}
			n, ok := work.nodes[cursor]
			if !ok {
				return false
			}
			cursor = n.ParentID
		}
		return false
	}

	// Phase 1: relocate survivors whose parent changes or that sit inside a
	// subtree about to be deleted. Survivors whose target parent does not
	// exist yet (or is itself doomed) are parked at the root and receive a
	// final move after insertion.
	var parked []string
	for _, id := range next.NodeIDs() {
		if isNew(id) {
			continue
		}
		wn := work.nodes[id]
		target := next.nodes[id].ParentID
		if wn.ParentID == target && !underDoomed(wn.ParentID) {
			continue
		}
		placeable := work.Has(target) && !doomed[target] && !underDoomed(target)
		if placeable {
			emit(proto.Operation{
				Operation: proto.OpMove,
				NodeID:    id,
				ParentID:  target,
				Position:  proto.Pos(len(work.children[target])),
			})
		} else {
			emit(proto.Operation{
				Operation: proto.OpMove,
				NodeID:    id,
				ParentID:  proto.RootNodeID,
				Position:  proto.Pos(len(work.children[proto.RootNodeID])),
			})
			parked = append(parked, id)
		}
	}

	// Phase 2: delete topmost doomed nodes. The wire carries the subtree
	// root; descendants go with it.
	for _, id := range work.NodeIDs() {
		if doomed[id] && work.Has(id) {
			emit(proto.Operation{Operation: proto.OpDelete, NodeID: id})
		}
	}

	// Phase 3: insert new nodes parent-before-child.
	for _, id := range next.NodeIDs() {
		if !isNew(id) {
			continue
		}
		n := next.nodes[id]
		emit(proto.Operation{
			Operation:  proto.OpInsert,
			NodeID:     id,
			NodeType:   n.Type,
			ParentID:   n.ParentID,
			Properties: copyProps(n.Properties),
			Position:   proto.Pos(n.Position),
		})
	}

	// Phase 4: parked survivors now have a live target parent.
	for _, id := range parked {
		n := next.nodes[id]
		emit(proto.Operation{
			Operation: proto.OpMove,
			NodeID:    id,
			ParentID:  n.ParentID,
			Position:  proto.Pos(n.Position),
		})
	}

	// Phase 5: fix sibling order. Walking each desired child list left to
	// right and moving the first mismatch converges because every move puts
	// one node into its final slot.
	parents := append([]string{proto.RootNodeID}, next.NodeIDs()...)
	for _, parent := range parents {
		desired := next.children[parent]
		for i, id := range desired {
			current := work.children[parent]
			if i < len(current) && current[i] == id {
				continue
			}
			emit(proto.Operation{
				Operation: proto.OpMove,
				NodeID:    id,
				ParentID:  parent,
				Position:  proto.Pos(i),
			})
		}
	}

	// Phase 6: property updates for surviving nodes. Update merges, so the
	// patch carries only added or changed keys.
	for _, id := range next.NodeIDs() {
		if isNew(id) {
			continue
		}
		patch := propsPatch(prev.nodes[id].Properties, next.nodes[id].Properties)
		if len(patch) == 0 {
			continue
		}
		emit(proto.Operation{
			Operation:  proto.OpUpdate,
			NodeID:     id,
			Properties: patch,
		})
	}

	return ops
}

// propsPatch returns the keys of want whose values differ from have.
func propsPatch(have, want map[string]any) map[string]any {
	patch := make(map[string]any)
	for k, v := range want {
		if existing, ok := have[k]; !ok || !reflect.DeepEqual(existing, v) {
			patch[k] = v
		}
	}
	return patch
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
