package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func applyAll(t *testing.T, g *Graph, ops []proto.Operation) {
	t.Helper()
	for i := range ops {
		require.NoError(t, g.Apply(&ops[i]), "op %d: %+v", i, ops[i])
	}
}

func TestDiffEmptyToPopulated(t *testing.T) {
	prev := New()
	next := New()
	require.NoError(t, next.Insert(newNode("a", proto.RootNodeID, 0)))
	require.NoError(t, next.Insert(newNode("b", "a", 0)))

	ops := Diff(prev, next)
	require.Len(t, ops, 2)
	require.Equal(t, proto.OpInsert, ops[0].Operation)
	require.Equal(t, "a", ops[0].NodeID)
	require.Equal(t, "b", ops[1].NodeID)

	applied := prev.Snapshot()
	applyAll(t, applied, ops)
	require.True(t, Equal(applied, next))
}

func TestDiffNoChanges(t *testing.T) {
	g := New()
	require.NoError(t, g.Insert(newNode("a", proto.RootNodeID, 0)))
	require.Empty(t, Diff(g, g.Snapshot()))
}

func TestDiffPropertyChangeEmitsPatchOnly(t *testing.T) {
	prev := New()
	require.NoError(t, prev.Insert(newNode("a", proto.RootNodeID, 0)))

	next := prev.Snapshot()
	require.NoError(t, next.Update("a", map[string]any{"text": "new", "added": true}))

	ops := Diff(prev, next)
	require.Len(t, ops, 1)
	require.Equal(t, proto.OpUpdate, ops[0].Operation)
	require.Equal(t, map[string]any{"text": "new", "added": true}, ops[0].Properties)
}

func TestDiffDeleteEmitsSubtreeRootOnly(t *testing.T) {
	prev := New()
	require.NoError(t, prev.Insert(newNode("a", proto.RootNodeID, 0)))
	require.NoError(t, prev.Insert(newNode("b", "a", 0)))
	require.NoError(t, prev.Insert(newNode("c", "b", 0)))

	next := New()

	ops := Diff(prev, next)
	require.Len(t, ops, 1)
	require.Equal(t, proto.OpDelete, ops[0].Operation)
	require.Equal(t, "a", ops[0].NodeID)
}

func TestDiffReparentSurvivorOutOfDeletedSubtree(t *testing.T) {
	prev := New()
	require.NoError(t, prev.Insert(newNode("doomed", proto.RootNodeID, 0)))
	require.NoError(t, prev.Insert(newNode("keep", "doomed", 0)))

	next := New()
	require.NoError(t, next.Insert(newNode("keep", proto.RootNodeID, 0)))

	ops := Diff(prev, next)
	applied := prev.Snapshot()
	applyAll(t, applied, ops)
	require.True(t, Equal(applied, next))

	// The survivor is moved before the delete lands.
	require.Equal(t, proto.OpMove, ops[0].Operation)
	require.Equal(t, "keep", ops[0].NodeID)
}

func TestDiffTypeChangeIsDeletePlusInsert(t *testing.T) {
	prev := New()
	require.NoError(t, prev.Insert(newNode("a", proto.RootNodeID, 0)))

	next := New()
	recreated := newNode("a", proto.RootNodeID, 0)
	recreated.Type = "detail_card"
	require.NoError(t, next.Insert(recreated))

	ops := Diff(prev, next)
	require.Len(t, ops, 2)
	require.Equal(t, proto.OpDelete, ops[0].Operation)
	require.Equal(t, proto.OpInsert, ops[1].Operation)

	applied := prev.Snapshot()
	applyAll(t, applied, ops)
	require.True(t, Equal(applied, next))
}

func TestDiffReorderSiblings(t *testing.T) {
	prev := New()
	require.NoError(t, prev.Insert(newNode("a", proto.RootNodeID, 0)))
	require.NoError(t, prev.Insert(newNode("b", proto.RootNodeID, 1)))
	require.NoError(t, prev.Insert(newNode("c", proto.RootNodeID, 2)))

	next := New()
	require.NoError(t, next.Insert(newNode("c", proto.RootNodeID, 0)))
	require.NoError(t, next.Insert(newNode("a", proto.RootNodeID, 1)))
	require.NoError(t, next.Insert(newNode("b", proto.RootNodeID, 2)))

	ops := Diff(prev, next)
	for i := range ops {
		require.Equal(t, proto.OpMove, ops[i].Operation)
	}

	applied := prev.Snapshot()
	applyAll(t, applied, ops)
	require.True(t, Equal(applied, next))
}

func TestDiffRandomizedApplyEquality(t *testing.T) {
	// For randomly generated graph pairs, applying Diff(prev, next) to prev
	// must always yield a graph structurally equal to next.
	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		prev := randomGraph(rng, 30)
		next := mutateGraph(rng, prev, 40)

		ops := Diff(prev, next)
		applied := prev.Snapshot()
		for i := range ops {
			require.NoError(t, applied.Apply(&ops[i]), "seed %d op %d: %+v", seed, i, ops[i])
		}
		require.True(t, Equal(applied, next), "seed %d: applied graph differs", seed)
	}
}

func randomGraph(rng *rand.Rand, n int) *Graph {
	g := New()
	var ids []string
	for i := 0; i < n; i++ {
		parent := proto.RootNodeID
		if len(ids) > 0 && rng.Intn(3) > 0 {
			parent = ids[rng.Intn(len(ids))]
		}
		id := fmt.Sprintf("g%d", i)
		if g.Insert(newNode(id, parent, rng.Intn(4))) == nil {
			ids = append(ids, id)
		}
	}
	return g
}

func mutateGraph(rng *rand.Rand, base *Graph, mutations int) *Graph {
	g := base.Snapshot()
	counter := 1000
	for i := 0; i < mutations; i++ {
		ids := g.NodeIDs()
		switch rng.Intn(4) {
		case 0: // insert
			parent := proto.RootNodeID
			if len(ids) > 0 && rng.Intn(2) == 0 {
				parent = ids[rng.Intn(len(ids))]
			}
			counter++
			_ = g.Insert(newNode(fmt.Sprintf("m%d", counter), parent, rng.Intn(4)))
		case 1: // delete
			if len(ids) > 0 {
				_, _ = g.Delete(ids[rng.Intn(len(ids))])
			}
		case 2: // move
			if len(ids) > 1 {
				_ = g.Move(ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))], rng.Intn(4))
			}
		case 3: // update
			if len(ids) > 0 {
				_ = g.Update(ids[rng.Intn(len(ids))], map[string]any{"rev": rng.Intn(100)})
			}
		}
	}
	return g
}
