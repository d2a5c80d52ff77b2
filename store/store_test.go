package store

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/hazyhaar/tuoris/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func add(id, parent wire.ID, order float64) wire.Add {
	return wire.Add{ID: id, Tag: wire.Str("g"), Parent: parent, Namespace: "svg", Order: order}
}

func batch(recs ...wire.Record) wire.Batch {
	return wire.Batch{Session: "s", Records: recs}
}

func TestApply_AddAndBoundingBox(t *testing.T) {
	s := New(quietLogger())
	res := s.Apply(batch(
		wire.Add{ID: 1, Tag: wire.Str("rect"), Parent: wire.Root, Namespace: "svg"},
		wire.BoundingBox{ID: 1, Box: wire.Box{Left: 0, Top: 0, Right: 10, Bottom: 10}},
	))
	if res.Applied != 2 || res.Skipped != 0 {
		t.Fatalf("result: got %+v", res)
	}
	n, ok := s.Node(1)
	if !ok {
		t.Fatal("node 1 missing")
	}
	if n.Parent != wire.Root || n.Box == nil || n.Box.Right != 10 {
		t.Errorf("node 1: got parent=%d box=%v", n.Parent, n.Box)
	}
	if got := s.Dirty().Changed(); len(got) != 1 || got[0] != 1 {
		t.Errorf("changed: got %v", got)
	}
}

func TestApply_UnknownIDSkipsRecordNotBatch(t *testing.T) {
	s := New(quietLogger())
	res := s.Apply(batch(
		wire.SetAttributes{Name: "fill", Values: []wire.AttrValue{{ID: 5, Value: wire.Str("red")}}},
		wire.BoundingBox{ID: 6},
		wire.Remove{ID: 7},
		add(1, wire.Root, 0),
	))
	if res.Skipped != 3 || res.Applied != 1 {
		t.Fatalf("result: got %+v, want 3 skipped 1 applied", res)
	}
	if _, ok := s.Node(1); !ok {
		t.Fatal("add after violations should still apply")
	}
}

func TestApply_SetAttributesIdempotent(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0)))
	s.Commit()

	set := wire.SetAttributes{Name: "fill", Values: []wire.AttrValue{{ID: 1, Value: wire.Str("red")}}}
	s.Apply(batch(set))
	if !s.Dirty().Has(1) {
		t.Fatal("first SetAttributes should mark node changed")
	}
	s.Commit()

	s.Apply(batch(set))
	if !s.Dirty().Empty() {
		t.Fatalf("re-applying identical SetAttributes should be a no-op, changed=%v", s.Dirty().Changed())
	}
	n, _ := s.Node(1)
	if v := n.Attrs["fill"]; v == nil || *v != "red" {
		t.Errorf("fill: got %v", v)
	}
}

func TestApply_NilValueMeansAbsent(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0),
		wire.SetAttributes{Name: "x", Values: []wire.AttrValue{{ID: 1, Value: wire.Str("1")}}}))
	s.Commit()
	s.Apply(batch(wire.SetAttributes{Name: "x", Values: []wire.AttrValue{{ID: 1}}}))
	n, _ := s.Node(1)
	if v, ok := n.Attrs["x"]; !ok || v != nil {
		t.Fatalf("x: got %v present=%v, want retained nil", v, ok)
	}
	if !s.Dirty().Has(1) {
		t.Error("removing an attribute should mark the node")
	}
}

func TestApply_RootAttributesFlag(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(wire.SetAttributes{Name: "class", Values: []wire.AttrValue{{ID: wire.Root, Value: wire.Str("dark")}}}))
	d := s.Dirty()
	if !d.RootAttrs {
		t.Error("root attribute should set RootAttrs")
	}
	if d.Has(wire.Root) {
		t.Error("root should not join the changed set")
	}
}

func TestApply_DeferredParentWithinBatch(t *testing.T) {
	s := New(quietLogger())
	res := s.Apply(batch(
		add(2, 1, 0),
		wire.SetAttributes{Name: "fill", Values: []wire.AttrValue{{ID: 2, Value: wire.Str("blue")}}},
		add(1, wire.Root, 0),
	))
	if res.Skipped != 0 {
		t.Fatalf("result: got %+v, want nothing skipped", res)
	}
	n, ok := s.Node(2)
	if !ok || n.Parent != 1 {
		t.Fatalf("node 2: got %+v", n)
	}
	if v := n.Attrs["fill"]; v == nil || *v != "blue" {
		t.Errorf("fill on deferred node: got %v", v)
	}
	if !s.Attached(2) {
		t.Error("node 2 should be reachable from root")
	}
}

func TestApply_DanglingParentSkippedAfterBatch(t *testing.T) {
	s := New(quietLogger())
	res := s.Apply(batch(add(2, 99, 0)))
	if res.Skipped != 1 {
		t.Fatalf("result: got %+v", res)
	}
	if _, ok := s.Node(2); ok {
		t.Error("node with a parent that never arrived should not exist")
	}
}

func TestApply_CycleRejected(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0), add(2, 1, 0), add(3, 2, 0)))
	res := s.Apply(batch(add(1, 3, 0)))
	if res.Skipped != 1 {
		t.Fatalf("cycle: got %+v", res)
	}
	n, _ := s.Node(1)
	if n.Parent != wire.Root {
		t.Errorf("node 1 parent: got %d, want root", n.Parent)
	}
}

func TestApply_RemoveRetainsNode(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0), add(2, 1, 0)))
	s.Apply(batch(wire.Remove{ID: 1}))
	n, ok := s.Node(1)
	if !ok {
		t.Fatal("removed node must be retained")
	}
	if n.Attached() {
		t.Error("removed node should be detached")
	}
	if s.Attached(2) {
		t.Error("child of detached node should not be reachable")
	}
	res := s.Apply(batch(wire.BoundingBox{ID: 1, Box: wire.Box{Right: 1, Bottom: 1}}))
	if res.Skipped != 0 {
		t.Error("records referencing a detached node must not fail")
	}
}

func TestCommit_RotatesPreviousBox(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0), wire.BoundingBox{ID: 1, Box: wire.Box{Right: 10, Bottom: 10}}))
	s.Commit()
	s.Apply(batch(wire.BoundingBox{ID: 1, Box: wire.Box{Left: 200, Top: 200, Right: 210, Bottom: 210}}))
	n, _ := s.Node(1)
	if n.PrevBox == nil || n.PrevBox.Right != 10 {
		t.Fatalf("PrevBox: got %v, want the committed box", n.PrevBox)
	}
	s.Commit()
	if n.PrevBox.Left != 200 {
		t.Errorf("PrevBox after second commit: got %v", n.PrevBox)
	}
}

func TestApply_ClearResets(t *testing.T) {
	s := New(quietLogger())
	s.Apply(batch(add(1, wire.Root, 0), wire.ViewBox{Rect: wire.Rect{W: 10, H: 10}}))
	s.Commit()
	s.Apply(batch(wire.Clear{}))
	if s.Len() != 1 {
		t.Errorf("Len after clear: got %d, want 1", s.Len())
	}
	if !s.Dirty().Reset {
		t.Error("Reset flag not set")
	}
	if s.ViewBox() != (wire.Rect{}) {
		t.Error("viewbox should be reset")
	}
}

// Any sequence of Add/Remove batches leaves every node either reachable
// from the root without a cycle or detached.
func TestApply_RandomTreeStaysAcyclic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := New(quietLogger())
	next := wire.ID(1)

	for round := 0; round < 200; round++ {
		var recs []wire.Record
		for i := 0; i < 10; i++ {
			switch rng.IntN(3) {
			case 0, 1:
				var parent wire.ID
				if next > 1 {
					parent = wire.ID(rng.IntN(int(next)))
				}
				id := next
				if rng.IntN(4) == 0 && next > 1 {
					id = wire.ID(1 + rng.IntN(int(next-1)))
				} else {
					next++
				}
				recs = append(recs, add(id, parent, float64(i)))
			case 2:
				if next > 1 {
					recs = append(recs, wire.Remove{ID: wire.ID(1 + rng.IntN(int(next-1)))})
				}
			}
		}
		s.Apply(batch(recs...))
		s.Commit()
	}

	s.Each(func(n *Node) {
		if n.ID == wire.Root {
			if n.Attached() {
				t.Fatal("root must never have a parent")
			}
			return
		}
		seen := map[wire.ID]bool{}
		id := n.ID
		for {
			if seen[id] {
				t.Fatalf("cycle through node %d", n.ID)
			}
			seen[id] = true
			cur, ok := s.Node(id)
			if !ok {
				t.Fatalf("node %d references missing ancestor %d", n.ID, id)
			}
			if id == wire.Root || !cur.Attached() {
				return
			}
			id = cur.Parent
		}
	})
}
