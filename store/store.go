// Package store holds the canonical, server-side replica of the mirrored
// tree. It is the single-writer reconciler: batches from the active capture
// session are folded left to right, and the dirty trackers record what the
// viewer fan-out must push next.
//
// A Store is not safe for concurrent use. The fan-out hub serialises every
// access.
package store

import (
	"log/slog"

	"github.com/hazyhaar/tuoris/wire"
)

// Node is the canonical record of one mirrored node. The store is the sole
// owner of nodes; Parent is a lookup key, never an ownership link.
type Node struct {
	ID        wire.ID
	Tag       *string
	Namespace string
	Parent    wire.ID
	Order     float64
	Attrs     map[string]*string
	Text      *string
	Box       *wire.Box
	PrevBox   *wire.Box
}

// Attached reports whether the node has a parent.
func (n *Node) Attached() bool { return n.Parent != wire.NoParent }

// Result summarises one Apply call.
type Result struct {
	Applied int
	Skipped int
}

// Store is the id-indexed authoritative tree.
type Store struct {
	nodes   map[wire.ID]*Node
	css     [][]string
	viewBox wire.Rect
	dirty   Dirty
	logger  *slog.Logger
}

// New creates a store holding only the root.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.nodes = map[wire.ID]*Node{
		wire.Root: {ID: wire.Root, Parent: wire.NoParent, Attrs: map[string]*string{}},
	}
	s.css = nil
	s.viewBox = wire.Rect{}
	s.dirty = newDirty()
}

// Node returns the node with the given id.
func (s *Store) Node(id wire.ID) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Len returns the number of nodes, root and detached nodes included.
func (s *Store) Len() int { return len(s.nodes) }

// ViewBox returns the current global canvas viewbox.
func (s *Store) ViewBox() wire.Rect { return s.viewBox }

// CSS returns the current stylesheet list. The slice must not be modified.
func (s *Store) CSS() [][]string { return s.css }

// Dirty returns the pending change trackers.
func (s *Store) Dirty() *Dirty { return &s.dirty }

// Attached reports whether id is reachable from the root through parent
// links. Detached nodes and their descendants are not.
func (s *Store) Attached(id wire.ID) bool {
	for steps := 0; steps <= len(s.nodes); steps++ {
		if id == wire.Root {
			return true
		}
		n, ok := s.nodes[id]
		if !ok || !n.Attached() {
			return false
		}
		id = n.Parent
	}
	return false
}

// isAncestor reports whether anc is id itself or one of its ancestors.
func (s *Store) isAncestor(anc, id wire.ID) bool {
	for steps := 0; steps <= len(s.nodes); steps++ {
		if id == anc {
			return true
		}
		n, ok := s.nodes[id]
		if !ok || !n.Attached() {
			return false
		}
		id = n.Parent
	}
	return false
}

// Each calls fn for every node in ascending id order.
func (s *Store) Each(fn func(*Node)) {
	for _, id := range sortedIDs(s.nodes) {
		fn(s.nodes[id])
	}
}

// Commit clears the dirty trackers after a successful fan-out push and
// rotates the previous bounding box of every committed node.
func (s *Store) Commit() {
	for _, id := range s.dirty.order {
		if n, ok := s.nodes[id]; ok && n.Box != nil {
			b := *n.Box
			n.PrevBox = &b
		}
	}
	s.dirty = newDirty()
}
