package capture

import (
	"slices"

	"github.com/hazyhaar/tuoris/wire"
)

// hnode mirrors one live host node. Every node the host ever reported is
// kept so ancestry can be decided; only nodes under the canvas root carry
// a protocol id.
type hnode struct {
	key      HostKey
	id       wire.ID
	hasID    bool
	hasOrder bool
	order    float64
	tag      string
	ns       string
	text     string
	parent   HostKey
	children []HostKey
}

// arena is the host-key-indexed node table.
type arena struct {
	nodes   map[HostKey]*hnode
	rootKey HostKey
	hasRoot bool
}

func newArena() *arena {
	return &arena{nodes: make(map[HostKey]*hnode)}
}

// get returns the node for key, creating a placeholder on first sight.
func (a *arena) get(key HostKey) *hnode {
	n, ok := a.nodes[key]
	if !ok {
		n = &hnode{key: key}
		a.nodes[key] = n
	}
	return n
}

// rooted reports whether key is the canvas root or lies under it.
func (a *arena) rooted(key HostKey) bool {
	if !a.hasRoot {
		return false
	}
	for steps := 0; steps <= len(a.nodes); steps++ {
		if key == a.rootKey {
			return true
		}
		n, ok := a.nodes[key]
		if !ok || n.parent == 0 {
			return false
		}
		key = n.parent
	}
	return false
}

// detach unlinks n from its parent's child list.
func (a *arena) detach(n *hnode) {
	if n.parent == 0 {
		return
	}
	if p, ok := a.nodes[n.parent]; ok {
		if i := slices.Index(p.children, n.key); i >= 0 {
			p.children = slices.Delete(p.children, i, i+1)
		}
	}
	n.parent = 0
}

// attach links n under parent, right after prev when prev is a child of
// parent, else right before next, else at the end.
func (a *arena) attach(n *hnode, parent *hnode, prev, next HostKey) {
	a.detach(n)
	n.parent = parent.key
	if prev != 0 {
		if i := slices.Index(parent.children, prev); i >= 0 {
			parent.children = slices.Insert(parent.children, i+1, n.key)
			return
		}
	}
	if next != 0 {
		if i := slices.Index(parent.children, next); i >= 0 {
			parent.children = slices.Insert(parent.children, i, n.key)
			return
		}
	}
	parent.children = append(parent.children, n.key)
}

// orderOf returns the order key of a sibling, nil when unknown.
func (a *arena) orderOf(key HostKey) *float64 {
	if key == 0 {
		return nil
	}
	n, ok := a.nodes[key]
	if !ok || !n.hasOrder {
		return nil
	}
	o := n.order
	return &o
}

// descendants visits every node below key with an explicit worklist, so
// stack depth does not grow with tree depth.
func (a *arena) descendants(key HostKey, fn func(*hnode)) {
	root, ok := a.nodes[key]
	if !ok {
		return
	}
	work := slices.Clone(root.children)
	for len(work) > 0 {
		k := work[len(work)-1]
		work = work[:len(work)-1]
		n, ok := a.nodes[k]
		if !ok {
			continue
		}
		fn(n)
		work = append(work, n.children...)
	}
}
