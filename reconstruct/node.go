package reconstruct

import (
	"slices"

	"github.com/hazyhaar/tuoris/wire"
)

// Node is one node of the local render tree.
type Node struct {
	ID        wire.ID
	Tag       string // empty for text nodes
	Namespace string
	Text      string
	Attrs     map[string]string
	Order     float64
	Box       *wire.Box

	parent   *Node
	children []*Node
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Tag == "" }

// Parent returns the parent in the render tree, nil when detached.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the children in sibling order. The slice must not be
// modified.
func (n *Node) Children() []*Node { return n.children }

// hasElementChildren reports whether any child is an element.
func (n *Node) hasElementChildren() bool {
	for _, c := range n.children {
		if !c.IsText() {
			return true
		}
	}
	return false
}

func (n *Node) detach() {
	p := n.parent
	if p == nil {
		return
	}
	if i := slices.Index(p.children, n); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
	n.parent = nil
}

// attach inserts n under p. The scan walks back from the last child while
// the sibling's order exceeds n's, which is linear only in the number of
// out-of-order siblings.
func (n *Node) attach(p *Node) {
	n.detach()
	i := len(p.children)
	for i > 0 && p.children[i-1].Order > n.Order {
		i--
	}
	p.children = slices.Insert(p.children, i, n)
	n.parent = p
}

// contains reports whether n is d or one of d's ancestors.
func (n *Node) contains(d *Node) bool {
	for ; d != nil; d = d.parent {
		if d == n {
			return true
		}
	}
	return false
}
