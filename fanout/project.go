package fanout

import (
	"slices"
	"time"

	"github.com/hazyhaar/tuoris/store"
	"github.com/hazyhaar/tuoris/wire"
)

// projector builds per-viewer payloads from the store.
type projector struct {
	store *store.Store
	now   func() time.Time
}

// visible reports whether n passes the filter for the absolute rectangle r.
func visible(n *store.Node, r wire.Box) bool {
	if n.Box == nil {
		return true
	}
	if n.Box.Overlaps(r) {
		return true
	}
	return n.PrevBox != nil && n.PrevBox.Overlaps(r)
}

// closure collects included ids root-to-leaf. Each id is preceded by every
// ancestor not yet queued for the same push.
type closure struct {
	s      *store.Store
	queued map[wire.ID]struct{}
	order  []wire.ID
	chain  []wire.ID
}

func newClosure(s *store.Store) *closure {
	return &closure{s: s, queued: map[wire.ID]struct{}{wire.Root: {}}}
}

func (c *closure) include(id wire.ID) {
	c.chain = c.chain[:0]
	for {
		if _, ok := c.queued[id]; ok {
			break
		}
		n, ok := c.s.Node(id)
		if !ok {
			break
		}
		c.queued[id] = struct{}{}
		c.chain = append(c.chain, id)
		if !n.Attached() {
			break
		}
		id = n.Parent
	}
	for i := len(c.chain) - 1; i >= 0; i-- {
		c.order = append(c.order, c.chain[i])
	}
}

// diff returns the payload of one push for the viewer rectangle norm and
// the number of changed elements culled.
func (p projector) diff(norm wire.Rect) ([]wire.Record, int) {
	d := p.store.Dirty()
	var recs []wire.Record
	if d.ViewBox {
		recs = append(recs, wire.ViewBox{Rect: p.store.ViewBox()})
	}
	if d.CSS {
		recs = append(recs, wire.CSSRules{Sheets: p.store.CSS()})
	}
	if d.RootAttrs {
		recs = append(recs, p.rootAttributes()...)
	}

	abs := p.store.ViewBox().Project(norm)
	c := newClosure(p.store)
	if d.ViewBox {
		// The viewer's absolute rectangle moved. Unchanged nodes may have
		// entered it.
		p.store.Each(func(n *store.Node) {
			if n.ID == wire.Root || !visible(n, abs) || !p.store.Attached(n.ID) {
				return
			}
			c.include(n.ID)
		})
	}
	culled := 0
	for _, id := range d.Changed() {
		n, ok := p.store.Node(id)
		if !ok || id == wire.Root {
			continue
		}
		if !visible(n, abs) {
			culled++
			continue
		}
		c.include(id)
	}
	recs = append(recs, p.elements(c.order)...)
	if len(recs) == 0 {
		return nil, culled
	}
	return append(recs, p.render()), culled
}

// snapshot returns Clear followed by the full filtered state.
func (p projector) snapshot(norm wire.Rect) []wire.Record {
	recs := []wire.Record{wire.Clear{}}
	if vb := p.store.ViewBox(); vb != (wire.Rect{}) {
		recs = append(recs, wire.ViewBox{Rect: vb})
	}
	if css := p.store.CSS(); css != nil {
		recs = append(recs, wire.CSSRules{Sheets: css})
	}
	recs = append(recs, p.rootAttributes()...)

	abs := p.store.ViewBox().Project(norm)
	c := newClosure(p.store)
	p.store.Each(func(n *store.Node) {
		if n.ID == wire.Root || !visible(n, abs) || !p.store.Attached(n.ID) {
			return
		}
		c.include(n.ID)
	})
	recs = append(recs, p.elements(c.order)...)
	return append(recs, p.render())
}

func (p projector) rootAttributes() []wire.Record {
	root, _ := p.store.Node(wire.Root)
	names := make([]string, 0, len(root.Attrs))
	for name := range root.Attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	recs := make([]wire.Record, 0, len(names))
	for _, name := range names {
		recs = append(recs, wire.SetAttributes{
			Name:   name,
			Values: []wire.AttrValue{{ID: wire.Root, Value: root.Attrs[name]}},
		})
	}
	return recs
}

// elements renders the ids as Adds, then attributes grouped by name, then
// bounding boxes.
func (p projector) elements(ids []wire.ID) []wire.Record {
	if len(ids) == 0 {
		return nil
	}
	recs := make([]wire.Record, 0, len(ids)*2)
	var names []string
	groups := make(map[string][]wire.AttrValue)
	var boxes []wire.Record

	for _, id := range ids {
		n, _ := p.store.Node(id)
		recs = append(recs, wire.Add{
			ID:        n.ID,
			Tag:       n.Tag,
			Parent:    n.Parent,
			Namespace: n.Namespace,
			Text:      n.Text,
			Order:     n.Order,
		})

		attrNames := make([]string, 0, len(n.Attrs))
		for name := range n.Attrs {
			attrNames = append(attrNames, name)
		}
		slices.Sort(attrNames)
		for _, name := range attrNames {
			if _, ok := groups[name]; !ok {
				names = append(names, name)
			}
			groups[name] = append(groups[name], wire.AttrValue{ID: id, Value: n.Attrs[name]})
		}
		if n.Box != nil {
			boxes = append(boxes, wire.BoundingBox{ID: id, Box: *n.Box})
		}
	}
	for _, name := range names {
		recs = append(recs, wire.SetAttributes{Name: name, Values: groups[name]})
	}
	return append(recs, boxes...)
}

func (p projector) render() wire.Record {
	return wire.Render{Timestamp: p.now().UnixMilli()}
}
