package capture

import "github.com/hazyhaar/tuoris/wire"

// attrGroup holds the pending values of one attribute name.
type attrGroup struct {
	ids  []wire.ID
	vals map[wire.ID]*string
}

// coalescer accumulates attribute writes of one tick. The last write per
// (node, name) wins; names and ids keep their first-seen order.
type coalescer struct {
	names  []string
	groups map[string]*attrGroup
}

func newCoalescer() *coalescer {
	return &coalescer{groups: make(map[string]*attrGroup)}
}

func (c *coalescer) set(id wire.ID, name string, value *string) {
	g, ok := c.groups[name]
	if !ok {
		g = &attrGroup{vals: make(map[wire.ID]*string)}
		c.groups[name] = g
		c.names = append(c.names, name)
	}
	if _, seen := g.vals[id]; !seen {
		g.ids = append(g.ids, id)
	}
	g.vals[id] = value
}

func (c *coalescer) empty() bool { return len(c.names) == 0 }

// drain returns one SetAttributes record per name and resets the coalescer.
func (c *coalescer) drain() []wire.Record {
	out := make([]wire.Record, 0, len(c.names))
	for _, name := range c.names {
		g := c.groups[name]
		vals := make([]wire.AttrValue, 0, len(g.ids))
		for _, id := range g.ids {
			vals = append(vals, wire.AttrValue{ID: id, Value: g.vals[id]})
		}
		out = append(out, wire.SetAttributes{Name: name, Values: vals})
	}
	c.names = nil
	c.groups = make(map[string]*attrGroup)
	return out
}
