// Package reconstruct rebuilds a viewer's partial tree from the egress
// channel and renders it.
//
// An Engine is single-threaded: Enqueue and Tick are called from the
// viewer's render loop. Each Tick applies queued records under a time
// budget and runs a resumable eviction pass that detaches leaf elements
// lying outside the local viewbox. Eviction is a rendering optimization
// only; the hub stays authoritative.
package reconstruct

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/tuoris/wire"
)

// Config configures an Engine.
type Config struct {
	// Rect is the viewer's normalized rectangle of the global viewbox.
	Rect wire.Rect
	// Budget bounds the work of one Tick. Default 30ms.
	Budget time.Duration
	// OnRender receives Render records.
	OnRender func(wire.Render)
	Clock    func() time.Time
	Logger   *slog.Logger
}

// item is one queued record, or the eviction marker closing a batch.
type item struct {
	rec   wire.Record
	evict bool
}

// TickStats reports the work of one Tick.
type TickStats struct {
	Applied int
	Evicted int
	Pending int
}

// Engine is the per-viewer reconstruction engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	root  *Node
	nodes map[wire.ID]*Node
	css   [][]string

	local    wire.Box
	hasLocal bool

	queue []item
	head  int

	// processed holds the ids touched since the last completed eviction
	// pass. The pass pops from the end.
	processed []wire.ID
}

// New creates an engine holding only the root.
func New(cfg Config) *Engine {
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger}
	e.clear()
	return e
}

func (e *Engine) clear() {
	e.root = &Node{ID: wire.Root, Tag: "svg", Namespace: svgNS, Attrs: map[string]string{}}
	e.nodes = map[wire.ID]*Node{wire.Root: e.root}
	e.css = nil
	e.hasLocal = false
	e.processed = e.processed[:0]
}

// Root returns the local root.
func (e *Engine) Root() *Node { return e.root }

// Node returns the node with the given id, attached or not.
func (e *Engine) Node(id wire.ID) (*Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// CSS returns the current stylesheets.
func (e *Engine) CSS() [][]string { return e.css }

// LocalViewBox returns the absolute rectangle this viewer shows.
func (e *Engine) LocalViewBox() (wire.Box, bool) { return e.local, e.hasLocal }

// Pending returns the number of queued items, eviction markers included.
func (e *Engine) Pending() int { return len(e.queue) - e.head }

// Enqueue queues the records of b followed by an eviction marker.
func (e *Engine) Enqueue(b wire.Batch) {
	for _, r := range b.Records {
		e.queue = append(e.queue, item{rec: r})
	}
	e.queue = append(e.queue, item{evict: true})
}

// Tick applies queued records until the queue is empty or the budget has
// elapsed. An eviction marker runs the eviction pass with the remaining
// budget; when the budget runs out mid-pass, the marker stays queued and
// the pass resumes on the next Tick.
func (e *Engine) Tick() TickStats {
	var st TickStats
	start := e.cfg.Clock()
	within := func() bool { return e.cfg.Clock().Sub(start) < e.cfg.Budget }

	for e.head < len(e.queue) && within() {
		it := e.queue[e.head]
		if it.evict {
			st.Evicted += e.evictPass(within)
			if len(e.processed) > 0 {
				break
			}
		} else {
			e.apply(it.rec)
			st.Applied++
		}
		e.queue[e.head] = item{}
		e.head++
	}

	if e.head == len(e.queue) {
		e.queue = e.queue[:0]
		e.head = 0
	} else if e.head > len(e.queue)/2 {
		n := copy(e.queue, e.queue[e.head:])
		e.queue = e.queue[:n]
		e.head = 0
	}
	st.Pending = e.Pending()
	return st
}

func (e *Engine) evictPass(within func() bool) int {
	evicted := 0
	for len(e.processed) > 0 && within() {
		id := e.processed[len(e.processed)-1]
		e.processed = e.processed[:len(e.processed)-1]

		n, ok := e.nodes[id]
		if !ok || n == e.root || n.IsText() || n.Box == nil || n.parent == nil || !e.hasLocal {
			continue
		}
		if n.hasElementChildren() || n.Box.Overlaps(e.local) {
			continue
		}
		n.detach()
		evicted++
	}
	return evicted
}

func (e *Engine) apply(rec wire.Record) {
	switch r := rec.(type) {
	case wire.Add:
		e.add(r)

	case wire.Remove:
		if n, ok := e.nodes[r.ID]; ok && n != e.root {
			n.detach()
		}

	case wire.SetAttributes:
		for _, v := range r.Values {
			n, ok := e.nodes[v.ID]
			if !ok || (n == e.root && localAttr(r.Name)) {
				continue
			}
			cur, has := n.Attrs[r.Name]
			switch {
			case v.Value == nil:
				if has {
					delete(n.Attrs, r.Name)
				}
			case !has || cur != *v.Value:
				n.Attrs[r.Name] = *v.Value
			}
		}

	case wire.BoundingBox:
		if n, ok := e.nodes[r.ID]; ok {
			b := r.Box
			n.Box = &b
			e.processed = append(e.processed, r.ID)
		}

	case wire.CSSRules:
		e.css = r.Sheets

	case wire.ViewBox:
		e.setViewBox(r.Rect)

	case wire.Clear:
		e.clear()

	case wire.Render:
		if e.cfg.OnRender != nil {
			e.cfg.OnRender(r)
		}
	}
}

func (e *Engine) add(r wire.Add) {
	if r.ID == wire.Root {
		return
	}
	n, ok := e.nodes[r.ID]
	if !ok {
		n = &Node{ID: r.ID, Namespace: r.Namespace, Attrs: map[string]string{}}
		if r.Tag != nil {
			n.Tag = *r.Tag
		}
		e.nodes[r.ID] = n
	}
	if r.Text != nil {
		n.Text = *r.Text
	}
	reorder := n.Order != r.Order
	n.Order = r.Order
	e.processed = append(e.processed, r.ID)

	if r.Parent == wire.NoParent {
		n.detach()
		return
	}
	p, ok := e.nodes[r.Parent]
	if !ok {
		e.logger.Warn("reconstruct: add with unknown parent, kept detached", "id", r.ID, "parent", r.Parent)
		n.detach()
		return
	}
	if n.parent == p && !reorder {
		return
	}
	if n.contains(p) {
		e.logger.Warn("reconstruct: add would create a cycle, ignored", "id", r.ID, "parent", r.Parent)
		return
	}
	n.attach(p)
}

// setViewBox projects the viewer rectangle onto the global viewbox and
// makes the result the root's viewBox.
func (e *Engine) setViewBox(global wire.Rect) {
	e.local = global.Project(e.cfg.Rect)
	e.hasLocal = true
	w := e.local.Right - e.local.Left
	h := e.local.Bottom - e.local.Top
	e.root.Attrs["viewBox"] = formatFloats(e.local.Left, e.local.Top, w, h)
	e.root.Attrs["preserveAspectRatio"] = "none"
}

// localAttr reports whether the root attribute name is owned by the viewer.
func localAttr(name string) bool {
	return name == "viewBox" || name == "preserveAspectRatio"
}

func formatFloats(vs ...float64) string {
	buf := make([]byte, 0, 32)
	for i, v := range vs {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return string(buf)
}

// GridRect returns the normalized rectangle of screen index in a wall of
// rows x cols screens. Indices run left to right, and row 0 is the bottom
// row.
func GridRect(index, rows, cols int) wire.Rect {
	w := 1.0 / float64(cols)
	h := 1.0 / float64(rows)
	x := index % cols
	y := rows - 1 - index/cols
	return wire.Rect{X: float64(x) * w, Y: float64(y) * h, W: w, H: h}
}
