// Package capture implements the capture agent: it turns host observations
// of the live canvas into change records, assigns stable ids, measures
// geometry and pushes time-budgeted batches to the canonical store.
//
// An Agent is single-threaded. Run drives it from one goroutine; Tick and
// Enqueue must not be called concurrently.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/tuoris/wire"
)

// Config configures an Agent.
type Config struct {
	// Session tags every batch pushed by the agent.
	Session string
	// CanvasTag is the tag of the canvas root element. Default "svg".
	CanvasTag string
	// Budget bounds the observation work of one tick. Default 30ms.
	Budget time.Duration
	// Cadence is the tick interval of Run. Default 16ms.
	Cadence time.Duration
	// BackpressureThreshold is the queue length above which a warning is
	// logged. Default 10000.
	BackpressureThreshold int

	Geometry Geometry
	Pusher   Pusher
	Clock    func() time.Time
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.CanvasTag == "" {
		c.CanvasTag = "svg"
	}
	if c.Budget <= 0 {
		c.Budget = 30 * time.Millisecond
	}
	if c.Cadence <= 0 {
		c.Cadence = 16 * time.Millisecond
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = 10000
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Agent is one capture session.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	arena  *arena
	nextID wire.ID
	seq    uint64

	queue []Observation
	head  int

	out         []wire.Record
	attrs       *coalescer
	changed     []HostKey
	changedSet  map[HostKey]struct{}
	matrix      Matrix
	needMatrix  bool
	needViewBox bool

	backpressure rate.Sometimes
	exhausted    rate.Sometimes
}

// New creates an agent for one capture session.
func New(cfg Config) *Agent {
	cfg.defaults()
	return &Agent{
		cfg:          cfg,
		logger:       cfg.Logger.With("session", cfg.Session),
		arena:        newArena(),
		attrs:        newCoalescer(),
		changedSet:   make(map[HostKey]struct{}),
		matrix:       Identity,
		backpressure: rate.Sometimes{Interval: 5 * time.Second},
		exhausted:    rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Session returns the session id the agent tags its batches with.
func (a *Agent) Session() string { return a.cfg.Session }

// Seq returns the sequence number of the last pushed batch.
func (a *Agent) Seq() uint64 { return a.seq }

// Pending returns the number of queued, unprocessed observations.
func (a *Agent) Pending() int { return len(a.queue) - a.head }

// Enqueue queues an observation for the next tick.
func (a *Agent) Enqueue(o Observation) {
	a.queue = append(a.queue, o)
}

// Run drains in into the queue and ticks at the configured cadence until
// ctx is cancelled. When in is closed, Run finishes the queued work and
// returns nil.
func (a *Agent) Run(ctx context.Context, in <-chan Observation) error {
	ticker := time.NewTicker(a.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			a.Enqueue(o)

		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				a.logger.Warn("capture: tick", "error", err)
			}
			if in == nil && a.Pending() == 0 && a.idle() {
				return nil
			}
		}
	}
}

// Tick processes queued observations until the queue is empty or the
// budget has elapsed, then flushes one batch. Unprocessed observations stay
// queued for the next tick.
func (a *Agent) Tick(ctx context.Context) error {
	start := a.cfg.Clock()
	for a.head < len(a.queue) && a.cfg.Clock().Sub(start) < a.cfg.Budget {
		o := a.queue[a.head]
		a.queue[a.head] = nil
		a.head++
		a.observe(o)
	}
	a.compact()

	if n := a.Pending(); n > a.cfg.BackpressureThreshold {
		a.backpressure.Do(func() {
			a.logger.Warn("capture: observation queue backlog", "pending", n)
		})
	}
	return a.flush(ctx)
}

func (a *Agent) compact() {
	switch {
	case a.head == len(a.queue):
		a.queue = a.queue[:0]
		a.head = 0
	case a.head > len(a.queue)/2:
		n := copy(a.queue, a.queue[a.head:])
		clear(a.queue[n:])
		a.queue = a.queue[:n]
		a.head = 0
	}
}

func (a *Agent) idle() bool {
	return len(a.out) == 0 && a.attrs.empty() && len(a.changed) == 0
}

func (a *Agent) observe(o Observation) {
	switch o := o.(type) {
	case ChildList:
		a.childList(o)
	case AttributeChange:
		a.attribute(o)
	case TextChange:
		a.text(o)
	case StyleSheets:
		a.out = append(a.out, wire.CSSRules{Sheets: o.Sheets})
	}
}

func (a *Agent) childList(o ChildList) {
	for _, key := range o.Removed {
		a.remove(o.Target, key)
	}

	var parent *hnode
	if o.Target != 0 {
		parent = a.arena.get(o.Target)
	}
	prev := o.Prev
	for i := range o.Added {
		a.insert(parent, &o.Added[i], prev, o.Next)
		prev = o.Added[i].Key
	}
}

func (a *Agent) remove(target, key HostKey) {
	n, ok := a.arena.nodes[key]
	if !ok || n.parent != target {
		return
	}
	if n.hasID && n.id != wire.Root && a.arena.rooted(key) {
		a.out = append(a.out, wire.Remove{ID: n.id})
		a.markSubtree(n)
	}
	if key == a.arena.rootKey && a.arena.hasRoot {
		a.logger.Warn("capture: canvas root removed from document")
	}
	a.arena.detach(n)
}

// insert records a serialized subtree in pre-order, so every parent's Add
// precedes its children's.
func (a *Agent) insert(parent *hnode, hn *HostNode, prev, next HostKey) {
	type item struct {
		parent *hnode
		node   *HostNode
		prev   HostKey
		next   HostKey
	}
	work := []item{{parent, hn, prev, next}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]

		n := a.visit(it.parent, it.node, it.prev, it.next)

		// Pushed in reverse so children pop in document order.
		for i := len(it.node.Children) - 1; i >= 0; i-- {
			var p HostKey
			if i > 0 {
				p = it.node.Children[i-1].Key
			}
			work = append(work, item{n, &it.node.Children[i], p, 0})
		}
	}
}

func (a *Agent) visit(parent *hnode, hn *HostNode, prev, next HostKey) *hnode {
	n := a.arena.get(hn.Key)
	n.tag = hn.Tag
	n.ns = hn.Namespace
	n.text = hn.Text

	for _, c := range n.children {
		if child, ok := a.arena.nodes[c]; ok {
			child.parent = 0
		}
	}
	n.children = nil

	if parent != nil {
		a.arena.attach(n, parent, prev, next)
	} else {
		a.arena.detach(n)
	}

	if !a.arena.hasRoot && hn.Tag != "" && strings.EqualFold(hn.Tag, a.cfg.CanvasTag) {
		a.mountRoot(n, hn)
		return n
	}
	if !a.arena.rooted(n.key) || n.key == a.arena.rootKey {
		return n
	}

	if !n.hasID {
		a.nextID++
		n.id = a.nextID
		n.hasID = true
	}
	key, exhausted := orderBetween(a.arena.orderOf(prev), a.arena.orderOf(next))
	if exhausted {
		a.exhausted.Do(func() {
			a.logger.Warn("capture: order key precision exhausted", "id", n.id, "order", key)
		})
	}
	n.order = key
	n.hasOrder = true

	a.out = append(a.out, a.addRecord(n))
	for _, at := range hn.Attrs {
		a.attrs.set(n.id, at.Name, wire.Str(at.Value))
	}
	a.mark(n)
	return n
}

func (a *Agent) mountRoot(n *hnode, hn *HostNode) {
	a.arena.rootKey = n.key
	a.arena.hasRoot = true
	n.id = wire.Root
	n.hasID = true
	a.needMatrix = true

	a.needViewBox = true
	for _, at := range hn.Attrs {
		a.rootAttribute(at.Name, wire.Str(at.Value))
	}
	a.logger.Info("capture: canvas root mounted", "tag", hn.Tag)
}

func (a *Agent) rootAttribute(name string, value *string) {
	a.needMatrix = true
	switch name {
	case "viewBox":
		if value != nil {
			if r, ok := parseViewBox(*value); ok {
				a.out = append(a.out, wire.ViewBox{Rect: r})
				a.needViewBox = false
				return
			}
		}
		a.needViewBox = true
	case "preserveAspectRatio":
	default:
		a.attrs.set(wire.Root, name, value)
	}
}

func (a *Agent) attribute(o AttributeChange) {
	n, ok := a.arena.nodes[o.Target]
	if !ok || !n.hasID || !a.arena.rooted(o.Target) {
		return
	}
	if n.id == wire.Root {
		a.rootAttribute(o.Name, o.Value)
		return
	}
	a.attrs.set(n.id, o.Name, o.Value)
	a.markSubtree(n)
}

func (a *Agent) text(o TextChange) {
	n, ok := a.arena.nodes[o.Target]
	if !ok || !n.hasID || !a.arena.rooted(o.Target) {
		return
	}
	n.text = o.Text
	a.out = append(a.out, a.addRecord(n))
}

func (a *Agent) addRecord(n *hnode) wire.Add {
	add := wire.Add{
		ID:        n.id,
		Parent:    wire.NoParent,
		Namespace: n.ns,
		Order:     n.order,
	}
	if p, ok := a.arena.nodes[n.parent]; ok && p.hasID {
		add.Parent = p.id
	}
	if n.tag == "" {
		add.Text = wire.Str(n.text)
	} else {
		add.Tag = wire.Str(n.tag)
	}
	return add
}

func (a *Agent) mark(n *hnode) {
	if !n.hasID || n.id == wire.Root {
		return
	}
	if _, ok := a.changedSet[n.key]; ok {
		return
	}
	a.changedSet[n.key] = struct{}{}
	a.changed = append(a.changed, n.key)
}

// markSubtree marks n and every id-bearing descendant changed.
func (a *Agent) markSubtree(n *hnode) {
	a.mark(n)
	a.arena.descendants(n.key, a.mark)
}

// flush builds one batch from the records of the tick and pushes it.
func (a *Agent) flush(ctx context.Context) error {
	if a.idle() && !(a.needViewBox && a.arena.hasRoot) {
		return nil
	}
	if a.cfg.Pusher == nil {
		return fmt.Errorf("capture: no pusher configured")
	}
	if g, ok := a.cfg.Pusher.(Gate); ok && !g.Ready() {
		return nil
	}

	if a.needMatrix && a.cfg.Geometry != nil {
		m, err := a.cfg.Geometry.Transform(ctx)
		if err != nil {
			a.logger.Warn("capture: canvas transform", "error", err)
		} else {
			a.matrix = m
			a.needMatrix = false
		}
	}

	records := a.out
	if a.needViewBox && a.arena.hasRoot {
		if r, ok := a.measureRoot(ctx); ok {
			records = append(records, wire.ViewBox{Rect: r})
			a.needViewBox = false
		}
	}
	records = append(records, a.attrs.drain()...)
	records = append(records, a.boxes(ctx)...)
	if len(records) == 0 {
		a.out = nil
		return nil
	}

	b := wire.Batch{Session: a.cfg.Session, Seq: a.seq + 1, Records: records}
	if err := a.cfg.Pusher.Push(ctx, b); err != nil {
		// Held for the next flush.
		a.out = records
		return fmt.Errorf("capture: push seq %d: %w", b.Seq, err)
	}
	a.seq = b.Seq
	a.out = nil
	return nil
}

func (a *Agent) measureRoot(ctx context.Context) (wire.Rect, bool) {
	if a.cfg.Geometry == nil {
		return wire.Rect{}, false
	}
	ms, err := a.cfg.Geometry.Measure(ctx, []HostKey{a.arena.rootKey})
	if err != nil || len(ms) != 1 || !ms[0].Measured {
		return wire.Rect{}, false
	}
	b := ms[0].Box
	return wire.Rect{W: b.Right - b.Left, H: b.Bottom - b.Top}, true
}

// boxes measures every changed node and returns its BoundingBox records.
// The changed set is consumed only once it has been measured against a
// current canvas transform; otherwise it is kept for the next flush.
func (a *Agent) boxes(ctx context.Context) []wire.Record {
	keys := a.changed
	if len(keys) == 0 {
		return nil
	}
	if a.cfg.Geometry == nil {
		a.changed = nil
		clear(a.changedSet)
		return nil
	}
	if a.needMatrix {
		return nil
	}

	ms, err := a.cfg.Geometry.Measure(ctx, keys)
	if err != nil {
		a.logger.Warn("capture: measure", "nodes", len(keys), "error", err)
		return nil
	}
	a.changed = nil
	clear(a.changedSet)

	var out []wire.Record
	for i, m := range ms {
		if i >= len(keys) || !m.Measured {
			continue
		}
		n, ok := a.arena.nodes[keys[i]]
		if !ok || !n.hasID {
			continue
		}
		box := a.matrix.ToCanvas(m.Box)
		if box.IsZero() {
			continue
		}
		out = append(out, wire.BoundingBox{ID: n.id, Box: box})
	}
	return out
}
