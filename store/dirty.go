package store

import (
	"slices"

	"github.com/hazyhaar/tuoris/wire"
)

// Dirty tracks what changed since the last successful fan-out push.
type Dirty struct {
	order     []wire.ID
	set       map[wire.ID]struct{}
	CSS       bool
	ViewBox   bool
	RootAttrs bool
	// Reset is set when a Clear record emptied the store. Viewers must then
	// receive Clear and a full snapshot instead of a diff.
	Reset bool
}

func newDirty() Dirty {
	return Dirty{set: make(map[wire.ID]struct{})}
}

// Mark adds id to the changed set, keeping first-insertion order.
func (d *Dirty) Mark(id wire.ID) {
	if _, ok := d.set[id]; ok {
		return
	}
	d.set[id] = struct{}{}
	d.order = append(d.order, id)
}

// Changed returns the changed ids in insertion order.
func (d *Dirty) Changed() []wire.ID { return d.order }

// Has reports whether id is in the changed set.
func (d *Dirty) Has(id wire.ID) bool {
	_, ok := d.set[id]
	return ok
}

// Empty reports whether nothing is pending.
func (d *Dirty) Empty() bool {
	return len(d.order) == 0 && !d.CSS && !d.ViewBox && !d.RootAttrs && !d.Reset
}

func sortedIDs(m map[wire.ID]*Node) []wire.ID {
	ids := make([]wire.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
