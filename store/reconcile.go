package store

import (
	"github.com/hazyhaar/tuoris/wire"
)

// Apply folds the batch into the store, record by record, in arrival order.
//
// An Add whose parent is not yet known is deferred, together with every
// later record of the batch that references the deferred id, and replayed
// once after the fold: dangling parents are tolerated mid-batch only.
// Records referencing ids that never had an Add are protocol violations;
// each one is logged and skipped without aborting the batch.
func (s *Store) Apply(b wire.Batch) Result {
	var res Result
	pending := make(map[wire.ID]struct{})
	var deferred []wire.Record

	for _, rec := range b.Records {
		if later := s.deferIfPending(rec, pending); later != nil {
			deferred = append(deferred, later)
			if rec = s.remainder(rec, pending); rec == nil {
				continue
			}
		}
		if add, ok := rec.(wire.Add); ok && add.Parent != wire.NoParent {
			if _, known := s.nodes[add.Parent]; !known {
				pending[add.ID] = struct{}{}
				deferred = append(deferred, add)
				continue
			}
		}
		if s.apply(rec, b.Session) {
			res.Applied++
		} else {
			res.Skipped++
		}
	}

	for _, rec := range deferred {
		if s.apply(rec, b.Session) {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	return res
}

// deferIfPending returns the part of rec that references a pending id, or
// nil when rec is independent of deferred Adds.
func (s *Store) deferIfPending(rec wire.Record, pending map[wire.ID]struct{}) wire.Record {
	if len(pending) == 0 {
		return nil
	}
	isPending := func(id wire.ID) bool { _, ok := pending[id]; return ok }
	switch r := rec.(type) {
	case wire.Add:
		if isPending(r.ID) || isPending(r.Parent) {
			pending[r.ID] = struct{}{}
			return r
		}
	case wire.Remove:
		if isPending(r.ID) {
			return r
		}
	case wire.BoundingBox:
		if isPending(r.ID) {
			return r
		}
	case wire.SetAttributes:
		var vals []wire.AttrValue
		for _, v := range r.Values {
			if isPending(v.ID) {
				vals = append(vals, v)
			}
		}
		if len(vals) > 0 {
			return wire.SetAttributes{Name: r.Name, Values: vals}
		}
	}
	return nil
}

// remainder returns what is left of rec once its pending part has been
// deferred. Only SetAttributes can be split.
func (s *Store) remainder(rec wire.Record, pending map[wire.ID]struct{}) wire.Record {
	r, ok := rec.(wire.SetAttributes)
	if !ok {
		return nil
	}
	var vals []wire.AttrValue
	for _, v := range r.Values {
		if _, p := pending[v.ID]; !p {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	return wire.SetAttributes{Name: r.Name, Values: vals}
}

// apply folds one record. It reports false when the record was skipped.
func (s *Store) apply(rec wire.Record, session string) bool {
	switch r := rec.(type) {
	case wire.Add:
		return s.applyAdd(r, session)

	case wire.Remove:
		n, ok := s.nodes[r.ID]
		if !ok || r.ID == wire.Root {
			s.violation(session, rec, r.ID)
			return false
		}
		n.Parent = wire.NoParent
		s.dirty.Mark(r.ID)
		return true

	case wire.SetAttributes:
		skipped := false
		for _, v := range r.Values {
			n, ok := s.nodes[v.ID]
			if !ok {
				s.violation(session, rec, v.ID)
				skipped = true
				continue
			}
			if sameValue(n.Attrs, r.Name, v.Value) {
				continue
			}
			n.Attrs[r.Name] = v.Value
			if v.ID == wire.Root {
				s.dirty.RootAttrs = true
			} else {
				s.dirty.Mark(v.ID)
			}
		}
		return !skipped

	case wire.BoundingBox:
		n, ok := s.nodes[r.ID]
		if !ok {
			s.violation(session, rec, r.ID)
			return false
		}
		if n.Box != nil && *n.Box == r.Box {
			return true
		}
		b := r.Box
		n.Box = &b
		s.dirty.Mark(r.ID)
		return true

	case wire.CSSRules:
		s.css = r.Sheets
		s.dirty.CSS = true
		return true

	case wire.ViewBox:
		s.viewBox = r.Rect
		s.dirty.ViewBox = true
		return true

	case wire.Clear:
		s.reset()
		s.dirty.Reset = true
		return true

	case wire.Render:
		return true
	}
	s.logger.Warn("store: unknown record", "session", session, "type", rec)
	return false
}

func (s *Store) applyAdd(r wire.Add, session string) bool {
	if r.ID <= wire.Root {
		s.logger.Warn("store: add with reserved id skipped", "session", session, "id", r.ID)
		return false
	}
	if r.Parent != wire.NoParent {
		if _, ok := s.nodes[r.Parent]; !ok {
			s.violation(session, r, r.Parent)
			return false
		}
		if s.isAncestor(r.ID, r.Parent) {
			s.logger.Warn("store: add would create a cycle, skipped",
				"session", session, "id", r.ID, "parent", r.Parent)
			return false
		}
	}

	n, ok := s.nodes[r.ID]
	if !ok {
		n = &Node{
			ID:        r.ID,
			Tag:       r.Tag,
			Namespace: r.Namespace,
			Attrs:     make(map[string]*string),
		}
		s.nodes[r.ID] = n
	}
	if r.Text != nil {
		n.Text = r.Text
	}
	n.Parent = r.Parent
	n.Order = r.Order
	s.dirty.Mark(r.ID)
	return true
}

func (s *Store) violation(session string, rec wire.Record, id wire.ID) {
	s.logger.Warn("store: record references unknown id, skipped",
		"session", session, "kind", rec.Kind().String(), "id", id)
}

func sameValue(attrs map[string]*string, name string, v *string) bool {
	cur, ok := attrs[name]
	if !ok || cur == nil {
		return v == nil
	}
	return v != nil && *cur == *v
}
