// Package wire defines the change-record vocabulary shared by the capture
// agent, the canonical store, the viewer fan-out and the reconstruction
// engine. Every component imports this package; nothing here depends on
// the others.
package wire

import "fmt"

// ID identifies a mirrored node. Ids are positive, assigned by the capture
// agent, and never reused within a session.
type ID int64

const (
	// Root is the canvas root. It always exists and never has a parent.
	Root ID = 0
	// NoParent marks a detached node. Encoded as JSON null.
	NoParent ID = -1
)

// Kind is the numeric tag of a record on the wire.
type Kind uint8

const (
	KindAdd           Kind = 0
	KindRemove        Kind = 1
	KindSetAttributes Kind = 2
	KindBoundingBox   Kind = 3
	KindCSSRules      Kind = 5
	KindViewBox       Kind = 6
	KindClear         Kind = 7
	KindRender        Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindSetAttributes:
		return "set_attributes"
	case KindBoundingBox:
		return "bounding_box"
	case KindCSSRules:
		return "css_rules"
	case KindViewBox:
		return "view_box"
	case KindClear:
		return "clear"
	case KindRender:
		return "render"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Record is one tagged unit of the protocol. The set of implementations is
// closed: Add, Remove, SetAttributes, BoundingBox, CSSRules, ViewBox, Clear
// and Render.
type Record interface {
	Kind() Kind
	record()
}

// Add creates a node or updates an existing one (reparent, reorder, text).
// A nil Tag denotes a text node.
type Add struct {
	ID        ID
	Tag       *string
	Parent    ID
	Namespace string
	Text      *string
	Order     float64
}

// Remove detaches a node from its parent. The node itself is retained.
type Remove struct {
	ID ID
}

// AttrValue is one (node, value) pair of a SetAttributes record. A nil
// Value means the attribute is absent.
type AttrValue struct {
	ID    ID
	Value *string
}

// SetAttributes sets one attribute name on many nodes.
type SetAttributes struct {
	Name   string
	Values []AttrValue
}

// BoundingBox reports the canvas-space rectangle of a node.
type BoundingBox struct {
	ID  ID
	Box Box
}

// CSSRules replaces the stylesheet list atomically. Each sheet is an
// ordered list of rule texts.
type CSSRules struct {
	Sheets [][]string
}

// ViewBox replaces the global canvas viewbox.
type ViewBox struct {
	Rect Rect
}

// Clear discards all mirrored state on the receiving side.
type Clear struct{}

// Render is an advisory frame marker, epoch milliseconds.
type Render struct {
	Timestamp int64
}

func (Add) Kind() Kind           { return KindAdd }
func (Remove) Kind() Kind        { return KindRemove }
func (SetAttributes) Kind() Kind { return KindSetAttributes }
func (BoundingBox) Kind() Kind   { return KindBoundingBox }
func (CSSRules) Kind() Kind      { return KindCSSRules }
func (ViewBox) Kind() Kind       { return KindViewBox }
func (Clear) Kind() Kind         { return KindClear }
func (Render) Kind() Kind        { return KindRender }

func (Add) record()           {}
func (Remove) record()        {}
func (SetAttributes) record() {}
func (BoundingBox) record()   {}
func (CSSRules) record()      {}
func (ViewBox) record()       {}
func (Clear) record()         {}
func (Render) record()        {}

// IsText reports whether the record creates a text node.
func (a Add) IsText() bool { return a.Tag == nil }

// Batch is the push unit on both the ingress and the egress channel.
// Records apply strictly in order.
type Batch struct {
	Session string   `json:"session"`
	Seq     uint64   `json:"seq"`
	Records []Record `json:"-"`
}

// Str returns a pointer to s. Convenience for optional string fields.
func Str(s string) *string { return &s }
