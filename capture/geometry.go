package capture

import (
	"context"
	"strconv"
	"strings"

	"github.com/hazyhaar/tuoris/wire"
)

// Measurement is the page-space rectangle of one node. Measured is false
// when the host could not measure the node (text nodes, detached nodes).
type Measurement struct {
	Box      wire.Box
	Measured bool
}

// Geometry is the external geometry provider. Measure returns one
// Measurement per key, in order. Transform returns the page-to-canvas
// affine transform (the inverse of the canvas screen matrix).
type Geometry interface {
	Measure(ctx context.Context, keys []HostKey) ([]Measurement, error)
	Transform(ctx context.Context) (Matrix, error)
}

// Matrix is a 2D affine transform in SVG notation:
// x' = A*x + C*y + E, y' = B*x + D*y + F.
type Matrix struct {
	A, B, C, D, E, F float64
}

// Identity is the identity transform.
var Identity = Matrix{A: 1, D: 1}

// Apply transforms a point.
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.C*y + m.E, m.B*x + m.D*y + m.F
}

// ToCanvas converts a page-space box to canvas coordinates by transforming
// its upper-left and bottom-right corners.
func (m Matrix) ToCanvas(b wire.Box) wire.Box {
	l, t := m.Apply(b.Left, b.Top)
	r, bt := m.Apply(b.Right, b.Bottom)
	return wire.Box{Left: l, Top: t, Right: r, Bottom: bt}
}

// parseViewBox reads an SVG viewBox attribute ("x y w h", comma or space
// separated).
func parseViewBox(s string) (wire.Rect, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if len(parts) != 4 {
		return wire.Rect{}, false
	}
	var a [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return wire.Rect{}, false
		}
		a[i] = v
	}
	return wire.RectOf(a), true
}
