package wire

// Box is an axis-aligned rectangle given by its edges, in canvas coordinates.
type Box struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// Overlaps reports whether b and o intersect. Edges are inclusive, so two
// boxes sharing a border overlap.
func (b Box) Overlaps(o Box) bool {
	return b.Left <= o.Right && b.Right >= o.Left &&
		b.Top <= o.Bottom && b.Bottom >= o.Top
}

// IsZero reports whether all four edges are zero. The capture agent treats
// a zero box as unmeasured.
func (b Box) IsZero() bool {
	return b.Left == 0 && b.Top == 0 && b.Right == 0 && b.Bottom == 0
}

// Rect is an origin plus a size, the SVG viewBox convention. It is used
// both for the global canvas viewbox and for normalized viewer rectangles.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Project maps a normalized rectangle (fractions of r) onto r and returns
// the absolute box.
func (r Rect) Project(norm Rect) Box {
	left := r.X + norm.X*r.W
	top := r.Y + norm.Y*r.H
	return Box{
		Left:   left,
		Top:    top,
		Right:  left + norm.W*r.W,
		Bottom: top + norm.H*r.H,
	}
}

// Normalized reports whether all four components lie in [0,1].
func (r Rect) Normalized() bool {
	for _, v := range [4]float64{r.X, r.Y, r.W, r.H} {
		if v < 0 || v > 1 || v != v {
			return false
		}
	}
	return true
}

// Array returns the rect as [x, y, w, h].
func (r Rect) Array() [4]float64 { return [4]float64{r.X, r.Y, r.W, r.H} }

// RectOf builds a Rect from [x, y, w, h].
func RectOf(a [4]float64) Rect { return Rect{X: a[0], Y: a[1], W: a[2], H: a[3]} }
