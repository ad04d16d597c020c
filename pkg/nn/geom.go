package nn

import (
	"github.com/chewxy/math32"
)

// Box is an axis-aligned rectangle, (X1,Y1) top-left and (X2,Y2) bottom-right.
// Coordinates are floats because detectors emit sub-pixel boxes.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func MakeBox(x1, y1, x2, y2 float32) Box {
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area is zero for boxes with zero or negative width or height
func (b Box) Area() float32 {
	w := b.Width()
	h := b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IsFinite returns false if any coordinate is NaN or infinite
func (b Box) IsFinite() bool {
	return isFinite(b.X1) && isFinite(b.Y1) && isFinite(b.X2) && isFinite(b.Y2)
}

func (b Box) Intersection(r Box) Box {
	return Box{
		X1: math32.Max(b.X1, r.X1),
		Y1: math32.Max(b.Y1, r.Y1),
		X2: math32.Min(b.X2, r.X2),
		Y2: math32.Min(b.Y2, r.Y2),
	}
}

// ToGlobal translates a tile-local box into the coordinate space of the whole image.
// No clamping is performed: a box that extends beyond its tile stays that way.
func (b Box) ToGlobal(offsetX, offsetY int) Box {
	dx := float32(offsetX)
	dy := float32(offsetY)
	return Box{
		X1: b.X1 + dx,
		Y1: b.Y1 + dy,
		X2: b.X2 + dx,
		Y2: b.Y2 + dy,
	}
}

// Return the box with (X1,Y1) <= (X2,Y2). Used for spatial indexing only.
func (b Box) normalized() Box {
	return Box{
		X1: math32.Min(b.X1, b.X2),
		Y1: math32.Min(b.Y1, b.Y2),
		X2: math32.Max(b.X1, b.X2),
		Y2: math32.Max(b.Y1, b.Y2),
	}
}

// IOU returns the Intersection over Union of two boxes.
// Degenerate boxes (zero or negative area) contribute no intersection.
func IOU(a, b Box) float32 {
	if a.Area() == 0 || b.Area() == 0 {
		return 0
	}
	intersection := a.Intersection(b).Area()
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
