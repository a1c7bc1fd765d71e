package core

import (
	"time"
)

// ObjectKind is the closed set of element types a canvas can hold.
type ObjectKind string

const (
	KindRectangle ObjectKind = "rectangle"
	KindCircle    ObjectKind = "circle"
	KindText      ObjectKind = "text"
	KindLine      ObjectKind = "line"
	KindArrow     ObjectKind = "arrow"
	KindDiamond   ObjectKind = "diamond"
	KindStar      ObjectKind = "star"
	KindHeart     ObjectKind = "heart"
)

// Known reports whether k is a member of the closed kind set.
func (k ObjectKind) Known() bool {
	switch k {
	case KindRectangle, KindCircle, KindText, KindLine, KindArrow, KindDiamond, KindStar, KindHeart:
		return true
	}
	return false
}

// Endpoints reports whether the kind is defined by two endpoint coordinates
// rather than a position plus a size.
func (k ObjectKind) Endpoints() bool {
	return k == KindLine || k == KindArrow
}

type (
	// ObjectProps is the normalized property bag of a canvas object. Which
	// fields are set depends on the kind; optional fields use pointers so a
	// partial update can distinguish "absent" from "zero".
	ObjectProps struct {
		X      *float64 `json:"x,omitempty"`
		Y      *float64 `json:"y,omitempty"`
		Width  *float64 `json:"width,omitempty"`
		Height *float64 `json:"height,omitempty"`
		Radius *float64 `json:"radius,omitempty"`

		// Endpoint kinds (line, arrow).
		X1 *float64 `json:"x1,omitempty"`
		Y1 *float64 `json:"y1,omitempty"`
		X2 *float64 `json:"x2,omitempty"`
		Y2 *float64 `json:"y2,omitempty"`

		StrokeColor *string  `json:"strokeColor,omitempty"`
		FillColor   *string  `json:"fillColor,omitempty"`
		StrokeWidth *float64 `json:"strokeWidth,omitempty"`

		// Text kinds.
		Text     *string  `json:"text,omitempty"`
		FontSize *float64 `json:"fontSize,omitempty"`
	}

	// CanvasObject is the authoritative server-side state of one element.
	// The store owns the canonical copy; clients hold replicas.
	CanvasObject struct {
		ID        string      `json:"id"`
		CanvasID  string      `json:"canvasId"`
		Kind      ObjectKind  `json:"kind"`
		Props     ObjectProps `json:"props"`
		CreatedBy string      `json:"createdBy"`
		CreatedAt time.Time   `json:"createdAt"`
		UpdatedAt time.Time   `json:"updatedAt"`
		// Seq is the per-canvas sequence number of the last mutation that
		// touched this object.
		Seq uint64 `json:"seq"`
	}
)

// Merge overlays the non-nil fields of changes onto p and returns the result.
// The receiver is not modified.
func (p ObjectProps) Merge(changes ObjectProps) ObjectProps {
	out := p
	if changes.X != nil {
		out.X = changes.X
	}
	if changes.Y != nil {
		out.Y = changes.Y
	}
	if changes.Width != nil {
		out.Width = changes.Width
	}
	if changes.Height != nil {
		out.Height = changes.Height
	}
	if changes.Radius != nil {
		out.Radius = changes.Radius
	}
	if changes.X1 != nil {
		out.X1 = changes.X1
	}
	if changes.Y1 != nil {
		out.Y1 = changes.Y1
	}
	if changes.X2 != nil {
		out.X2 = changes.X2
	}
	if changes.Y2 != nil {
		out.Y2 = changes.Y2
	}
	if changes.StrokeColor != nil {
		out.StrokeColor = changes.StrokeColor
	}
	if changes.FillColor != nil {
		out.FillColor = changes.FillColor
	}
	if changes.StrokeWidth != nil {
		out.StrokeWidth = changes.StrokeWidth
	}
	if changes.Text != nil {
		out.Text = changes.Text
	}
	if changes.FontSize != nil {
		out.FontSize = changes.FontSize
	}
	return out
}

// Clone returns a deep copy so callers can hand objects across goroutines
// without sharing pointer fields.
func (o *CanvasObject) Clone() *CanvasObject {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Props = o.Props.clone()
	return &cp
}

func (p ObjectProps) clone() ObjectProps {
	out := ObjectProps{}
	cf := func(f *float64) *float64 {
		if f == nil {
			return nil
		}
		v := *f
		return &v
	}
	cs := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := *s
		return &v
	}
	out.X, out.Y = cf(p.X), cf(p.Y)
	out.Width, out.Height, out.Radius = cf(p.Width), cf(p.Height), cf(p.Radius)
	out.X1, out.Y1, out.X2, out.Y2 = cf(p.X1), cf(p.Y1), cf(p.X2), cf(p.Y2)
	out.StrokeColor, out.FillColor = cs(p.StrokeColor), cs(p.FillColor)
	out.StrokeWidth = cf(p.StrokeWidth)
	out.Text, out.FontSize = cs(p.Text), cf(p.FontSize)
	return out
}

// Float64 is a convenience for building ObjectProps literals.
func Float64(v float64) *float64 { return &v }

// String is a convenience for building ObjectProps literals.
func String(v string) *string { return &v }
