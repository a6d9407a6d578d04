package canvas

import (
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
)

// CanvasObject is the mutable entity addressed by operations. Shape
// discriminates which geometry fields are meaningful; Version strictly
// increases across successful applies.
type CanvasObject struct {
	ID           string       `json:"id"`
	Shape        op.ShapeKind `json:"shape"`
	X            float64      `json:"x"`
	Y            float64      `json:"y"`
	Width        float64      `json:"width"`
	Height       float64      `json:"height"`
	Radius       float64      `json:"radius"`
	X2           float64      `json:"x2"`
	Y2           float64      `json:"y2"`
	Points       []op.Point   `json:"points,omitempty"`
	Rotation     float64      `json:"rotation"`
	FillColor    string       `json:"fill_color"`
	StrokeColor  string       `json:"stroke_color"`
	StrokeWidth  float64      `json:"stroke_width"`
	Text         string       `json:"text"`
	FontSize     float64      `json:"font_size"`
	Version      int64        `json:"version"`
	OwnerID      string       `json:"owner_id"`
	LastModified time.Time    `json:"last_modified"`
}

// Clone returns a deep copy of the object.
func (o *CanvasObject) Clone() *CanvasObject {
	if o == nil {
		return nil
	}
	copied := *o
	if o.Points != nil {
		copied.Points = make([]op.Point, len(o.Points))
		copy(copied.Points, o.Points)
	}
	return &copied
}

// SnapshotPayload returns a full absolute payload describing the object,
// suitable as the payload of an Add operation that recreates it.
func (o *CanvasObject) SnapshotPayload() op.Payload {
	payload := op.Payload{Shape: o.Shape}
	payload.X = pointerTo(o.X)
	payload.Y = pointerTo(o.Y)
	payload.Rotation = pointerTo(o.Rotation)
	payload.FillColor = pointerToString(o.FillColor)
	payload.StrokeColor = pointerToString(o.StrokeColor)
	payload.StrokeWidth = pointerTo(o.StrokeWidth)
	switch o.Shape {
	case op.ShapeRectangle:
		payload.Width = pointerTo(o.Width)
		payload.Height = pointerTo(o.Height)
	case op.ShapeCircle:
		payload.Radius = pointerTo(o.Radius)
	case op.ShapeLine:
		payload.X2 = pointerTo(o.X2)
		payload.Y2 = pointerTo(o.Y2)
	case op.ShapeText:
		payload.Text = pointerToString(o.Text)
		payload.FontSize = pointerTo(o.FontSize)
	case op.ShapePath:
		points := make([]op.Point, len(o.Points))
		copy(points, o.Points)
		payload.Points = points
	}
	return payload
}

func (o *CanvasObject) mergePayload(payload op.Payload) {
	if payload.X != nil {
		o.X = *payload.X
	}
	if payload.Y != nil {
		o.Y = *payload.Y
	}
	if payload.Width != nil {
		o.Width = *payload.Width
	}
	if payload.Height != nil {
		o.Height = *payload.Height
	}
	if payload.Radius != nil {
		o.Radius = *payload.Radius
	}
	if payload.X2 != nil {
		o.X2 = *payload.X2
	}
	if payload.Y2 != nil {
		o.Y2 = *payload.Y2
	}
	if payload.Points != nil {
		o.Points = make([]op.Point, len(payload.Points))
		copy(o.Points, payload.Points)
	}
	if payload.Rotation != nil {
		o.Rotation = *payload.Rotation
	}
	if payload.FillColor != nil {
		o.FillColor = *payload.FillColor
	}
	if payload.StrokeColor != nil {
		o.StrokeColor = *payload.StrokeColor
	}
	if payload.StrokeWidth != nil {
		o.StrokeWidth = *payload.StrokeWidth
	}
	if payload.Text != nil {
		o.Text = *payload.Text
	}
	if payload.FontSize != nil {
		o.FontSize = *payload.FontSize
	}
}

func (o *CanvasObject) applyDeltas(payload op.Payload) {
	if payload.DX != nil {
		o.X += *payload.DX
		o.X2 += *payload.DX
		for i := range o.Points {
			o.Points[i].X += *payload.DX
		}
	}
	if payload.DY != nil {
		o.Y += *payload.DY
		o.Y2 += *payload.DY
		for i := range o.Points {
			o.Points[i].Y += *payload.DY
		}
	}
	if payload.DRotation != nil {
		o.Rotation += *payload.DRotation
	}
	if payload.ScaleBy != nil {
		o.Width *= *payload.ScaleBy
		o.Height *= *payload.ScaleBy
		o.Radius *= *payload.ScaleBy
	}
}

func pointerTo(value float64) *float64 {
	v := value
	return &v
}

func pointerToString(value string) *string {
	v := value
	return &v
}
