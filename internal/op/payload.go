package op

import (
	"fmt"
	"strings"
)

// ShapeKind enumerates the closed set of canvas shape variants.
type ShapeKind string

const (
	ShapeRectangle ShapeKind = "rectangle"
	ShapeCircle    ShapeKind = "circle"
	ShapeLine      ShapeKind = "line"
	ShapeText      ShapeKind = "text"
	ShapePath      ShapeKind = "path"
)

// Point is a single vertex of a freeform path.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Field identifies one mutable canvas object field.
type Field uint

const (
	FieldX Field = iota
	FieldY
	FieldWidth
	FieldHeight
	FieldRadius
	FieldX2
	FieldY2
	FieldPoints
	FieldRotation
	FieldFillColor
	FieldStrokeColor
	FieldStrokeWidth
	FieldText
	FieldFontSize
	fieldCount
)

// FieldSet is a bitmask over Field values.
type FieldSet uint32

// Add returns the set with field included.
func (s FieldSet) Add(field Field) FieldSet {
	return s | 1<<field
}

// Contains reports whether field is in the set.
func (s FieldSet) Contains(field Field) bool {
	return s&(1<<field) != 0
}

// Disjoint reports whether the two sets share no fields.
func (s FieldSet) Disjoint(other FieldSet) bool {
	return s&other == 0
}

// Empty reports whether the set contains no fields.
func (s FieldSet) Empty() bool {
	return s == 0
}

// Payload carries kind-specific operation data. Every mutable field is a
// pointer so partial Update payloads distinguish "unset" from zero. The
// delta fields are only meaningful on Transform operations.
type Payload struct {
	Shape ShapeKind `json:"shape,omitempty"`

	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Radius      *float64 `json:"radius,omitempty"`
	X2          *float64 `json:"x2,omitempty"`
	Y2          *float64 `json:"y2,omitempty"`
	Points      []Point  `json:"points,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	FillColor   *string  `json:"fill_color,omitempty"`
	StrokeColor *string  `json:"stroke_color,omitempty"`
	StrokeWidth *float64 `json:"stroke_width,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"font_size,omitempty"`

	DX        *float64 `json:"dx,omitempty"`
	DY        *float64 `json:"dy,omitempty"`
	DRotation *float64 `json:"d_rotation,omitempty"`
	ScaleBy   *float64 `json:"scale_by,omitempty"`
}

// IsEmpty reports whether no payload fields are set.
func (p Payload) IsEmpty() bool {
	return p.Shape == "" && p.Fields().Empty() && !p.hasDeltas()
}

func (p Payload) hasDeltas() bool {
	return p.DX != nil || p.DY != nil || p.DRotation != nil || p.ScaleBy != nil
}

// Fields returns the set of object fields this payload touches. Transform
// deltas map onto the absolute fields they affect, so overlap detection
// between Update and Transform payloads is exhaustive over the closed set.
func (p Payload) Fields() FieldSet {
	var set FieldSet
	if p.X != nil || p.DX != nil {
		set = set.Add(FieldX)
	}
	if p.Y != nil || p.DY != nil {
		set = set.Add(FieldY)
	}
	if p.Width != nil || p.ScaleBy != nil {
		set = set.Add(FieldWidth)
	}
	if p.Height != nil || p.ScaleBy != nil {
		set = set.Add(FieldHeight)
	}
	if p.Radius != nil || p.ScaleBy != nil {
		set = set.Add(FieldRadius)
	}
	if p.X2 != nil {
		set = set.Add(FieldX2)
	}
	if p.Y2 != nil {
		set = set.Add(FieldY2)
	}
	if p.Points != nil {
		set = set.Add(FieldPoints)
	}
	if p.Rotation != nil || p.DRotation != nil {
		set = set.Add(FieldRotation)
	}
	if p.FillColor != nil {
		set = set.Add(FieldFillColor)
	}
	if p.StrokeColor != nil {
		set = set.Add(FieldStrokeColor)
	}
	if p.StrokeWidth != nil {
		set = set.Add(FieldStrokeWidth)
	}
	if p.Text != nil {
		set = set.Add(FieldText)
	}
	if p.FontSize != nil {
		set = set.Add(FieldFontSize)
	}
	return set
}

// WithoutFields returns a copy of the payload with the given fields
// cleared. Used by the transform engine to drop fields that lost a
// last-writer-wins comparison.
func (p Payload) WithoutFields(fields FieldSet) Payload {
	out := p
	if fields.Contains(FieldX) {
		out.X, out.DX = nil, nil
	}
	if fields.Contains(FieldY) {
		out.Y, out.DY = nil, nil
	}
	if fields.Contains(FieldWidth) || fields.Contains(FieldHeight) || fields.Contains(FieldRadius) {
		out.ScaleBy = nil
	}
	if fields.Contains(FieldWidth) {
		out.Width = nil
	}
	if fields.Contains(FieldHeight) {
		out.Height = nil
	}
	if fields.Contains(FieldRadius) {
		out.Radius = nil
	}
	if fields.Contains(FieldX2) {
		out.X2 = nil
	}
	if fields.Contains(FieldY2) {
		out.Y2 = nil
	}
	if fields.Contains(FieldPoints) {
		out.Points = nil
	}
	if fields.Contains(FieldRotation) {
		out.Rotation, out.DRotation = nil, nil
	}
	if fields.Contains(FieldFillColor) {
		out.FillColor = nil
	}
	if fields.Contains(FieldStrokeColor) {
		out.StrokeColor = nil
	}
	if fields.Contains(FieldStrokeWidth) {
		out.StrokeWidth = nil
	}
	if fields.Contains(FieldText) {
		out.Text = nil
	}
	if fields.Contains(FieldFontSize) {
		out.FontSize = nil
	}
	return out
}

func (p Payload) validateAdd() error {
	if p.hasDeltas() {
		return fmt.Errorf("%w: add carries transform deltas", ErrInvalidPayload)
	}
	switch p.Shape {
	case ShapeRectangle:
		return requireFields(p, "rectangle", FieldX, FieldY, FieldWidth, FieldHeight)
	case ShapeCircle:
		return requireFields(p, "circle", FieldX, FieldY, FieldRadius)
	case ShapeLine:
		return requireFields(p, "line", FieldX, FieldY, FieldX2, FieldY2)
	case ShapeText:
		return requireFields(p, "text", FieldX, FieldY, FieldText)
	case ShapePath:
		if len(p.Points) == 0 {
			return fmt.Errorf("%w: path requires points", ErrInvalidPayload)
		}
		return nil
	case "":
		return fmt.Errorf("%w: add requires a shape discriminator", ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unknown shape %q", ErrInvalidPayload, p.Shape)
	}
}

func (p Payload) validateUpdate() error {
	if p.hasDeltas() {
		return fmt.Errorf("%w: update carries transform deltas", ErrInvalidPayload)
	}
	if p.Fields().Empty() {
		return fmt.Errorf("%w: update touches no fields", ErrInvalidPayload)
	}
	return nil
}

func (p Payload) validateTransform() error {
	if !p.hasDeltas() {
		return fmt.Errorf("%w: transform carries no deltas", ErrInvalidPayload)
	}
	absolute := Payload{
		X: p.X, Y: p.Y, Width: p.Width, Height: p.Height, Radius: p.Radius,
		X2: p.X2, Y2: p.Y2, Points: p.Points, Rotation: p.Rotation,
		FillColor: p.FillColor, StrokeColor: p.StrokeColor,
		StrokeWidth: p.StrokeWidth, Text: p.Text, FontSize: p.FontSize,
	}
	if !absolute.Fields().Empty() {
		return fmt.Errorf("%w: transform carries absolute fields", ErrInvalidPayload)
	}
	return nil
}

func requireFields(p Payload, shapeName string, fields ...Field) error {
	present := p.Fields()
	missing := make([]string, 0, len(fields))
	for _, field := range fields {
		if !present.Contains(field) {
			missing = append(missing, fieldName(field))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, shapeName, strings.Join(missing, ", "))
	}
	return nil
}

func fieldName(field Field) string {
	names := [fieldCount]string{
		"x", "y", "width", "height", "radius", "x2", "y2", "points",
		"rotation", "fill_color", "stroke_color", "stroke_width", "text", "font_size",
	}
	if int(field) < len(names) {
		return names[field]
	}
	return "unknown"
}

// ParseShapeKind converts a raw wire value into a ShapeKind.
func ParseShapeKind(value string) (ShapeKind, error) {
	switch ShapeKind(strings.ToLower(strings.TrimSpace(value))) {
	case ShapeRectangle:
		return ShapeRectangle, nil
	case ShapeCircle:
		return ShapeCircle, nil
	case ShapeLine:
		return ShapeLine, nil
	case ShapeText:
		return ShapeText, nil
	case ShapePath:
		return ShapePath, nil
	default:
		return "", fmt.Errorf("%w: unknown shape %q", ErrInvalidPayload, value)
	}
}
