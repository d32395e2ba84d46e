// Package scene defines the replicated scene records: objects, their
// transforms and materials, and the partial transform updates clients send.
package scene

import (
	"encoding/json"
	"fmt"
	"math"
)

// Geometry is the primitive kind of an object. It is fixed at creation.
type Geometry string

const (
	GeometryCube     Geometry = "cube"
	GeometrySphere   Geometry = "sphere"
	GeometryCylinder Geometry = "cylinder"
	GeometryPlane    Geometry = "plane"
)

// Geometries lists every supported geometry kind.
var Geometries = []Geometry{GeometryCube, GeometrySphere, GeometryCylinder, GeometryPlane}

// ParseGeometry returns the geometry named by s, or ErrInvalidGeometryKind.
func ParseGeometry(s string) (Geometry, error) {
	for _, g := range Geometries {
		if string(g) == s {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGeometryKind, s)
}

// Vec3 is an x/y/z triple, encoded as a JSON array.
type Vec3 [3]float64

// UnmarshalJSON accepts [x,y,z] and also [x,y,z,"ORDER"], the Euler form
// three.js produces for rotations. The order element is discarded.
func (v *Vec3) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: vector must be an array", ErrMalformedMessage)
	}
	if len(parts) != 3 && len(parts) != 4 {
		return fmt.Errorf("%w: vector must have 3 components, got %d", ErrMalformedMessage, len(parts))
	}
	var out Vec3
	for i := 0; i < 3; i++ {
		if err := json.Unmarshal(parts[i], &out[i]); err != nil {
			return fmt.Errorf("%w: vector component %d is not a number", ErrMalformedMessage, i)
		}
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return fmt.Errorf("%w: vector component %d is not finite", ErrMalformedMessage, i)
		}
	}
	if len(parts) == 4 {
		var order string
		if err := json.Unmarshal(parts[3], &order); err != nil {
			return fmt.Errorf("%w: fourth vector element must be a rotation order", ErrMalformedMessage)
		}
	}
	*v = out
	return nil
}

// Material describes surface appearance. Color is packed 0xRRGGBB.
type Material struct {
	Color     int     `json:"color"`
	Opacity   float64 `json:"opacity"`
	Metalness float64 `json:"metalness"`
	Roughness float64 `json:"roughness"`
}

// DefaultMaterial is used when an add intent carries no material.
var DefaultMaterial = Material{Color: 0xff0000, Opacity: 1, Metalness: 0, Roughness: 0.5}

// Validate checks that every field is inside its range.
func (m Material) Validate() error {
	if m.Color < 0 || m.Color > 0xffffff {
		return fmt.Errorf("%w: color %d out of range", ErrMalformedMessage, m.Color)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"opacity", m.Opacity}, {"metalness", m.Metalness}, {"roughness", m.Roughness}} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return fmt.Errorf("%w: %s must be within [0,1]", ErrMalformedMessage, f.name)
		}
	}
	return nil
}

// Object is a single replicated scene node.
type Object struct {
	ID       string   `json:"id"`
	Type     Geometry `json:"type"`
	Position Vec3     `json:"position"`
	Rotation Vec3     `json:"rotation"`
	Scale    Vec3     `json:"scale"`
	Material Material `json:"material"`
}

// Validate checks the geometry kind and material ranges.
func (o *Object) Validate() error {
	if _, err := ParseGeometry(string(o.Type)); err != nil {
		return err
	}
	return o.Material.Validate()
}

// Clone returns a copy that shares no memory with o.
func (o *Object) Clone() *Object {
	c := *o
	return &c
}

// TransformPatch carries a subset of an object's transform. Nil fields are
// left untouched when the patch is applied.
type TransformPatch struct {
	Position *Vec3 `json:"position,omitempty"`
	Rotation *Vec3 `json:"rotation,omitempty"`
	Scale    *Vec3 `json:"scale,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p TransformPatch) Empty() bool {
	return p.Position == nil && p.Rotation == nil && p.Scale == nil
}

// Apply merges the supplied fields into o.
func (p TransformPatch) Apply(o *Object) {
	if p.Position != nil {
		o.Position = *p.Position
	}
	if p.Rotation != nil {
		o.Rotation = *p.Rotation
	}
	if p.Scale != nil {
		o.Scale = *p.Scale
	}
}

// Clone returns a deep copy of the patch.
func (p TransformPatch) Clone() TransformPatch {
	var c TransformPatch
	if p.Position != nil {
		v := *p.Position
		c.Position = &v
	}
	if p.Rotation != nil {
		v := *p.Rotation
		c.Rotation = &v
	}
	if p.Scale != nil {
		v := *p.Scale
		c.Scale = &v
	}
	return c
}
