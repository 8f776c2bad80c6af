// Package board holds the drawable object model of a room and the
// optimistic-concurrency rules that decide whether a client edit lands.
package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the object variants.
type Kind string

const (
	KindText Kind = "text"
	KindPath Kind = "path"
)

// Server-stamped fields. Clients never set them and cannot patch them.
const (
	fieldID           = "id"
	fieldKind         = "kind"
	fieldLastEditedAt = "lastEditedAt"
	fieldLastEditedBy = "lastEditedBy"
)

// ErrInvalidObject wraps every schema violation found while decoding.
var ErrInvalidObject = errors.New("invalid object")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Text is the payload of a text object.
type Text struct {
	Position Point  `json:"position"`
	Text     string `json:"text"`
}

// Path is the payload of a path object. D is the serialized point sequence;
// Points is the older representation and is accepted when D is absent.
type Path struct {
	D      *string `json:"d,omitempty"`
	Points []Point `json:"points,omitempty"`
}

// Object is a drawable item. Exactly one of Text or Path is set, matching Kind.
type Object struct {
	ID   string
	Kind Kind
	Text *Text
	Path *Path

	LastEditedAt int64
	LastEditedBy string
}

// Key is the storage key of the object record.
func (o *Object) Key() string {
	return objectPrefix + o.ID
}

func (o Object) MarshalJSON() ([]byte, error) {
	fields, err := o.Fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (o *Object) UnmarshalJSON(data []byte) error {
	obj, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = *obj
	return nil
}

// Fields returns the object as a generic JSON value, the representation
// used for patching by key and for deep equality.
func (o *Object) Fields() (map[string]any, error) {
	fields := map[string]any{
		fieldID:   o.ID,
		fieldKind: string(o.Kind),
	}

	switch o.Kind {
	case KindText:
		if o.Text == nil {
			return nil, fmt.Errorf("%w: text object %q has no text payload", ErrInvalidObject, o.ID)
		}
		fields["position"] = map[string]any{"x": o.Text.Position.X, "y": o.Text.Position.Y}
		fields["text"] = o.Text.Text
	case KindPath:
		if o.Path == nil {
			return nil, fmt.Errorf("%w: path object %q has no path payload", ErrInvalidObject, o.ID)
		}
		if o.Path.D != nil {
			fields["d"] = *o.Path.D
		}
		if o.Path.Points != nil {
			points := make([]any, len(o.Path.Points))
			for i, p := range o.Path.Points {
				points[i] = map[string]any{"x": p.X, "y": p.Y}
			}
			fields["points"] = points
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidObject, o.Kind)
	}

	if o.LastEditedAt != 0 {
		fields[fieldLastEditedAt] = float64(o.LastEditedAt)
	}
	if o.LastEditedBy != "" {
		fields[fieldLastEditedBy] = o.LastEditedBy
	}
	return fields, nil
}

// rawObject mirrors every field any kind may carry. Pointers distinguish
// "absent" from zero values.
type rawObject struct {
	ID           *string          `json:"id"`
	Kind         *Kind            `json:"kind"`
	Position     *json.RawMessage `json:"position"`
	Text         *string          `json:"text"`
	D            *string          `json:"d"`
	Points       *[]Point         `json:"points"`
	LastEditedAt *int64           `json:"lastEditedAt"`
	LastEditedBy *string          `json:"lastEditedBy"`
}

// ParseObject strictly decodes an object: unknown kinds, unknown fields and
// fields that do not belong to the object's kind are rejected.
func ParseObject(data []byte) (*Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawObject
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidObject)
	}

	if raw.ID == nil || *raw.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidObject)
	}
	if raw.Kind == nil {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidObject)
	}

	obj := &Object{ID: *raw.ID, Kind: *raw.Kind}
	if raw.LastEditedAt != nil {
		obj.LastEditedAt = *raw.LastEditedAt
	}
	if raw.LastEditedBy != nil {
		obj.LastEditedBy = *raw.LastEditedBy
	}

	switch obj.Kind {
	case KindText:
		if raw.D != nil || raw.Points != nil {
			return nil, fmt.Errorf("%w: text object carries path fields", ErrInvalidObject)
		}
		if raw.Position == nil || raw.Text == nil {
			return nil, fmt.Errorf("%w: text object needs position and text", ErrInvalidObject)
		}
		pos, err := parsePoint(*raw.Position)
		if err != nil {
			return nil, err
		}
		obj.Text = &Text{Position: pos, Text: *raw.Text}
	case KindPath:
		if raw.Position != nil || raw.Text != nil {
			return nil, fmt.Errorf("%w: path object carries text fields", ErrInvalidObject)
		}
		if raw.D == nil && raw.Points == nil {
			return nil, fmt.Errorf("%w: path object needs d or points", ErrInvalidObject)
		}
		obj.Path = &Path{D: raw.D}
		if raw.Points != nil {
			obj.Path.Points = *raw.Points
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidObject, obj.Kind)
	}

	return obj, nil
}

func parsePoint(data json.RawMessage) (Point, error) {
	var raw struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Point{}, fmt.Errorf("%w: position: %v", ErrInvalidObject, err)
	}
	if raw.X == nil || raw.Y == nil {
		return Point{}, fmt.Errorf("%w: position needs x and y", ErrInvalidObject)
	}
	return Point{X: *raw.X, Y: *raw.Y}, nil
}

// objectFromFields re-validates a generic value against the object schema.
func objectFromFields(fields map[string]any) (*Object, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	return ParseObject(data)
}
