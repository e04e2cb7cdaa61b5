package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FieldWrite is one field-level write in a node's merge document: the value,
// the logical clock at which it was written, and the writing actor. Clocks
// are compared first; the actor id breaks ties deterministically so replicas
// converge regardless of arrival order.
type FieldWrite struct {
	Value any    `json:"value"`
	Clock int64  `json:"clock"`
	Actor string `json:"actor"`
}

// Supersedes reports whether w wins over other under last-writer-wins.
func (w FieldWrite) Supersedes(other FieldWrite) bool {
	if w.Clock != other.Clock {
		return w.Clock > other.Clock
	}
	return w.Actor > other.Actor
}

// MergeDoc is a per-node conflict resolution document: a map from top-level
// attribute field to the winning write for that field. Concurrent edits to
// disjoint fields never lose data; concurrent edits to the same field
// converge on the write with the highest (clock, actor) pair.
type MergeDoc map[string]FieldWrite

// Apply merges a single field write into the document. It returns true when
// the write won and the document changed.
func (d MergeDoc) Apply(field string, w FieldWrite) bool {
	current, ok := d[field]
	if ok && !w.Supersedes(current) {
		return false
	}
	d[field] = w
	return true
}

// MergeFrom merges every write from other into d and returns the fields that
// changed, in no particular order.
func (d MergeDoc) MergeFrom(other MergeDoc) []string {
	var changed []string
	for field, w := range other {
		if d.Apply(field, w) {
			changed = append(changed, field)
		}
	}
	return changed
}

// Clock returns the highest clock recorded in the document.
func (d MergeDoc) Clock() int64 {
	var max int64
	for _, w := range d {
		if w.Clock > max {
			max = w.Clock
		}
	}
	return max
}

// MergeDocFromAttributes seeds a merge document from a freshly created node's
// attribute envelope, stamping every top-level field with the creation clock.
func MergeDocFromAttributes(attrs Attributes, clock int64, actor string) (MergeDoc, error) {
	raw, err := attrs.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	delete(env, "type")
	doc := make(MergeDoc, len(env))
	for field, value := range env {
		doc[field] = FieldWrite{Value: value, Clock: clock, Actor: actor}
	}
	return doc, nil
}

// Value implements driver.Valuer for JSON column storage.
func (d MergeDoc) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *MergeDoc) Scan(value any) error {
	if value == nil {
		*d = make(MergeDoc)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, isStr := value.(string)
		if !isStr {
			return fmt.Errorf("cannot scan %T into MergeDoc", value)
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, d)
}

func (MergeDoc) GormDataType() string { return "jsonb" }

// FieldWritesFromData decodes the "fields" member of an update transaction's
// payload into merge writes. The payload travels as JSONMap, so the entries
// arrive as generic maps with float64 clocks after a JSON round trip.
func FieldWritesFromData(data JSONMap) (MergeDoc, error) {
	raw, ok := data["fields"]
	if !ok {
		return nil, fmt.Errorf("update payload has no fields")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc MergeDoc
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("malformed update fields: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("update payload has no fields")
	}
	return doc, nil
}
