package model

import "encoding/json"

// Record is a server-backed row, e.g. a test point or a generated data item.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Clone deep copies the record.
func (r Record) Clone() Record {
	c := Record{ID: r.ID, Fields: make(map[string]any, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = CloneValue(v)
	}
	return c
}

// Get returns the value of field, nil when absent.
func (r Record) Get(field string) any {
	return r.Fields[field]
}

// FieldUpdate is one persisted field change.
type FieldUpdate struct {
	RecordID string `json:"record_id" yaml:"record_id"`
	Field    string `json:"field" yaml:"field"`
	Value    any    `json:"value" yaml:"value"`
}

// CloneRecords deep copies a record list.
func CloneRecords(rs []Record) []Record {
	if rs == nil {
		return nil
	}
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

// CloneValue deep copies JSON-shaped values (maps, slices and scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = CloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = CloneValue(vv)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}
