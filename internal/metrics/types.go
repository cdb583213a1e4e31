package metrics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind discriminates the scalar types a metric field can hold.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindBool
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

// Value is one typed scalar metric value.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
}

// NumberValue wraps a float64 field value.
func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// BoolValue wraps a boolean field value.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// StringValue wraps a string field value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// String renders the scalar for messages and group keys.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// MarshalJSON emits the raw scalar, not the wrapper struct.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.Str)
	}
}

// UnmarshalJSON accepts any JSON scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = NumberValue(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringValue(s)
		return nil
	}
	return fmt.Errorf("field value %s is not a scalar", string(data))
}

// Provenance records which source produced a field and whether the value is
// a stale fallback from an earlier successful fetch.
type Provenance struct {
	SourceID string `json:"source"`
	Stale    bool   `json:"stale"`
}

// Snapshot is the merged metric state of one collection cycle. It is built
// once by the aggregator and never mutated afterwards.
type Snapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Fields    map[string]Value      `json:"fields"`
	Origin    map[string]Provenance `json:"origin"`
}

// Field looks up a metric field by name. The second return is false when the
// field was absent this cycle; absent is not the same as zero.
func (s *Snapshot) Field(name string) (Value, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Source freshness states reported by the health probe.
const (
	SourceFresh    = "fresh"
	SourceStale    = "stale"
	SourceMissing  = "missing"
	SourceDisabled = "disabled"
	SourcePending  = "pending"
)

// SourceState is the per-source freshness view exposed for health reporting.
type SourceState struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Critical    bool       `json:"critical"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	AgeSeconds  float64    `json:"age_seconds,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}
