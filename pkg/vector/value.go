// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package vector

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a metadata scalar. The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
}

func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

func (v Value) Num() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Any returns the value as a plain Go scalar.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return nil, fmt.Errorf("marshalling invalid metadata value")
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts a Go scalar into a Value. Nil, slices and maps are
// rejected.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		if x.kind == KindInvalid {
			break
		}
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, cperr.Wrapf(err, cperr.CodeVectorMetadataInvalid, "parsing number %q", x.String())
		}
		return Number(f), nil
	}
	return Value{}, cperr.Errorf(cperr.CodeVectorMetadataInvalid,
		"metadata values must be string, number or bool, got %T", raw)
}

// Metadata is the filterable key/value payload attached to a record.
type Metadata map[string]Value

// MetadataFromMap converts decoded JSON into Metadata.
func MetadataFromMap(m map[string]any) (Metadata, error) {
	if len(m) == 0 {
		return Metadata{}, nil
	}
	out := make(Metadata, len(m))
	for k, raw := range m {
		if k == "" {
			return nil, cperr.New(cperr.CodeVectorMetadataInvalid, "metadata keys must be non-empty")
		}
		v, err := ValueOf(raw)
		if err != nil {
			return nil, cperr.With(err, cperr.Field("key", k))
		}
		out[k] = v
	}
	return out, nil
}

// Map returns the metadata as plain Go values.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
