// Package jsonv is the document value model shared by the text and form
// surfaces. A Value is a tagged union over the six JSON kinds; objects keep
// member order so a document round-trips through the form without reshuffling
// the user's keys.
//
// A nil *Value stands for "undefined": a location that holds no value at all.
package jsonv

import (
	"math"
	"strconv"
)

type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "boolean"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "unknown"
}

type Value struct {
	kind Kind
	b    bool
	// string payload, or the number literal
	s      string
	items  []*Value
	keys   []string
	fields map[string]*Value
}

func NewNull() *Value { return &Value{kind: Null} }

func NewBool(b bool) *Value { return &Value{kind: Bool, b: b} }

func NewString(s string) *Value { return &Value{kind: String, s: s} }

// NewNumber wraps a JSON number literal. The literal is not validated.
func NewNumber(literal string) *Value { return &Value{kind: Number, s: literal} }

func NewFloat(f float64) *Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return NewNull()
	}
	return &Value{kind: Number, s: strconv.FormatFloat(f, 'f', -1, 64)}
}

func NewInt(i int64) *Value { return &Value{kind: Number, s: strconv.FormatInt(i, 10)} }

func NewArray(items ...*Value) *Value {
	v := &Value{kind: Array, items: make([]*Value, 0, len(items))}
	for _, item := range items {
		v.Append(item)
	}
	return v
}

func NewObject() *Value {
	return &Value{kind: Object, fields: map[string]*Value{}}
}

func (v *Value) Kind() Kind { return v.kind }

func (v *Value) IsNull() bool { return v.kind == Null }

func (v *Value) IsContainer() bool { return v.kind == Array || v.kind == Object }

func (v *Value) Bool() bool { return v.b }

// Str returns the string payload; empty for non-strings.
func (v *Value) Str() string {
	if v.kind != String {
		return ""
	}
	return v.s
}

// Literal returns the number literal as it appeared in the source text.
func (v *Value) Literal() string {
	if v.kind != Number {
		return ""
	}
	return v.s
}

func (v *Value) Float() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Len is the number of items or members; zero for scalars.
func (v *Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.items)
	case Object:
		return len(v.keys)
	}
	return 0
}

func (v *Value) Index(i int) *Value {
	if v.kind != Array || i < 0 || i >= len(v.items) {
		return nil
	}
	return v.items[i]
}

func (v *Value) Items() []*Value {
	return v.items
}

// Keys returns object member names in document order. The slice is shared.
func (v *Value) Keys() []string {
	return v.keys
}

func (v *Value) Field(key string) (*Value, bool) {
	if v.kind != Object {
		return nil, false
	}
	f, ok := v.fields[key]
	return f, ok
}

// SetField adds or replaces a member. A replaced member keeps its position.
func (v *Value) SetField(key string, f *Value) {
	if v.kind != Object {
		return
	}
	if f == nil {
		f = NewNull()
	}
	if _, ok := v.fields[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.fields[key] = f
}

func (v *Value) DeleteField(key string) bool {
	if v.kind != Object {
		return false
	}
	if _, ok := v.fields[key]; !ok {
		return false
	}
	delete(v.fields, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i:i], v.keys[i+1:]...)
			break
		}
	}
	return true
}

// RenameField moves a member to a new name in place. It fails when the old
// member is missing or the new name is taken.
func (v *Value) RenameField(from, to string) bool {
	if v.kind != Object || from == to {
		return false
	}
	f, ok := v.fields[from]
	if !ok {
		return false
	}
	if _, taken := v.fields[to]; taken {
		return false
	}
	delete(v.fields, from)
	v.fields[to] = f
	for i, k := range v.keys {
		if k == from {
			v.keys[i] = to
			break
		}
	}
	return true
}

func (v *Value) Append(item *Value) {
	if v.kind != Array {
		return
	}
	if item == nil {
		item = NewNull()
	}
	v.items = append(v.items, item)
}

// SetIndex replaces item i. Writing past the end pads the gap with nulls.
func (v *Value) SetIndex(i int, item *Value) bool {
	if v.kind != Array || i < 0 {
		return false
	}
	if item == nil {
		item = NewNull()
	}
	for len(v.items) <= i {
		v.items = append(v.items, NewNull())
	}
	v.items[i] = item
	return true
}

// RemoveIndex splices item i out, shifting later items down.
func (v *Value) RemoveIndex(i int) bool {
	if v.kind != Array || i < 0 || i >= len(v.items) {
		return false
	}
	v.items = append(v.items[:i:i], v.items[i+1:]...)
	return true
}

func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{kind: v.kind, b: v.b, s: v.s}
	switch v.kind {
	case Array:
		c.items = make([]*Value, len(v.items))
		for i, item := range v.items {
			c.items[i] = item.Clone()
		}
	case Object:
		c.keys = append([]string(nil), v.keys...)
		c.fields = make(map[string]*Value, len(v.fields))
		for k, f := range v.fields {
			c.fields[k] = f.Clone()
		}
	}
	return c
}

// Equal reports semantic equality: member order is ignored and numbers are
// compared by value, so `1` equals `1.0`. Two nils are equal.
func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Null:
		return true
	case Bool:
		return a.b == b.b
	case String:
		return a.s == b.s
	case Number:
		if a.s == b.s {
			return true
		}
		fa, okA := a.Float()
		fb, okB := b.Float()
		return okA && okB && fa == fb
	case Array:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.keys) != len(b.keys) {
			return false
		}
		for k, fa := range a.fields {
			fb, ok := b.fields[k]
			if !ok || !Equal(fa, fb) {
				return false
			}
		}
		return true
	}
	return false
}

// IsEmptyContainer reports an array or object with no entries.
func IsEmptyContainer(v *Value) bool {
	return v != nil && v.IsContainer() && v.Len() == 0
}
