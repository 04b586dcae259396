package jsonv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ParseError reports text that is not a single valid JSON document.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errEmptyDocument = errors.New("empty document")

func Parse(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		if err == io.EOF {
			err = errEmptyDocument
		}
		return nil, parseError(dec, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			err = errors.New("unexpected data after top-level value")
		}
		return nil, parseError(dec, err)
	}
	return v, nil
}

func ParseString(text string) (*Value, error) {
	return Parse([]byte(text))
}

func parseError(dec *json.Decoder, err error) *ParseError {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return &ParseError{Offset: syntax.Offset, Err: err}
	}
	if err == io.ErrUnexpectedEOF {
		err = errors.New("unexpected end of input")
	}
	return &ParseError{Offset: dec.InputOffset(), Err: err}
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, noEOF(err)
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key must be a string, got %v", kt)
				}
				member, err := decodeValue(dec)
				if err != nil {
					return nil, noEOF(err)
				}
				obj.SetField(key, member)
			}
			if _, err := dec.Token(); err != nil {
				return nil, noEOF(err)
			}
			return obj, nil
		case '[':
			arr := NewArray()
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, noEOF(err)
				}
				arr.Append(item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, noEOF(err)
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %q", rune(t))
	case string:
		return NewString(t), nil
	case json.Number:
		return NewNumber(string(t)), nil
	case bool:
		return NewBool(t), nil
	case nil:
		return NewNull(), nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// MarshalJSON writes the compact form, keeping member order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCompact(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// Compact returns the compact text of v; nil encodes as null.
func Compact(v *Value) []byte {
	var buf bytes.Buffer
	writeCompact(&buf, v)
	return buf.Bytes()
}

// Format renders v with the given indent unit ("  ", "\t", ...).
// An empty indent yields the compact form.
func Format(v *Value, indent string) []byte {
	compact := Compact(v)
	if indent == "" {
		return compact
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", indent); err != nil {
		return compact
	}
	return out.Bytes()
}

func writeCompact(buf *bytes.Buffer, v *Value) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(v.s)
	case String:
		writeString(buf, v.s)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCompact(buf, item)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeCompact(buf, v.fields[k])
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown kind %d", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}

// DetectIndent guesses the indent unit of formatted JSON text and whether it
// ends with a newline. Unindented text reports the fallback.
func DetectIndent(text string, fallback string) (indent string, trailingNewline bool) {
	trailingNewline = strings.HasSuffix(text, "\n")
	indent = fallback
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || len(trimmed) == len(line) {
			continue
		}
		lead := line[:len(line)-len(trimmed)]
		if strings.HasPrefix(lead, "\t") {
			return "\t", trailingNewline
		}
		return lead, trailingNewline
	}
	return indent, trailingNewline
}

// FromAny converts a value produced by encoding/json (or built by hand from
// maps, slices and scalars) into a Value. Map members are sorted by key.
func FromAny(x any) (*Value, error) {
	switch t := x.(type) {
	case nil:
		return NewNull(), nil
	case *Value:
		return t.Clone(), nil
	case bool:
		return NewBool(t), nil
	case string:
		return NewString(t), nil
	case json.Number:
		return NewNumber(string(t)), nil
	case float64:
		return NewFloat(t), nil
	case float32:
		return NewFloat(float64(t)), nil
	case int:
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case int32:
		return NewInt(int64(t)), nil
	case []any:
		arr := NewArray()
		for i, item := range t {
			iv, err := FromAny(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			arr.Append(iv)
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			fv, err := FromAny(t[k])
			if err != nil {
				return nil, fmt.Errorf("member %q: %w", k, err)
			}
			obj.SetField(k, fv)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unsupported type %T", x)
}

// Any converts v into plain Go values: map[string]any, []any, float64,
// string, bool and nil.
func (v *Value) Any() any {
	if v == nil {
		return nil
	}
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		f, _ := v.Float()
		return f
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Any()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.fields[k].Any()
		}
		return out
	}
	return nil
}
