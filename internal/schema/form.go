// Package schema describes the form metadata the reconciliation engine
// consumes and the collaborators that produce it: a Retriever that fetches
// and searches schema documents, and a Compiler that turns a schema into
// pointer-bearing field metadata.
package schema

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/protocol"
)

var ErrNotFound = errors.New("schema not found")

type FieldType string

const (
	TypeBoolean   FieldType = "boolean"
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeEnum      FieldType = "enum"
	TypeArray     FieldType = "array"
	TypeObjectMap FieldType = "object-map"

	// Structural kinds: an object groups named fields, a union holds
	// mutually exclusive variants at one pointer.
	TypeObject FieldType = "object"
	TypeUnion  FieldType = "union"
)

func (t FieldType) IsScalar() bool {
	switch t {
	case TypeBoolean, TypeString, TypeNumber, TypeInteger, TypeEnum:
		return true
	}
	return false
}

func (t FieldType) IsCollection() bool {
	return t == TypeArray || t == TypeObjectMap
}

// Field is one addressable location in the form. Pointers inside array and
// map item templates carry the __INDEX__ / __KEY__ placeholders.
type Field struct {
	Pointer     string            `json:"pointer"`
	Type        FieldType         `json:"type"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Pattern     string            `json:"pattern,omitempty"`
	Minimum     *float64          `json:"minimum,omitempty"`
	Maximum     *float64          `json:"maximum,omitempty"`
	Enum        []json.RawMessage `json:"enum,omitempty"`
	Default     json.RawMessage   `json:"default,omitempty"`

	// object
	Fields []*Field `json:"fields,omitempty"`
	// array and object-map item template
	Item       *Field `json:"item,omitempty"`
	KeyPattern string `json:"keyPattern,omitempty"`
	// union
	Variants []*Field `json:"variants,omitempty"`
}

// Form is the compiled markup: a root field (normally an object at "").
type Form struct {
	SchemaURL string `json:"schemaUrl,omitempty"`
	Title     string `json:"title,omitempty"`
	Root      *Field `json:"root"`
}

func (f *Form) Markup() ([]byte, error) {
	return json.Marshal(f)
}

func ParseMarkup(data []byte) (*Form, error) {
	var f Form
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Root == nil {
		return nil, errors.New("form markup has no root field")
	}
	return &f, nil
}

// Retriever fetches schema documents and searches a schema catalog.
type Retriever interface {
	GetSchema(ctx context.Context, url string) (*jsonv.Value, error)
	SearchSchemas(ctx context.Context, query string) ([]protocol.SchemaInfo, error)
}

// Compiler turns a schema into form metadata.
type Compiler interface {
	GenerateForm(schema *jsonv.Value) (*Form, error)
}
