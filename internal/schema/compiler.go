package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
)

const maxDepth = 32

// Generator compiles a JSON Schema document into form metadata. It covers
// the subset settings schemas use: properties, items, additionalProperties /
// patternProperties maps, enum, oneOf / anyOf unions and local $ref.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

func (g *Generator) GenerateForm(schema *jsonv.Value) (*Form, error) {
	if schema == nil || schema.Kind() != jsonv.Object {
		return nil, fmt.Errorf("schema must be an object, got %v", kindOf(schema))
	}
	c := &compileRun{root: schema}
	root, err := c.compile(schema, pointer.Root, 0)
	if err != nil {
		return nil, err
	}
	form := &Form{Root: root, Title: str(schema, "title")}
	form.SchemaURL = str(schema, "$id")
	return form, nil
}

type compileRun struct {
	root *jsonv.Value
}

func (c *compileRun) compile(node *jsonv.Value, at pointer.Pointer, depth int) (*Field, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("schema nesting deeper than %d at %s", maxDepth, at)
	}
	node, err := c.deref(node, 0)
	if err != nil {
		return nil, err
	}

	f := &Field{
		Pointer:     at.String(),
		Title:       str(node, "title"),
		Description: str(node, "description"),
	}
	if def, ok := node.Field("default"); ok {
		f.Default = json.RawMessage(jsonv.Compact(def))
	}

	for _, kw := range []string{"oneOf", "anyOf"} {
		alts, ok := node.Field(kw)
		if !ok || alts.Kind() != jsonv.Array || alts.Len() == 0 {
			continue
		}
		f.Type = TypeUnion
		for i, alt := range alts.Items() {
			vf, err := c.compile(alt, at, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s %s[%d]: %w", at, kw, i, err)
			}
			if vf.Title == "" {
				vf.Title = fmt.Sprintf("Option %d", i+1)
			}
			f.Variants = append(f.Variants, vf)
		}
		return f, nil
	}

	if enum, ok := node.Field("enum"); ok && enum.Kind() == jsonv.Array {
		f.Type = TypeEnum
		for _, e := range enum.Items() {
			f.Enum = append(f.Enum, json.RawMessage(jsonv.Compact(e)))
		}
		return f, nil
	}

	switch typeOf(node) {
	case "boolean":
		f.Type = TypeBoolean
	case "number":
		f.Type = TypeNumber
		f.Minimum, f.Maximum = num(node, "minimum"), num(node, "maximum")
	case "integer":
		f.Type = TypeInteger
		f.Minimum, f.Maximum = num(node, "minimum"), num(node, "maximum")
	case "array":
		f.Type = TypeArray
		items, ok := node.Field("items")
		if !ok || items.Kind() != jsonv.Object {
			items = jsonv.NewObject()
			items.SetField("type", jsonv.NewString("string"))
		}
		item, err := c.compile(items, at.Append(pointer.Key(pointer.IndexPlaceholder)), depth+1)
		if err != nil {
			return nil, err
		}
		f.Item = item
	case "object":
		if err := c.compileObject(f, node, at, depth); err != nil {
			return nil, err
		}
	default:
		f.Type = TypeString
		f.Pattern = str(node, "pattern")
	}
	return f, nil
}

func (c *compileRun) compileObject(f *Field, node *jsonv.Value, at pointer.Pointer, depth int) error {
	props, hasProps := node.Field("properties")
	if hasProps && props.Kind() == jsonv.Object && props.Len() > 0 {
		f.Type = TypeObject
		for _, name := range props.Keys() {
			sub, _ := props.Field(name)
			child, err := c.compile(sub, at.Append(pointer.Key(name)), depth+1)
			if err != nil {
				return err
			}
			f.Fields = append(f.Fields, child)
		}
		return nil
	}

	var itemSchema *jsonv.Value
	if pp, ok := node.Field("patternProperties"); ok && pp.Kind() == jsonv.Object && pp.Len() > 0 {
		key := pp.Keys()[0]
		itemSchema, _ = pp.Field(key)
		f.KeyPattern = key
	}
	if ap, ok := node.Field("additionalProperties"); ok && ap.Kind() == jsonv.Object && itemSchema == nil {
		itemSchema = ap
	}
	if names, ok := node.Field("propertyNames"); ok && names.Kind() == jsonv.Object {
		if p := str(names, "pattern"); p != "" {
			f.KeyPattern = p
		}
	}
	if itemSchema == nil {
		f.Type = TypeObject
		return nil
	}
	f.Type = TypeObjectMap
	item, err := c.compile(itemSchema, at.Append(pointer.Key(pointer.KeyPlaceholder)), depth+1)
	if err != nil {
		return err
	}
	f.Item = item
	return nil
}

func (c *compileRun) deref(node *jsonv.Value, hops int) (*jsonv.Value, error) {
	if node == nil || node.Kind() != jsonv.Object {
		return jsonv.NewObject(), nil
	}
	ref := str(node, "$ref")
	if ref == "" {
		return node, nil
	}
	if hops > maxDepth {
		return nil, fmt.Errorf("$ref chain too long at %q", ref)
	}
	if !strings.HasPrefix(ref, "#") {
		return nil, fmt.Errorf("unsupported non-local $ref %q", ref)
	}
	target, ok := pointer.Get(c.root, pointer.Parse(strings.TrimPrefix(ref, "#")))
	if !ok {
		return nil, fmt.Errorf("unresolved $ref %q", ref)
	}
	return c.deref(target, hops+1)
}

func typeOf(node *jsonv.Value) string {
	t, ok := node.Field("type")
	if ok {
		switch t.Kind() {
		case jsonv.String:
			return t.Str()
		case jsonv.Array:
			for _, item := range t.Items() {
				if item.Kind() == jsonv.String && item.Str() != "null" {
					return item.Str()
				}
			}
		}
	}
	if _, ok := node.Field("properties"); ok {
		return "object"
	}
	if _, ok := node.Field("additionalProperties"); ok {
		return "object"
	}
	if _, ok := node.Field("patternProperties"); ok {
		return "object"
	}
	if _, ok := node.Field("items"); ok {
		return "array"
	}
	return ""
}

func str(node *jsonv.Value, key string) string {
	v, ok := node.Field(key)
	if !ok {
		return ""
	}
	return v.Str()
}

func num(node *jsonv.Value, key string) *float64 {
	v, ok := node.Field(key)
	if !ok {
		return nil
	}
	f, ok := v.Float()
	if !ok {
		return nil
	}
	return &f
}

func kindOf(v *jsonv.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.Kind().String()
}
