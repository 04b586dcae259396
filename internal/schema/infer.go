package schema

import (
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
)

// InferForm derives form metadata from a document that has no schema bound:
// objects become field groups, arrays take their item shape from the first
// item, and scalars keep their JSON type. Nulls are edited as strings.
func InferForm(doc *jsonv.Value) *Form {
	return &Form{Root: inferField(doc, pointer.Root)}
}

func inferField(v *jsonv.Value, at pointer.Pointer) *Field {
	f := &Field{Pointer: at.String()}
	if v == nil {
		f.Type = TypeString
		return f
	}
	switch v.Kind() {
	case jsonv.Bool:
		f.Type = TypeBoolean
	case jsonv.Number:
		f.Type = TypeNumber
	case jsonv.Object:
		f.Type = TypeObject
		for _, k := range v.Keys() {
			member, _ := v.Field(k)
			f.Fields = append(f.Fields, inferField(member, at.Append(pointer.Key(k))))
		}
	case jsonv.Array:
		f.Type = TypeArray
		f.Item = inferField(v.Index(0), at.Append(pointer.Key(pointer.IndexPlaceholder)))
	default:
		f.Type = TypeString
	}
	return f
}
