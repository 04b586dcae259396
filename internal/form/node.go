package form

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

// Node is a rendered field bound to a concrete pointer. Template pointers
// from the schema are instantiated as the tree is built: array items get
// their index and map entries get their key.
type Node struct {
	Field   *schema.Field
	Pointer pointer.Pointer
	Parent  *Node

	Control  *Control // scalar fields
	Children []*Node  // object
	Items    []*Node  // array
	Entries  []*Entry // object-map
	Variants []*Node  // union; all variants share the union's pointer
	Selected int
}

func (n *Node) Type() schema.FieldType { return n.Field.Type }

// Entry is one member of an object-map. Its Key is what the user typed and
// may be invalid or duplicated until fixed.
type Entry struct {
	Key  string
	Node *Node
}

// Control is an editable scalar input.
type Control struct {
	ID      string
	Pointer pointer.Pointer
	Type    schema.FieldType
	Field   *schema.Field

	// Value is the last valid value, nil when unset.
	Value *jsonv.Value
	// Text is what the input shows.
	Text    string
	Invalid bool
	Reason  string

	node *Node
}

func (s *State) build(f *schema.Field, at pointer.Pointer, parent *Node, src *jsonv.Value, fresh bool) *Node {
	n := &Node{Field: f, Pointer: at, Parent: parent}
	cur, _ := pointer.Get(src, at)

	switch f.Type {
	case schema.TypeObject:
		for _, cf := range f.Fields {
			childAt := pointer.Resolve(pointer.Parse(cf.Pointer), at)
			n.Children = append(n.Children, s.build(cf, childAt, n, src, fresh))
		}
	case schema.TypeArray:
		if cur != nil && cur.Kind() == jsonv.Array && f.Item != nil {
			for i := 0; i < cur.Len(); i++ {
				n.Items = append(n.Items, s.build(f.Item, itemPointer(n, pointer.Index(i)), n, src, fresh))
			}
		}
	case schema.TypeObjectMap:
		if cur != nil && cur.Kind() == jsonv.Object && f.Item != nil {
			for _, k := range cur.Keys() {
				n.Entries = append(n.Entries, &Entry{Key: k, Node: s.build(f.Item, itemPointer(n, pointer.Key(k)), n, src, fresh)})
			}
		}
	case schema.TypeUnion:
		for _, vf := range f.Variants {
			n.Variants = append(n.Variants, s.build(vf, at, n, src, fresh))
		}
		n.Selected = s.pickVariant(n, cur)
	default:
		n.Control = s.newControl(f, at, cur, fresh)
		n.Control.node = n
	}
	return n
}

// itemPointer places the item template of collection n at seg.
func itemPointer(n *Node, seg pointer.Segment) pointer.Pointer {
	p := pointer.Instantiate(pointer.Parse(n.Field.Item.Pointer), n.Pointer, seg)
	if len(p) != len(n.Pointer)+1 || p[len(p)-1].Raw != seg.Raw {
		return n.Pointer.Append(seg)
	}
	return p
}

func (s *State) newControl(f *schema.Field, at pointer.Pointer, cur *jsonv.Value, fresh bool) *Control {
	s.seq++
	c := &Control{
		ID:      "c" + strconv.Itoa(s.seq),
		Pointer: at,
		Type:    f.Type,
		Field:   f,
	}
	if cur == nil && fresh && len(f.Default) > 0 {
		if def, err := jsonv.Parse(f.Default); err == nil {
			cur = def
		}
	}
	if cur != nil && compatible(f, cur) {
		c.Value = cur.Clone()
		c.Text = textOf(cur)
	}
	return c
}

// compatible reports whether v can be shown by a control for f.
func compatible(f *schema.Field, v *jsonv.Value) bool {
	switch f.Type {
	case schema.TypeBoolean:
		return v.Kind() == jsonv.Bool
	case schema.TypeNumber:
		return v.Kind() == jsonv.Number
	case schema.TypeInteger:
		if v.Kind() != jsonv.Number {
			return false
		}
		_, err := strconv.ParseInt(v.Literal(), 10, 64)
		return err == nil
	case schema.TypeEnum:
		return enumIndex(f, v) >= 0
	case schema.TypeString:
		// Schema-less forms edit nulls and other scalars as text too.
		return !v.IsContainer()
	}
	return false
}

func enumIndex(f *schema.Field, v *jsonv.Value) int {
	for i, raw := range f.Enum {
		opt, err := jsonv.Parse(raw)
		if err == nil && jsonv.Equal(opt, v) {
			return i
		}
	}
	return -1
}

func textOf(v *jsonv.Value) string {
	if v == nil {
		return ""
	}
	switch v.Kind() {
	case jsonv.String:
		return v.Str()
	case jsonv.Number:
		return v.Literal()
	case jsonv.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return string(jsonv.Compact(v))
	}
}

// pickVariant keeps an explicit earlier selection while it still fits the
// document, otherwise chooses the variant that matches cur best.
func (s *State) pickVariant(n *Node, cur *jsonv.Value) int {
	if len(n.Variants) == 0 {
		return 0
	}
	if sel, ok := s.selections[n.Pointer.String()]; ok && sel < len(n.Variants) {
		if cur == nil || variantScore(n.Variants[sel].Field, cur) > 0 {
			return sel
		}
	}
	best, bestScore := 0, 0
	for i, v := range n.Variants {
		if score := variantScore(v.Field, cur); score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func variantScore(f *schema.Field, v *jsonv.Value) int {
	if v == nil {
		return 0
	}
	switch f.Type {
	case schema.TypeObject:
		if v.Kind() != jsonv.Object {
			return 0
		}
		score := 1
		for _, cf := range f.Fields {
			last, ok := pointer.Parse(cf.Pointer).Last()
			if !ok {
				continue
			}
			if _, has := v.Field(last.Raw); has {
				score++
			}
		}
		return score
	case schema.TypeObjectMap:
		if v.Kind() == jsonv.Object {
			return 1
		}
	case schema.TypeArray:
		if v.Kind() == jsonv.Array {
			return 1
		}
	case schema.TypeUnion:
		for _, vf := range f.Variants {
			if variantScore(vf, v) > 0 {
				return 1
			}
		}
	case schema.TypeEnum:
		if compatible(f, v) {
			return 2
		}
	case schema.TypeString:
		if v.Kind() == jsonv.String {
			return 1
		}
	default:
		if compatible(f, v) {
			return 1
		}
	}
	return 0
}

// walk visits n and its active descendants in document order. Inactive
// union variants are skipped.
func walk(n *Node, visit func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !visit(n) {
		return false
	}
	switch n.Field.Type {
	case schema.TypeObject:
		for _, c := range n.Children {
			if !walk(c, visit) {
				return false
			}
		}
	case schema.TypeArray:
		for _, it := range n.Items {
			if !walk(it, visit) {
				return false
			}
		}
	case schema.TypeObjectMap:
		for _, e := range n.Entries {
			if !walk(e.Node, visit) {
				return false
			}
		}
	case schema.TypeUnion:
		if len(n.Variants) > 0 {
			return walk(n.Variants[n.Selected], visit)
		}
	}
	return true
}

// walkAll visits every node including inactive variants.
func walkAll(n *Node, visit func(*Node)) {
	visit(n)
	for _, c := range n.Children {
		walkAll(c, visit)
	}
	for _, it := range n.Items {
		walkAll(it, visit)
	}
	for _, e := range n.Entries {
		walkAll(e.Node, visit)
	}
	for _, v := range n.Variants {
		walkAll(v, visit)
	}
}

// rebase moves a subtree to a new location after re-indexing or a key
// rename.
func rebase(n *Node, from, to pointer.Pointer) {
	walkAll(n, func(x *Node) {
		x.Pointer, _ = x.Pointer.Rebase(from, to)
		if x.Control != nil {
			x.Control.Pointer = x.Pointer
		}
	})
}

// attached reports whether n is still part of the rendered tree and not
// inside an inactive union variant.
func attached(root, n *Node) bool {
	for cur := n; cur != root; cur = cur.Parent {
		p := cur.Parent
		if p == nil {
			return false
		}
		if !contains(p, cur) {
			return false
		}
	}
	return true
}

func contains(p, child *Node) bool {
	switch p.Field.Type {
	case schema.TypeObject:
		for _, c := range p.Children {
			if c == child {
				return true
			}
		}
	case schema.TypeArray:
		for _, c := range p.Items {
			if c == child {
				return true
			}
		}
	case schema.TypeObjectMap:
		for _, e := range p.Entries {
			if e.Node == child {
				return true
			}
		}
	case schema.TypeUnion:
		return len(p.Variants) > 0 && p.Variants[p.Selected] == child
	}
	return false
}

// entryOf returns the map entry whose node is n.
func entryOf(n *Node) *Entry {
	if n.Parent == nil || n.Parent.Field.Type != schema.TypeObjectMap {
		return nil
	}
	for _, e := range n.Parent.Entries {
		if e.Node == n {
			return e
		}
	}
	return nil
}

type invalidError struct {
	Pointer string
	Reason  string
}

func (e *invalidError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pointer, e.Reason)
}

func parseRaw(raw json.RawMessage) (*jsonv.Value, error) {
	return jsonv.Parse(raw)
}
