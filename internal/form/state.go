// Package form holds the replica's rendered editing state: a tree of
// controls bound to JSON pointers, the dirty tracker recording what the user
// changed since the last agreed snapshot, and the rebuild that overlays those
// changes onto the base document.
package form

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

var (
	ErrNoControl    = errors.New("no control at pointer")
	ErrNoCollection = errors.New("no collection at pointer")
	ErrOutOfRange   = errors.New("index out of range")
	ErrNoEntry      = errors.New("no entry with key")
)

type State struct {
	form  *schema.Form
	base  *jsonv.Value
	root  *Node
	dirty *Tracker

	// union choices survive a re-render while they still fit the document
	selections map[string]int
	patterns   map[string]*regexp.Regexp
	seq        int
}

func NewState() *State {
	return &State{
		dirty:      NewTracker(),
		selections: map[string]int{},
		patterns:   map[string]*regexp.Regexp{},
	}
}

// Load replaces the form and the base document, re-renders every control
// and clears the dirty sets. A nil form is inferred from the document.
func (s *State) Load(form *schema.Form, base *jsonv.Value) {
	if form == nil {
		form = schema.InferForm(base)
	}
	s.form = form
	s.selections = map[string]int{}
	s.Reset(base)
}

// Reset keeps the current form and re-renders against a new base.
func (s *State) Reset(base *jsonv.Value) {
	if s.form == nil {
		s.form = schema.InferForm(base)
	}
	s.base = base.Clone()
	s.dirty.Clear()
	s.root = s.build(s.form.Root, pointer.Root, nil, s.base, false)
}

// ResetKeepEdits re-renders against a new base like Reset, but dirty edits
// survive: dirty collections are rendered from their current content and
// dirty leaves keep their input. A collection holding invalid input, or an
// edit whose control is gone, falls back to the new base.
func (s *State) ResetKeepEdits(base *jsonv.Value) {
	type leaf struct {
		p       pointer.Pointer
		value   *jsonv.Value
		text    string
		invalid bool
		reason  string
	}
	var leaves []leaf
	for _, p := range s.dirty.Leaves() {
		if s.dirty.Shadowed(p) {
			continue
		}
		if c := s.activeControl(p); c != nil {
			leaves = append(leaves, leaf{p, c.Value.Clone(), c.Text, c.Invalid, c.Reason})
		}
	}

	src := base.Clone()
	var colls []pointer.Pointer
	for _, p := range s.dirty.Collections() {
		if s.dirty.CollectionShadowed(p) {
			continue
		}
		n := s.collectionNode(p)
		if n == nil {
			continue
		}
		v, err := s.nodeValue(n)
		if err != nil {
			continue
		}
		if v == nil {
			if !p.IsRoot() {
				pointer.Delete(src, p)
			}
		} else {
			next, err := pointer.Set(src, p, v)
			if err != nil {
				continue
			}
			src = next
		}
		colls = append(colls, p)
	}

	if s.form == nil {
		s.form = schema.InferForm(base)
	}
	s.base = base.Clone()
	s.dirty.Clear()
	s.root = s.build(s.form.Root, pointer.Root, nil, src, false)

	for _, p := range colls {
		if n := s.collectionNode(p); n != nil {
			s.markCollection(n)
		}
	}
	for _, l := range leaves {
		c := s.activeControl(l.p)
		if c == nil {
			continue
		}
		c.Value, c.Text, c.Invalid, c.Reason = l.value, l.text, l.invalid, l.reason
		s.markDirty(c)
	}
}

func (s *State) Form() *schema.Form { return s.form }

func (s *State) Root() *Node { return s.root }

// Base returns a copy of the last agreed document.
func (s *State) Base() *jsonv.Value { return s.base.Clone() }

func (s *State) Dirty() *Tracker { return s.dirty }

// Advance adopts doc as the new base without re-rendering. With clear set
// the dirty sets are emptied; otherwise entries that now agree with the base
// are dropped and the rest are kept for the next send.
func (s *State) Advance(doc *jsonv.Value, clear bool) {
	s.base = doc.Clone()
	if clear {
		s.dirty.Clear()
		return
	}
	for _, p := range s.dirty.Leaves() {
		c := s.activeControl(p)
		if c == nil {
			s.dirty.ClearLeaf(p)
			continue
		}
		cur, _ := pointer.Get(s.base, p)
		if !c.Invalid && jsonv.Equal(c.Value, cur) {
			s.dirty.ClearLeaf(p)
		}
	}
	for _, p := range s.dirty.Collections() {
		n := s.collectionNode(p)
		if n == nil {
			s.dirty.ClearCollection(p)
			continue
		}
		v, err := s.nodeValue(n)
		cur, _ := pointer.Get(s.base, p)
		if err == nil && jsonv.Equal(v, cur) {
			s.dirty.ClearCollection(p)
		}
	}
}

// Controls lists the active controls in document order.
func (s *State) Controls() []*Control {
	var out []*Control
	walk(s.root, func(n *Node) bool {
		if n.Control != nil {
			out = append(out, n.Control)
		}
		return true
	})
	return out
}

// Control finds the active control at ptr.
func (s *State) Control(ptr string) *Control {
	return s.activeControl(pointer.Parse(ptr))
}

func (s *State) activeControl(p pointer.Pointer) *Control {
	var found *Control
	walk(s.root, func(n *Node) bool {
		if n.Control != nil && n.Pointer.Equal(p) {
			found = n.Control
			return false
		}
		return true
	})
	return found
}

func (s *State) findNode(p pointer.Pointer, t schema.FieldType) *Node {
	var found *Node
	walk(s.root, func(n *Node) bool {
		if n.Field.Type == t && n.Pointer.Equal(p) {
			found = n
			return false
		}
		return true
	})
	return found
}

// collectionNode finds the outermost array, map or union rendered at p.
func (s *State) collectionNode(p pointer.Pointer) *Node {
	var found *Node
	walk(s.root, func(n *Node) bool {
		t := n.Field.Type
		if (t.IsCollection() || t == schema.TypeUnion) && n.Pointer.Equal(p) {
			found = n
			return false
		}
		return true
	})
	return found
}

// markDirty records an edit of c. Inside a collection the outermost
// collection is marked; otherwise the leaf is marked unless its value went
// back to what the base holds.
func (s *State) markDirty(c *Control) {
	if !attached(s.root, c.node) {
		return
	}
	if coll := outermostCollection(c.node); coll != nil {
		s.dirty.MarkCollection(coll.Pointer)
		return
	}
	base, _ := pointer.Get(s.base, c.Pointer)
	if !c.Invalid && jsonv.Equal(c.Value, base) {
		s.dirty.ClearLeaf(c.Pointer)
		return
	}
	s.dirty.MarkLeaf(c.Pointer)
}

// markCollection marks n, or its outermost collection ancestor.
func (s *State) markCollection(n *Node) {
	target := n
	if outer := outermostCollection(n); outer != nil {
		target = outer
	}
	s.dirty.MarkCollection(target.Pointer)
}

func outermostCollection(n *Node) *Node {
	var outer *Node
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Field.Type.IsCollection() {
			outer = p
		}
	}
	return outer
}

// SetText applies user input to the control at ptr, validating it against
// the field. Invalid input is kept as text and flagged on the control.
func (s *State) SetText(ptr, text string) (*Control, error) {
	c := s.Control(ptr)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoControl, ptr)
	}
	s.applyText(c, text)
	s.markDirty(c)
	return c, nil
}

func (s *State) SetBool(ptr string, b bool) (*Control, error) {
	return s.SetText(ptr, strconv.FormatBool(b))
}

// SetEnum selects the i-th enum option; a negative index clears the value.
func (s *State) SetEnum(ptr string, i int) (*Control, error) {
	c := s.Control(ptr)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoControl, ptr)
	}
	if i >= len(c.Field.Enum) {
		return nil, fmt.Errorf("%w: option %d of %d", ErrOutOfRange, i, len(c.Field.Enum))
	}
	c.Invalid, c.Reason = false, ""
	if i < 0 {
		c.Value, c.Text = nil, ""
	} else {
		v, err := parseRaw(c.Field.Enum[i])
		if err != nil {
			return nil, err
		}
		c.Value, c.Text = v, textOf(v)
	}
	s.markDirty(c)
	return c, nil
}

// SetValue stores v as-is in the control at ptr.
func (s *State) SetValue(ptr string, v *jsonv.Value) (*Control, error) {
	c := s.Control(ptr)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoControl, ptr)
	}
	if v != nil && !compatible(c.Field, v) {
		return nil, fmt.Errorf("%s: %s value does not fit a %s field", ptr, v.Kind(), c.Type)
	}
	c.Invalid, c.Reason = false, ""
	c.Value, c.Text = v.Clone(), textOf(v)
	s.markDirty(c)
	return c, nil
}

// Unset clears the control so the member is removed from the document.
func (s *State) Unset(ptr string) (*Control, error) {
	return s.SetValue(ptr, nil)
}

func (s *State) applyText(c *Control, text string) {
	c.Text = text
	c.Invalid, c.Reason = false, ""
	invalid := func(reason string) {
		c.Invalid, c.Reason = true, reason
	}

	switch c.Type {
	case schema.TypeString:
		if text == "" {
			c.Value = nil
			return
		}
		if re := s.pattern(c.Field.Pattern); re != nil && !re.MatchString(text) {
			invalid("does not match " + c.Field.Pattern)
			return
		}
		c.Value = jsonv.NewString(text)

	case schema.TypeNumber, schema.TypeInteger:
		t := strings.TrimSpace(text)
		if t == "" {
			c.Value = nil
			return
		}
		var v *jsonv.Value
		var f float64
		if c.Type == schema.TypeInteger {
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				invalid("not an integer")
				return
			}
			v, f = jsonv.NewInt(i), float64(i)
		} else {
			var err error
			f, err = strconv.ParseFloat(t, 64)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				invalid("not a number")
				return
			}
			v = jsonv.NewNumber(strconv.FormatFloat(f, 'f', -1, 64))
		}
		if m := c.Field.Minimum; m != nil && f < *m {
			invalid(fmt.Sprintf("must be >= %v", *m))
			return
		}
		if m := c.Field.Maximum; m != nil && f > *m {
			invalid(fmt.Sprintf("must be <= %v", *m))
			return
		}
		c.Value = v

	case schema.TypeBoolean:
		switch text {
		case "":
			c.Value = nil
		case "true", "false":
			c.Value = jsonv.NewBool(text == "true")
		default:
			invalid("not a boolean")
		}

	case schema.TypeEnum:
		if text == "" {
			c.Value = nil
			return
		}
		if v, err := jsonv.ParseString(text); err == nil && enumIndex(c.Field, v) >= 0 {
			c.Value = v
			return
		}
		if v := jsonv.NewString(text); enumIndex(c.Field, v) >= 0 {
			c.Value = v
			return
		}
		invalid("not one of the allowed values")
	}
}

func (s *State) pattern(expr string) *regexp.Regexp {
	if expr == "" {
		return nil
	}
	if re, ok := s.patterns[expr]; ok {
		return re
	}
	// An uncompilable pattern accepts everything.
	re, _ := regexp.Compile(expr)
	s.patterns[expr] = re
	return re
}
