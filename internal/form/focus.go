package form

import (
	"unicode/utf8"

	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

// Focus identifies the input the user is typing in. Inside a map entry it
// is anchored to the entry key rather than the pointer, so it survives a
// re-render that reorders or re-keys the map.
type Focus struct {
	Pointer    string
	MapPointer string
	MapKey     string
	// Rel is the focused location relative to the map entry.
	Rel string
	// OnKey is set when the key input of the entry has focus.
	OnKey bool

	SelectionStart int
	SelectionEnd   int
}

// CaptureFocus records the focus at ptr before a re-render. With onKey, ptr
// addresses a map entry and the focus is on its key input.
func (s *State) CaptureFocus(ptr string, onKey bool, start, end int) *Focus {
	f := &Focus{Pointer: ptr, OnKey: onKey, SelectionStart: start, SelectionEnd: end}
	p := pointer.Parse(ptr)

	var node *Node
	walk(s.root, func(n *Node) bool {
		if !n.Pointer.Equal(p) {
			return true
		}
		if onKey && entryOf(n) == nil {
			return true
		}
		if !onKey && n.Control == nil {
			return true
		}
		node = n
		return false
	})
	if node == nil {
		return f
	}

	// innermost enclosing map entry
	for n := node; n != nil; n = n.Parent {
		if e := entryOf(n); e != nil {
			f.MapPointer = n.Parent.Pointer.String()
			f.MapKey = e.Key
			f.Rel = node.Pointer[len(n.Pointer):].String()
			break
		}
	}
	return f
}

// RestoreFocus resolves a captured focus against the current render. The
// selection is clamped to the new text. ok is false when the focused input
// no longer exists.
func (s *State) RestoreFocus(f *Focus) (*Focus, bool) {
	if f == nil {
		return nil, false
	}
	out := *f
	target := pointer.Parse(f.Pointer)

	if f.MapPointer != "" || f.MapKey != "" {
		m := s.findNode(pointer.Parse(f.MapPointer), schema.TypeObjectMap)
		if m == nil {
			return nil, false
		}
		i := entryIndex(m, f.MapKey)
		if i < 0 {
			return nil, false
		}
		e := m.Entries[i]
		if f.OnKey {
			out.Pointer = e.Node.Pointer.String()
			out.SelectionStart, out.SelectionEnd = clamp(f.SelectionStart, e.Key), clamp(f.SelectionEnd, e.Key)
			return &out, true
		}
		target = e.Node.Pointer.Append(pointer.Parse(f.Rel)...)
	} else if f.OnKey {
		return nil, false
	}

	c := s.activeControl(target)
	if c == nil {
		return nil, false
	}
	out.Pointer = c.Pointer.String()
	out.SelectionStart, out.SelectionEnd = clamp(f.SelectionStart, c.Text), clamp(f.SelectionEnd, c.Text)
	return &out, true
}

func clamp(offset int, text string) int {
	n := utf8.RuneCountInString(text)
	switch {
	case offset < 0:
		return 0
	case offset > n:
		return n
	}
	return offset
}
