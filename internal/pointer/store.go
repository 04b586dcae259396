package pointer

import (
	"fmt"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
)

// Get returns the value at p, or false when the location is undefined.
func Get(root *jsonv.Value, p Pointer) (*jsonv.Value, bool) {
	cur := root
	for _, seg := range p {
		if cur == nil {
			return nil, false
		}
		cur = child(cur, seg)
	}
	return cur, cur != nil
}

// Set writes v at p and returns the (possibly replaced) root. Missing or
// scalar intermediates become containers: an array when the next segment is
// numeric, an object otherwise.
func Set(root *jsonv.Value, p Pointer, v *jsonv.Value) (*jsonv.Value, error) {
	if len(p) == 0 {
		return v, nil
	}
	if root == nil || !root.IsContainer() {
		root = containerFor(p[0])
	}
	cur := root
	for i, seg := range p[:len(p)-1] {
		next := child(cur, seg)
		if next == nil || !next.IsContainer() {
			next = containerFor(p[i+1])
			if err := put(cur, seg, next); err != nil {
				return root, fmt.Errorf("set %s: %w", p, err)
			}
		}
		cur = next
	}
	if err := put(cur, p[len(p)-1], v); err != nil {
		return root, fmt.Errorf("set %s: %w", p, err)
	}
	return root, nil
}

// Delete removes the location at p. Array items are spliced out so later
// indices shift down. The root itself cannot be deleted.
func Delete(root *jsonv.Value, p Pointer) bool {
	if len(p) == 0 || root == nil {
		return false
	}
	parent, ok := Get(root, p[:len(p)-1])
	if !ok {
		return false
	}
	last := p[len(p)-1]
	switch parent.Kind() {
	case jsonv.Object:
		return parent.DeleteField(last.Raw)
	case jsonv.Array:
		if !last.IsIndex {
			return false
		}
		return parent.RemoveIndex(last.Index)
	}
	return false
}

func child(cur *jsonv.Value, seg Segment) *jsonv.Value {
	switch cur.Kind() {
	case jsonv.Object:
		f, _ := cur.Field(seg.Raw)
		return f
	case jsonv.Array:
		if !seg.IsIndex {
			return nil
		}
		return cur.Index(seg.Index)
	}
	return nil
}

func put(cur *jsonv.Value, seg Segment, v *jsonv.Value) error {
	switch cur.Kind() {
	case jsonv.Object:
		cur.SetField(seg.Raw, v)
		return nil
	case jsonv.Array:
		if !seg.IsIndex {
			return fmt.Errorf("%w: member %q on an array", ErrInvalidPointer, seg.Raw)
		}
		cur.SetIndex(seg.Index, v)
		return nil
	}
	return fmt.Errorf("%w: cannot descend into %s", ErrInvalidPointer, cur.Kind())
}

func containerFor(next Segment) *jsonv.Value {
	if next.IsIndex {
		return jsonv.NewArray()
	}
	return jsonv.NewObject()
}
