package form

import (
	"sort"

	"github.com/jqknono/general-settings-ui/internal/pointer"
)

// Tracker records what the user changed since the last agreed snapshot:
// leaf pointers whose scalar value differs, and collection roots (arrays,
// maps, switched unions) whose membership changed. A dirty collection
// subsumes every leaf beneath it.
type Tracker struct {
	leaves      map[string]pointer.Pointer
	collections map[string]pointer.Pointer
}

func NewTracker() *Tracker {
	return &Tracker{
		leaves:      map[string]pointer.Pointer{},
		collections: map[string]pointer.Pointer{},
	}
}

func (t *Tracker) MarkLeaf(p pointer.Pointer) { t.leaves[p.String()] = p.Clone() }

func (t *Tracker) ClearLeaf(p pointer.Pointer) { delete(t.leaves, p.String()) }

func (t *Tracker) MarkCollection(p pointer.Pointer) { t.collections[p.String()] = p.Clone() }

func (t *Tracker) ClearCollection(p pointer.Pointer) { delete(t.collections, p.String()) }

func (t *Tracker) IsLeafDirty(p pointer.Pointer) bool {
	_, ok := t.leaves[p.String()]
	return ok
}

func (t *Tracker) IsCollectionDirty(p pointer.Pointer) bool {
	_, ok := t.collections[p.String()]
	return ok
}

// Leaves returns the dirty leaf pointers sorted by their text.
func (t *Tracker) Leaves() []pointer.Pointer {
	return sorted(t.leaves)
}

// Collections returns dirty collection roots, outermost first.
func (t *Tracker) Collections() []pointer.Pointer {
	out := sorted(t.collections)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	return out
}

// Shadowed reports whether p is at or below a dirty collection root.
func (t *Tracker) Shadowed(p pointer.Pointer) bool {
	for _, c := range t.collections {
		if p.HasPrefix(c) {
			return true
		}
	}
	return false
}

// CollectionShadowed reports whether p lies strictly below another dirty
// collection root.
func (t *Tracker) CollectionShadowed(p pointer.Pointer) bool {
	for _, c := range t.collections {
		if p.IsUnder(c) {
			return true
		}
	}
	return false
}

func (t *Tracker) Counts() (leaves, collections int) {
	return len(t.leaves), len(t.collections)
}

func (t *Tracker) Empty() bool {
	return len(t.leaves) == 0 && len(t.collections) == 0
}

func (t *Tracker) Clear() {
	t.leaves = map[string]pointer.Pointer{}
	t.collections = map[string]pointer.Pointer{}
}

func sorted(m map[string]pointer.Pointer) []pointer.Pointer {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pointer.Pointer, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
