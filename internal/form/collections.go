package form

import (
	"fmt"
	"strconv"

	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

func (s *State) arrayNode(ptr string) (*Node, error) {
	n := s.findNode(pointer.Parse(ptr), schema.TypeArray)
	if n == nil {
		return nil, fmt.Errorf("%w: array %s", ErrNoCollection, ptr)
	}
	return n, nil
}

func (s *State) mapNode(ptr string) (*Node, error) {
	n := s.findNode(pointer.Parse(ptr), schema.TypeObjectMap)
	if n == nil {
		return nil, fmt.Errorf("%w: map %s", ErrNoCollection, ptr)
	}
	return n, nil
}

// AddItem appends a fresh item to the array at ptr and returns its pointer.
func (s *State) AddItem(ptr string) (pointer.Pointer, error) {
	n, err := s.arrayNode(ptr)
	if err != nil {
		return nil, err
	}
	if n.Field.Item == nil {
		return nil, fmt.Errorf("array %s has no item template", ptr)
	}
	item := s.build(n.Field.Item, itemPointer(n, pointer.Index(len(n.Items))), n, nil, true)
	n.Items = append(n.Items, item)
	s.markCollection(n)
	return item.Pointer, nil
}

// RemoveItem splices item i out of the array at ptr. Later items move down
// one index and their controls are rebound to the new pointers.
func (s *State) RemoveItem(ptr string, i int) error {
	n, err := s.arrayNode(ptr)
	if err != nil {
		return err
	}
	if i < 0 || i >= len(n.Items) {
		return fmt.Errorf("%w: item %d of %d", ErrOutOfRange, i, len(n.Items))
	}
	n.Items = append(n.Items[:i:i], n.Items[i+1:]...)
	s.reindex(n)
	s.markCollection(n)
	return nil
}

// MoveItem moves item from to position to.
func (s *State) MoveItem(ptr string, from, to int) error {
	n, err := s.arrayNode(ptr)
	if err != nil {
		return err
	}
	if from < 0 || from >= len(n.Items) || to < 0 || to >= len(n.Items) {
		return fmt.Errorf("%w: move %d to %d of %d", ErrOutOfRange, from, to, len(n.Items))
	}
	if from == to {
		return nil
	}
	item := n.Items[from]
	rest := append(n.Items[:from:from], n.Items[from+1:]...)
	n.Items = append(rest[:to:to], append([]*Node{item}, rest[to:]...)...)
	s.reindex(n)
	s.markCollection(n)
	return nil
}

func (s *State) reindex(n *Node) {
	for i, it := range n.Items {
		want := n.Pointer.ChildIndex(i)
		if !it.Pointer.Equal(want) {
			rebase(it, it.Pointer, want)
		}
	}
}

// AddEntry adds a member to the map at ptr. An empty key is replaced by a
// generated one that is not yet taken.
func (s *State) AddEntry(ptr, key string) (*Entry, error) {
	n, err := s.mapNode(ptr)
	if err != nil {
		return nil, err
	}
	if n.Field.Item == nil {
		return nil, fmt.Errorf("map %s has no item template", ptr)
	}
	if key == "" {
		key = freeKey(n)
	}
	e := &Entry{Key: key}
	e.Node = s.build(n.Field.Item, itemPointer(n, pointer.Key(key)), n, nil, true)
	n.Entries = append(n.Entries, e)
	s.markCollection(n)
	return e, nil
}

func freeKey(n *Node) string {
	taken := map[string]bool{}
	for _, e := range n.Entries {
		taken[e.Key] = true
	}
	key := "newKey"
	for i := 1; taken[key]; i++ {
		key = "newKey" + strconv.Itoa(i)
	}
	return key
}

// RemoveEntry removes the first member named key.
func (s *State) RemoveEntry(ptr, key string) error {
	n, err := s.mapNode(ptr)
	if err != nil {
		return err
	}
	i := entryIndex(n, key)
	if i < 0 {
		return fmt.Errorf("%w: %q in %s", ErrNoEntry, key, ptr)
	}
	n.Entries = append(n.Entries[:i:i], n.Entries[i+1:]...)
	s.markCollection(n)
	return nil
}

// RenameKey renames the first member named oldKey. The new key is not
// checked here; an invalid or duplicate key withholds the whole map when the
// document is rebuilt.
func (s *State) RenameKey(ptr, oldKey, newKey string) (*Entry, error) {
	n, err := s.mapNode(ptr)
	if err != nil {
		return nil, err
	}
	i := entryIndex(n, oldKey)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q in %s", ErrNoEntry, oldKey, ptr)
	}
	return s.renameAt(n, i, newKey), nil
}

// RenameKeyAt renames the i-th member, which is unambiguous while keys are
// duplicated.
func (s *State) RenameKeyAt(ptr string, i int, newKey string) (*Entry, error) {
	n, err := s.mapNode(ptr)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(n.Entries) {
		return nil, fmt.Errorf("%w: entry %d of %d", ErrOutOfRange, i, len(n.Entries))
	}
	return s.renameAt(n, i, newKey), nil
}

func (s *State) renameAt(n *Node, i int, newKey string) *Entry {
	e := n.Entries[i]
	if e.Key != newKey {
		rebase(e.Node, e.Node.Pointer, n.Pointer.Child(newKey))
		e.Key = newKey
	}
	s.markCollection(n)
	return e
}

func entryIndex(n *Node, key string) int {
	for i, e := range n.Entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// SelectVariant switches the union at ptr. The union's subtree is then
// recomputed as a whole, so members of the previous variant do not linger.
func (s *State) SelectVariant(ptr string, i int) error {
	n := s.findNode(pointer.Parse(ptr), schema.TypeUnion)
	if n == nil {
		return fmt.Errorf("%w: union %s", ErrNoCollection, ptr)
	}
	if i < 0 || i >= len(n.Variants) {
		return fmt.Errorf("%w: variant %d of %d", ErrOutOfRange, i, len(n.Variants))
	}
	s.selections[n.Pointer.String()] = i
	if n.Selected == i {
		return nil
	}
	n.Selected = i
	s.markCollection(n)
	return nil
}

// validateKeys checks map keys: present, matching the key pattern, unique.
func (s *State) validateKeys(n *Node) error {
	seen := map[string]bool{}
	for _, e := range n.Entries {
		p := n.Pointer.Child(e.Key).String()
		switch {
		case e.Key == "":
			return &invalidError{Pointer: p, Reason: "empty key"}
		case seen[e.Key]:
			return &invalidError{Pointer: p, Reason: fmt.Sprintf("duplicate key %q", e.Key)}
		}
		if re := s.pattern(n.Field.KeyPattern); re != nil && !re.MatchString(e.Key) {
			return &invalidError{Pointer: p, Reason: fmt.Sprintf("key %q does not match %s", e.Key, n.Field.KeyPattern)}
		}
		seen[e.Key] = true
	}
	return nil
}

// KeyError reports why the map at ptr would be withheld, or nil.
func (s *State) KeyError(ptr string) error {
	n, err := s.mapNode(ptr)
	if err != nil {
		return err
	}
	return s.validateKeys(n)
}
