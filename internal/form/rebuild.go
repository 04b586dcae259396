package form

import (
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

// Report lists what a rebuild held back.
type Report struct {
	// Skipped are invalid leaf pointers; the base value stays in place.
	Skipped []string
	// Withheld are dirty collections containing invalid input; the base
	// value of the whole collection stays in place.
	Withheld []string
	Reasons  map[string]string
}

func (r *Report) skip(p, reason string) {
	r.Skipped = append(r.Skipped, p)
	r.note(p, reason)
}

func (r *Report) withhold(p, reason string) {
	r.Withheld = append(r.Withheld, p)
	r.note(p, reason)
}

func (r *Report) note(p, reason string) {
	if r.Reasons == nil {
		r.Reasons = map[string]string{}
	}
	r.Reasons[p] = reason
}

// BuildUpdatedDocument overlays the dirty state onto a copy of the base:
// dirty leaves outside any dirty collection are written or deleted
// individually, dirty collections are recomputed whole from their controls,
// and objects emptied by deletions are pruned. The base itself is never
// modified.
func (s *State) BuildUpdatedDocument() (*jsonv.Value, Report) {
	var rep Report
	doc := s.base.Clone()

	for _, p := range s.dirty.Leaves() {
		if s.dirty.Shadowed(p) {
			continue
		}
		c := s.activeControl(p)
		if c == nil {
			continue
		}
		if c.Invalid {
			rep.skip(p.String(), c.Reason)
			continue
		}
		if c.Value == nil {
			if pointer.Delete(doc, p) {
				s.pruneAbove(doc, p)
			}
			continue
		}
		next, err := pointer.Set(doc, p, c.Value.Clone())
		if err != nil {
			rep.skip(p.String(), err.Error())
			continue
		}
		doc = next
	}

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
			rep.withhold(p.String(), err.Error())
			continue
		}
		baseAt, _ := pointer.Get(s.base, p)
		if v == nil || (jsonv.IsEmptyContainer(v) && !sameEmpty(baseAt, v)) {
			if p.IsRoot() {
				doc = emptyLike(v)
			} else if pointer.Delete(doc, p) {
				s.pruneAbove(doc, p)
			}
			continue
		}
		next, err := pointer.Set(doc, p, v)
		if err != nil {
			rep.withhold(p.String(), err.Error())
			continue
		}
		doc = next
	}

	return doc, rep
}

func sameEmpty(base, v *jsonv.Value) bool {
	return jsonv.IsEmptyContainer(base) && base.Kind() == v.Kind()
}

func emptyLike(v *jsonv.Value) *jsonv.Value {
	if v != nil && v.Kind() == jsonv.Array {
		return jsonv.NewArray()
	}
	return jsonv.NewObject()
}

// nodeValue recomputes the value of a subtree from its controls. Unset
// controls contribute nothing; any invalid control or map key fails the
// whole subtree.
func (s *State) nodeValue(n *Node) (*jsonv.Value, error) {
	switch n.Field.Type {
	case schema.TypeObject:
		obj := jsonv.NewObject()
		for _, c := range n.Children {
			cv, err := s.nodeValue(c)
			if err != nil {
				return nil, err
			}
			if cv == nil || len(c.Pointer) <= len(n.Pointer) {
				continue
			}
			if jsonv.IsEmptyContainer(cv) {
				continue
			}
			if _, err := pointer.Set(obj, c.Pointer[len(n.Pointer):], cv); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case schema.TypeArray:
		arr := jsonv.NewArray()
		for _, it := range n.Items {
			iv, err := s.nodeValue(it)
			if err != nil {
				return nil, err
			}
			arr.Append(iv)
		}
		return arr, nil

	case schema.TypeObjectMap:
		if err := s.validateKeys(n); err != nil {
			return nil, err
		}
		obj := jsonv.NewObject()
		for _, e := range n.Entries {
			ev, err := s.nodeValue(e.Node)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				obj.SetField(e.Key, ev)
			}
		}
		return obj, nil

	case schema.TypeUnion:
		if len(n.Variants) == 0 {
			return nil, nil
		}
		return s.nodeValue(n.Variants[n.Selected])
	}

	c := n.Control
	if c == nil {
		return nil, nil
	}
	if c.Invalid {
		return nil, &invalidError{Pointer: c.Pointer.String(), Reason: c.Reason}
	}
	return c.Value.Clone(), nil
}

// pruneAbove drops ancestors of a deleted location that became empty
// objects, stopping at the first one that still has members or was already
// empty in the base.
func (s *State) pruneAbove(doc *jsonv.Value, p pointer.Pointer) {
	for q := p.Parent(); !q.IsRoot(); q = q.Parent() {
		v, ok := pointer.Get(doc, q)
		if !ok || v.Kind() != jsonv.Object || v.Len() > 0 {
			return
		}
		if b, ok := pointer.Get(s.base, q); ok && b.Kind() == jsonv.Object && b.Len() == 0 {
			return
		}
		pointer.Delete(doc, q)
	}
}
