// Package pointer addresses locations inside a document value with
// slash-delimited paths in the style of RFC 6901.
//
// Parsing treats every all-digit segment as an array index. Object members
// whose names are digits stay reachable because resolution against an object
// always uses the segment's raw text; only Set, when it has to invent a
// missing intermediate container, lets a numeric segment pick an array.
package pointer

import (
	"errors"
	"strconv"
	"strings"
)

const (
	// IndexPlaceholder marks a not-yet-instantiated array position in field
	// templates.
	IndexPlaceholder = "__INDEX__"
	// KeyPlaceholder marks a not-yet-instantiated map member in field
	// templates.
	KeyPlaceholder = "__KEY__"
)

var ErrInvalidPointer = errors.New("invalid pointer")

type Segment struct {
	Raw     string
	Index   int
	IsIndex bool
}

// Key builds a member segment. Unlike Parse it never yields an index.
func Key(k string) Segment { return Segment{Raw: k} }

func Index(i int) Segment { return Segment{Raw: strconv.Itoa(i), Index: i, IsIndex: true} }

func (s Segment) IsPlaceholder() bool {
	return !s.IsIndex && (s.Raw == IndexPlaceholder || s.Raw == KeyPlaceholder)
}

func parseSegment(raw string) Segment {
	if isDigits(raw) {
		if i, err := strconv.Atoi(raw); err == nil {
			return Segment{Raw: raw, Index: i, IsIndex: true}
		}
	}
	return Segment{Raw: raw}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

type Pointer []Segment

// Root is the empty pointer, addressing the whole document.
var Root = Pointer{}

// Parse splits s on "/" and decodes "~1" and "~0". The empty string is the
// root. A missing leading slash is tolerated.
func Parse(s string) Pointer {
	if s == "" {
		return Pointer{}
	}
	s = strings.TrimPrefix(s, "/")
	parts := strings.Split(s, "/")
	p := make(Pointer, len(parts))
	for i, part := range parts {
		p[i] = parseSegment(Unescape(part))
	}
	return p
}

func Escape(token string) string {
	if !strings.ContainsAny(token, "~/") {
		return token
	}
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

func Unescape(token string) string {
	if !strings.Contains(token, "~") {
		return token
	}
	return strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
}

func (p Pointer) String() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(Escape(seg.Raw))
	}
	return b.String()
}

func (p Pointer) IsRoot() bool { return len(p) == 0 }

func (p Pointer) Clone() Pointer {
	return append(Pointer{}, p...)
}

// Append returns a new pointer; p is never modified.
func (p Pointer) Append(segs ...Segment) Pointer {
	out := make(Pointer, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

func (p Pointer) Child(key string) Pointer { return p.Append(Key(key)) }

func (p Pointer) ChildIndex(i int) Pointer { return p.Append(Index(i)) }

func (p Pointer) Parent() Pointer {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1].Clone()
}

func (p Pointer) Last() (Segment, bool) {
	if len(p) == 0 {
		return Segment{}, false
	}
	return p[len(p)-1], true
}

func (p Pointer) Equal(q Pointer) bool {
	if len(p) != len(q) {
		return false
	}
	return p.HasPrefix(q)
}

// HasPrefix reports whether q is p or an ancestor of p.
func (p Pointer) HasPrefix(q Pointer) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i].Raw != q[i].Raw {
			return false
		}
	}
	return true
}

// IsUnder reports whether p lies strictly below q.
func (p Pointer) IsUnder(q Pointer) bool {
	return len(p) > len(q) && p.HasPrefix(q)
}

func (p Pointer) HasPlaceholder() bool {
	for _, seg := range p {
		if seg.IsPlaceholder() {
			return true
		}
	}
	return false
}

// Rebase swaps the prefix from for to. ok is false when p is not at or
// under from.
func (p Pointer) Rebase(from, to Pointer) (Pointer, bool) {
	if !p.HasPrefix(from) {
		return p, false
	}
	return to.Append(p[len(from):]...), true
}

// Instantiate resolves a template pointer against a concrete ancestor:
// the leading len(at) segments of tmpl are replaced by at, and a placeholder
// immediately after them becomes seg. Any deeper placeholders are kept.
func Instantiate(tmpl, at Pointer, seg Segment) Pointer {
	if len(tmpl) < len(at) {
		return tmpl.Clone()
	}
	out := at.Append(tmpl[len(at):]...)
	if len(out) > len(at) && out[len(at)].IsPlaceholder() {
		out[len(at)] = seg
	}
	return out
}

// Resolve maps a template pointer onto a concrete ancestor without filling
// any placeholder.
func Resolve(tmpl, at Pointer) Pointer {
	if len(tmpl) < len(at) {
		return tmpl.Clone()
	}
	return at.Append(tmpl[len(at):]...)
}
