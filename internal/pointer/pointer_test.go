package pointer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
)

func doc(t *testing.T, text string) *jsonv.Value {
	t.Helper()
	v, err := jsonv.ParseString(text)
	require.NoError(t, err)
	return v
}

func text(v *jsonv.Value) string { return string(jsonv.Compact(v)) }

func TestParse_Escapes(t *testing.T) {
	p := Parse("/a~1b/c~0d/~01")
	require.Len(t, p, 3)
	assert.Equal(t, "a/b", p[0].Raw)
	assert.Equal(t, "c~d", p[1].Raw)
	assert.Equal(t, "~1", p[2].Raw)
	assert.Equal(t, "/a~1b/c~0d/~01", p.String())
}

func TestParse_RootAndEmptyKey(t *testing.T) {
	assert.True(t, Parse("").IsRoot())
	p := Parse("/")
	require.Len(t, p, 1)
	assert.Equal(t, "", p[0].Raw)
	assert.Equal(t, "/a/b", Parse("a/b").String())
}

// All-digit segments always parse as indices, so the pointer text cannot say
// "the member named 123" as opposed to "item 123". Resolution against an
// existing object still uses the raw text.
func TestParseNumericSegmentIsIndex(t *testing.T) {
	p := Parse("/items/123")
	assert.False(t, p[0].IsIndex)
	assert.True(t, p[1].IsIndex)
	assert.Equal(t, 123, p[1].Index)

	d := doc(t, `{"items":{"123":"member"}}`)
	v, ok := Get(d, p)
	require.True(t, ok)
	assert.Equal(t, "member", v.Str())

	fresh, err := Set(nil, Parse("/ports/2"), jsonv.NewInt(80))
	require.NoError(t, err)
	assert.Equal(t, `{"ports":[null,null,80]}`, text(fresh), "missing intermediate becomes an array")
}

func TestGet(t *testing.T) {
	d := doc(t, `{"a":{"b":[10,{"c":"x"}]},"n":null}`)

	v, ok := Get(d, Parse("/a/b/1/c"))
	require.True(t, ok)
	assert.Equal(t, "x", v.Str())

	v, ok = Get(d, Parse("/n"))
	require.True(t, ok)
	assert.True(t, v.IsNull())

	_, ok = Get(d, Parse("/a/b/5"))
	assert.False(t, ok)
	_, ok = Get(d, Parse("/a/b/x"))
	assert.False(t, ok)
	_, ok = Get(d, Parse("/a/b/0/deeper"))
	assert.False(t, ok)

	root, ok := Get(d, Root)
	require.True(t, ok)
	assert.Same(t, d, root)
}

func TestSet_CreatesIntermediates(t *testing.T) {
	d := doc(t, `{}`)
	d, err := Set(d, Parse("/a/b/0/name"), jsonv.NewString("x"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":[{"name":"x"}]}}`, text(d))

	d, err = Set(d, Parse("/a/b/1"), jsonv.NewBool(true))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":[{"name":"x"},true]}}`, text(d))
}

func TestSet_ReplacesScalarIntermediate(t *testing.T) {
	d := doc(t, `{"a":"scalar"}`)
	d, err := Set(d, Parse("/a/b"), jsonv.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":1}}`, text(d))
}

func TestSet_RootAndErrors(t *testing.T) {
	d, err := Set(doc(t, `{"a":1}`), Root, jsonv.NewString("r"))
	require.NoError(t, err)
	assert.Equal(t, `"r"`, text(d))

	_, err = Set(doc(t, `[1,2]`), Parse("/name"), jsonv.NewInt(1))
	assert.True(t, errors.Is(err, ErrInvalidPointer))
}

func TestDelete(t *testing.T) {
	d := doc(t, `{"arr":["a","b","c"],"m":{"x":1,"y":2}}`)

	assert.True(t, Delete(d, Parse("/arr/0")))
	assert.Equal(t, `{"arr":["b","c"],"m":{"x":1,"y":2}}`, text(d), "array delete splices")

	assert.True(t, Delete(d, Parse("/m/x")))
	assert.False(t, Delete(d, Parse("/m/x")))
	assert.False(t, Delete(d, Parse("/missing/x")))
	assert.False(t, Delete(d, Root))
	assert.Equal(t, `{"arr":["b","c"],"m":{"y":2}}`, text(d))
}

func TestPrefixHelpers(t *testing.T) {
	a := Parse("/arr/1/name")
	assert.True(t, a.HasPrefix(Parse("/arr")))
	assert.True(t, a.HasPrefix(a))
	assert.True(t, a.IsUnder(Parse("/arr/1")))
	assert.False(t, a.IsUnder(a))
	assert.False(t, Parse("/arrx").HasPrefix(Parse("/arr")))

	moved, ok := a.Rebase(Parse("/arr/1"), Parse("/arr/0"))
	require.True(t, ok)
	assert.Equal(t, "/arr/0/name", moved.String())

	_, ok = a.Rebase(Parse("/other"), Parse("/x"))
	assert.False(t, ok)
}

func TestInstantiate(t *testing.T) {
	tmpl := Parse("/outer/__INDEX__/inner/__INDEX__/name")
	require.True(t, tmpl.HasPlaceholder())

	outer := Instantiate(tmpl, Parse("/outer"), Index(2))
	assert.Equal(t, "/outer/2/inner/__INDEX__/name", outer.String())

	inner := Instantiate(tmpl, Parse("/outer/2/inner"), Index(0))
	assert.Equal(t, "/outer/2/inner/0/name", inner.String())
	assert.False(t, inner.HasPlaceholder())

	m := Instantiate(Parse("/m/__KEY__/v"), Parse("/m"), Key("a/b"))
	assert.Equal(t, "/m/a~1b/v", m.String())
}
