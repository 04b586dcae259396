package form

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

const testSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "port": {"type": "integer", "minimum": 1},
    "debug": {"type": "boolean"},
    "nested": {"type": "object", "properties": {"inner": {"type": "string"}}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "servers": {"type": "array", "items": {"type": "object", "properties": {
      "host": {"type": "string"},
      "weight": {"type": "number", "default": 1}
    }}},
    "env": {"type": "object", "propertyNames": {"pattern": "^[A-Z_]+$"}, "additionalProperties": {"type": "string"}},
    "output": {"oneOf": [{"type": "string"}, {"type": "object", "properties": {"host": {"type": "string"}}}]}
  }
}`

func newState(t *testing.T, base string) *State {
	t.Helper()
	sch, err := jsonv.ParseString(testSchema)
	require.NoError(t, err)
	f, err := schema.NewGenerator().GenerateForm(sch)
	require.NoError(t, err)
	doc, err := jsonv.ParseString(base)
	require.NoError(t, err)
	s := NewState()
	s.Load(f, doc)
	return s
}

func assertDoc(t *testing.T, want string, got *jsonv.Value) {
	t.Helper()
	w, err := jsonv.ParseString(want)
	require.NoError(t, err)
	assert.True(t, jsonv.Equal(w, got), "want %s, got %s", want, jsonv.Compact(got))
}

func TestLeafEdit_KeepsUnrelatedMembers(t *testing.T) {
	s := newState(t, `{"name":"a","port":1,"unknown":{"x":[1,2]}}`)

	_, err := s.SetText("/name", "b")
	require.NoError(t, err)

	doc, rep := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"b","port":1,"unknown":{"x":[1,2]}}`, doc)
	assert.Empty(t, rep.Skipped)
	assertDoc(t, `{"name":"a","port":1,"unknown":{"x":[1,2]}}`, s.Base())
}

func TestLeafEdit_RevertClearsDirty(t *testing.T) {
	s := newState(t, `{"name":"a"}`)

	_, _ = s.SetText("/name", "b")
	assert.True(t, s.Dirty().IsLeafDirty(pointer.Parse("/name")))

	_, _ = s.SetText("/name", "a")
	assert.True(t, s.Dirty().Empty())
}

func TestLeafEdit_InvalidIsSkipped(t *testing.T) {
	s := newState(t, `{"name":"a","port":8080}`)

	c, err := s.SetText("/port", "eighty")
	require.NoError(t, err)
	assert.True(t, c.Invalid)
	_, _ = s.SetText("/name", "b")

	doc, rep := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"b","port":8080}`, doc)
	assert.Equal(t, []string{"/port"}, rep.Skipped)
	assert.Equal(t, "not an integer", rep.Reasons["/port"])

	c, _ = s.SetText("/port", "0")
	assert.True(t, c.Invalid, "below minimum")
}

func TestLeafEdit_TypedValues(t *testing.T) {
	s := newState(t, `{}`)

	_, _ = s.SetText("/port", " 443 ")
	_, _ = s.SetBool("/debug", true)
	_, _ = s.SetText("/nested/inner", "x")

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"port":443,"debug":true,"nested":{"inner":"x"}}`, doc)
}

func TestUnset_PrunesEmptiedObjects(t *testing.T) {
	s := newState(t, `{"name":"a","nested":{"inner":"x"}}`)
	_, err := s.Unset("/nested/inner")
	require.NoError(t, err)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"a"}`, doc)
}

func TestUnset_KeepsObjectEmptyInBase(t *testing.T) {
	s := newState(t, `{"nested":{},"name":"a"}`)
	_, _ = s.Unset("/name")

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"nested":{}}`, doc)
}

func TestItemPointers_FromTemplates(t *testing.T) {
	s := newState(t, `{"servers":[{"host":"a"},{"host":"b"}],"env":{"HOME":"/root"}}`)
	require.NotNil(t, s.Control("/servers/1/host"))
	assert.Equal(t, "b", s.Control("/servers/1/host").Text)
	require.NotNil(t, s.Control("/env/HOME"))
	assert.Equal(t, "/root", s.Control("/env/HOME").Text)

	p, err := s.AddItem("/servers")
	require.NoError(t, err)
	assert.Equal(t, "/servers/2", p.String())
	assert.NotNil(t, s.Control("/servers/2/weight"))

	e, err := s.AddEntry("/env", "PATH")
	require.NoError(t, err)
	assert.Equal(t, "/env/PATH", e.Node.Pointer.String())
}

func TestRemoveItem_ReindexesControls(t *testing.T) {
	s := newState(t, `{"tags":["a","b","c"]}`)

	require.NoError(t, s.RemoveItem("/tags", 0))
	c := s.Control("/tags/0")
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Text)
	assert.Nil(t, s.Control("/tags/2"))

	_, err := s.SetText("/tags/1", "z")
	require.NoError(t, err)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"tags":["b","z"]}`, doc)

	leaves, colls := s.Dirty().Counts()
	assert.Equal(t, 0, leaves)
	assert.Equal(t, 1, colls)
}

func TestMoveItem(t *testing.T) {
	s := newState(t, `{"tags":["a","b","c"]}`)

	require.NoError(t, s.MoveItem("/tags", 2, 0))
	assert.Equal(t, "c", s.Control("/tags/0").Text)
	assert.Equal(t, "b", s.Control("/tags/2").Text)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"tags":["c","a","b"]}`, doc)

	assert.ErrorIs(t, s.MoveItem("/tags", 0, 3), ErrOutOfRange)
}

func TestNestedEdit_MarksOutermostCollection(t *testing.T) {
	s := newState(t, `{"servers":[{"host":"a","weight":2},{"host":"b"}]}`)

	_, err := s.SetText("/servers/1/host", "c")
	require.NoError(t, err)
	assert.True(t, s.Dirty().IsCollectionDirty(pointer.Parse("/servers")))
	leaves, _ := s.Dirty().Counts()
	assert.Equal(t, 0, leaves)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"servers":[{"host":"a","weight":2},{"host":"c"}]}`, doc)
}

func TestAddItem_UsesDefaults(t *testing.T) {
	s := newState(t, `{}`)

	p, err := s.AddItem("/servers")
	require.NoError(t, err)
	assert.Equal(t, "/servers/0", p.String())
	_, _ = s.SetText("/servers/0/host", "h")

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"servers":[{"host":"h","weight":1}]}`, doc)
}

func TestEmptiedCollection(t *testing.T) {
	s := newState(t, `{"tags":["a"],"name":"n"}`)
	require.NoError(t, s.RemoveItem("/tags", 0))
	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"n"}`, doc)

	s = newState(t, `{"tags":[],"name":"n"}`)
	_, err := s.AddItem("/tags")
	require.NoError(t, err)
	require.NoError(t, s.RemoveItem("/tags", 0))
	doc, _ = s.BuildUpdatedDocument()
	assertDoc(t, `{"tags":[],"name":"n"}`, doc)
}

func TestMap_InvalidKeyWithholdsCollection(t *testing.T) {
	s := newState(t, `{"env":{"A":"1"},"name":"n"}`)

	_, err := s.RenameKey("/env", "A", "bad")
	require.NoError(t, err)
	_, _ = s.SetText("/name", "m")

	doc, rep := s.BuildUpdatedDocument()
	assertDoc(t, `{"env":{"A":"1"},"name":"m"}`, doc)
	assert.Equal(t, []string{"/env"}, rep.Withheld)
	assert.Error(t, s.KeyError("/env"))
}

func TestMap_DuplicateKeyWithholdsCollection(t *testing.T) {
	s := newState(t, `{"env":{"A":"1","B":"2"}}`)

	_, err := s.RenameKey("/env", "B", "A")
	require.NoError(t, err)

	doc, rep := s.BuildUpdatedDocument()
	assertDoc(t, `{"env":{"A":"1","B":"2"}}`, doc)
	assert.Len(t, rep.Withheld, 1)

	_, err = s.RenameKeyAt("/env", 1, "C")
	require.NoError(t, err)
	doc, rep = s.BuildUpdatedDocument()
	assertDoc(t, `{"env":{"A":"1","C":"2"}}`, doc)
	assert.Empty(t, rep.Withheld)
}

func TestMap_RenameRebindsValueControl(t *testing.T) {
	s := newState(t, `{"env":{"A":"1"}}`)

	_, err := s.RenameKey("/env", "A", "B")
	require.NoError(t, err)
	assert.Nil(t, s.Control("/env/A"))
	_, err = s.SetText("/env/B", "2")
	require.NoError(t, err)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"env":{"B":"2"}}`, doc)
}

func TestMap_AddAndRemoveEntry(t *testing.T) {
	s := newState(t, `{"env":{"A":"1"}}`)

	e, err := s.AddEntry("/env", "")
	require.NoError(t, err)
	assert.Equal(t, "newKey", e.Key)
	_, err = s.RenameKey("/env", "newKey", "NEW")
	require.NoError(t, err)
	_, _ = s.SetText("/env/NEW", "v")
	require.NoError(t, s.RemoveEntry("/env", "A"))

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"env":{"NEW":"v"}}`, doc)
	assert.ErrorIs(t, s.RemoveEntry("/env", "A"), ErrNoEntry)
}

func TestUnion_SelectVariant(t *testing.T) {
	s := newState(t, `{"output":"out.log"}`)
	require.NotNil(t, s.Control("/output"))

	require.NoError(t, s.SelectVariant("/output", 1))
	assert.Nil(t, s.Control("/output"))
	_, err := s.SetText("/output/host", "h")
	require.NoError(t, err)

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"output":{"host":"h"}}`, doc)
}

func TestUnion_DetectsVariantFromDocument(t *testing.T) {
	s := newState(t, `{"output":{"host":"x"}}`)
	c := s.Control("/output/host")
	require.NotNil(t, c)
	assert.Equal(t, "x", c.Text)
}

func TestAdvance_KeepsPendingEdits(t *testing.T) {
	s := newState(t, `{"name":"a","port":1}`)
	_, _ = s.SetText("/name", "b")
	_, _ = s.SetText("/port", "2")

	sent, _ := jsonv.ParseString(`{"name":"b","port":1}`)
	s.Advance(sent, false)

	assert.False(t, s.Dirty().IsLeafDirty(pointer.Parse("/name")))
	assert.True(t, s.Dirty().IsLeafDirty(pointer.Parse("/port")))

	doc, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"b","port":2}`, doc)

	s.Advance(doc, true)
	assert.True(t, s.Dirty().Empty())
}

func TestResetKeepEdits(t *testing.T) {
	s := newState(t, `{"name":"a","port":1,"tags":["x"]}`)
	_, _ = s.SetText("/port", "0")
	_, err := s.AddItem("/tags")
	require.NoError(t, err)
	_, _ = s.SetText("/tags/1", "y")

	next, _ := jsonv.ParseString(`{"name":"z","port":5,"tags":["x"]}`)
	s.ResetKeepEdits(next)

	assertDoc(t, `{"name":"z","port":5,"tags":["x"]}`, s.Base())
	assert.Equal(t, "z", s.Control("/name").Text)

	port := s.Control("/port")
	assert.Equal(t, "0", port.Text)
	assert.True(t, port.Invalid)
	assert.True(t, s.Dirty().IsLeafDirty(pointer.Parse("/port")))
	assert.True(t, s.Dirty().IsCollectionDirty(pointer.Parse("/tags")))
	require.NotNil(t, s.Control("/tags/1"))
	assert.Equal(t, "y", s.Control("/tags/1").Text)

	doc, rep := s.BuildUpdatedDocument()
	assertDoc(t, `{"name":"z","port":5,"tags":["x","y"]}`, doc)
	assert.Equal(t, []string{"/port"}, rep.Skipped)
}

func TestFocus_SurvivesMapReorder(t *testing.T) {
	s := newState(t, `{"env":{"A":"1","B":"hello"}}`)

	f := s.CaptureFocus("/env/B", false, 2, 5)
	assert.Equal(t, "/env", f.MapPointer)
	assert.Equal(t, "B", f.MapKey)

	next, _ := jsonv.ParseString(`{"env":{"Z":"9","B":"hi"}}`)
	s.Reset(next)

	got, ok := s.RestoreFocus(f)
	require.True(t, ok)
	assert.Equal(t, "/env/B", got.Pointer)
	assert.Equal(t, 2, got.SelectionStart)
	assert.Equal(t, 2, got.SelectionEnd, "clamped to new text")
}

func TestFocus_OnKeyAndMissing(t *testing.T) {
	s := newState(t, `{"env":{"LONG":"1"},"name":"n"}`)

	f := s.CaptureFocus("/env/LONG", true, 4, 4)
	assert.True(t, f.OnKey)
	got, ok := s.RestoreFocus(f)
	require.True(t, ok)
	assert.Equal(t, 4, got.SelectionEnd)

	next, _ := jsonv.ParseString(`{"env":{"X":"1"}}`)
	s.Reset(next)
	_, ok = s.RestoreFocus(f)
	assert.False(t, ok)

	f = s.CaptureFocus("/name", false, 0, 0)
	got, ok = s.RestoreFocus(f)
	require.True(t, ok)
	assert.Equal(t, "/name", got.Pointer)
}

func TestSchemaless_InferredForm(t *testing.T) {
	doc, _ := jsonv.ParseString(`{"a":1,"b":"x"}`)
	s := NewState()
	s.Load(nil, doc)

	_, err := s.SetText("/a", "2")
	require.NoError(t, err)
	out, _ := s.BuildUpdatedDocument()
	assertDoc(t, `{"a":2,"b":"x"}`, out)
}

func TestTracker_Shadowing(t *testing.T) {
	tr := NewTracker()
	tr.MarkLeaf(pointer.Parse("/a/0/b"))
	tr.MarkLeaf(pointer.Parse("/c"))
	tr.MarkCollection(pointer.Parse("/a"))
	tr.MarkCollection(pointer.Parse("/a/0/m"))

	assert.True(t, tr.Shadowed(pointer.Parse("/a/0/b")))
	assert.False(t, tr.Shadowed(pointer.Parse("/c")))
	assert.True(t, tr.CollectionShadowed(pointer.Parse("/a/0/m")))
	assert.False(t, tr.CollectionShadowed(pointer.Parse("/a")))
	assert.Equal(t, "/a", tr.Collections()[0].String())
}
