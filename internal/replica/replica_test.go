package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqknono/general-settings-ui/internal/debounce"
	"github.com/jqknono/general-settings-ui/internal/form"
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/owner"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/schema"
	"github.com/jqknono/general-settings-ui/internal/surface"
	"github.com/jqknono/general-settings-ui/internal/transport"
)

const settingsSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"port": {"type": "integer", "minimum": 1},
		"arr": {"type": "array", "items": {"type": "string"}},
		"m": {
			"type": "object",
			"propertyNames": {"pattern": "^[a-z]+$"},
			"additionalProperties": {"type": "string"}
		}
	}
}`

func mustJSON(t *testing.T, text string) *jsonv.Value {
	t.Helper()
	v, err := jsonv.ParseString(text)
	require.NoError(t, err)
	return v
}

func assertDoc(t *testing.T, want string, got *jsonv.Value) {
	t.Helper()
	assert.JSONEq(t, want, string(jsonv.Compact(got)))
}

func schemaMessage(t *testing.T) protocol.Message {
	t.Helper()
	doc := mustJSON(t, settingsSchema)
	f, err := schema.NewGenerator().GenerateForm(doc)
	require.NoError(t, err)
	markup, err := f.Markup()
	require.NoError(t, err)
	return protocol.LoadSchema("settings", jsonv.Compact(doc), markup)
}

type sentLog struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *sentLog) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sentLog) writes(t *testing.T) []protocol.WriteMeta {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.WriteMeta
	for _, m := range s.msgs {
		if m.Type != protocol.TypeUpdateJSON {
			continue
		}
		meta, err := m.WriteMeta()
		require.NoError(t, err)
		out = append(out, meta)
	}
	return out
}

func (s *sentLog) last() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

// newLoaded returns a replica that has the settings form and doc loaded,
// talking to a recording sender.
func newLoaded(t *testing.T, doc string, opts Options) (*Replica, *sentLog) {
	t.Helper()
	log := &sentLog{}
	r := New(log, opts)
	t.Cleanup(r.Close)
	require.NoError(t, r.Handle(schemaMessage(t)))
	require.NoError(t, r.Handle(protocol.LoadJSON([]byte(doc))))
	return r, log
}

func ack(r *Replica, ok bool, rev int64, reason string) error {
	return r.Handle(protocol.UpdateJSONAck(protocol.AckMeta{OK: ok, Rev: rev, SessionID: r.Session(), Reason: reason}))
}

func dirtyCounts(r *Replica) (leaves, colls int) {
	r.Inspect(func(s *form.State) { leaves, colls = s.Dirty().Counts() })
	return
}

func TestReplica_StartSendsReady(t *testing.T) {
	log := &sentLog{}
	r := New(log, Options{})
	require.NoError(t, r.Start())
	m := log.last()
	assert.Equal(t, protocol.TypeReady, m.Type)
	assert.Equal(t, r.Session(), m.SessionID)
	assert.NotEmpty(t, r.Session())
}

func TestReplica_WriteEnvelope(t *testing.T) {
	r, log := newLoaded(t, `{}`, Options{})

	require.NoError(t, r.SetText("/name", "alice"))
	m := log.last()
	require.Equal(t, protocol.TypeUpdateJSON, m.Type)
	assert.JSONEq(t, `{"name":"alice"}`, string(m.JSON))
	meta, err := m.WriteMeta()
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Rev)
	assert.Equal(t, r.Session(), meta.SessionID)
	assert.Equal(t, protocol.ReasonEdit, meta.Reason)
	assert.Equal(t, "/name", meta.HintPath)
	assert.Equal(t, 1, meta.DirtyPathCount)

	require.NoError(t, ack(r, true, 1, ""))
	assertDoc(t, `{"name":"alice"}`, r.Base())
	leaves, colls := dirtyCounts(r)
	assert.Zero(t, leaves)
	assert.Zero(t, colls)
}

func TestReplica_OutOfOrderAcks(t *testing.T) {
	r, log := newLoaded(t, `{}`, Options{})

	require.NoError(t, r.SetText("/name", "a"))
	require.NoError(t, r.SetText("/name", "ab"))
	require.NoError(t, r.SetText("/name", "abc"))
	require.Len(t, log.writes(t), 3)

	require.NoError(t, ack(r, true, 1, ""))
	assertDoc(t, `{}`, r.Base())

	require.NoError(t, ack(r, true, 3, ""))
	assertDoc(t, `{"name":"abc"}`, r.Base())

	require.NoError(t, ack(r, true, 2, ""))
	assertDoc(t, `{"name":"abc"}`, r.Base())
	leaves, _ := dirtyCounts(r)
	assert.Zero(t, leaves)

	require.NoError(t, r.SetText("/name", "abcd"))
	require.NoError(t, ack(r, true, 3, ""))
	assertDoc(t, `{"name":"abc"}`, r.Base())
	leaves, _ = dirtyCounts(r)
	assert.Equal(t, 1, leaves)
}

func TestReplica_IgnoresForeignAndStaleRejects(t *testing.T) {
	var errs []string
	r, _ := newLoaded(t, `{}`, Options{OnError: func(s string) { errs = append(errs, s) }})
	require.NoError(t, r.SetText("/name", "x"))

	require.NoError(t, r.Handle(protocol.UpdateJSONAck(protocol.AckMeta{OK: true, Rev: 1, SessionID: "other"})))
	assertDoc(t, `{}`, r.Base())

	require.NoError(t, ack(r, false, 1, protocol.ReasonStaleRev))
	assert.Empty(t, errs)

	require.NoError(t, r.SetText("/name", "y"))
	require.NoError(t, ack(r, false, 2, protocol.ReasonReadOnly))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "read-only")
	assertDoc(t, `{}`, r.Base())
	leaves, _ := dirtyCounts(r)
	assert.Equal(t, 1, leaves, "rejected edits stay dirty")
}

func TestReplica_InvalidEditIsNotSent(t *testing.T) {
	r, log := newLoaded(t, `{"port":80}`, Options{})
	require.NoError(t, r.SetText("/port", "0"))
	assert.Empty(t, log.writes(t))

	require.NoError(t, r.SetText("/port", "8080"))
	writes := log.writes(t)
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"port":8080}`, string(log.last().JSON))
}

func TestReplica_DebouncedSend(t *testing.T) {
	clock := debounce.NewFakeClock()
	r, log := newLoaded(t, `{}`, Options{Clock: clock, SendDelay: 200 * time.Millisecond})

	require.NoError(t, r.SetText("/name", "a"))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, r.SetText("/name", "ab"))
	clock.Advance(199 * time.Millisecond)
	assert.Empty(t, log.writes(t))

	clock.Advance(time.Millisecond)
	writes := log.writes(t)
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"name":"ab"}`, string(log.last().JSON))

	require.NoError(t, r.SetText("/name", "abc"))
	r.Flush()
	assert.Len(t, log.writes(t), 2)
	assert.Zero(t, clock.Waiting())
}

func TestReplica_AckKeepsEditsWaitingToBeSent(t *testing.T) {
	clock := debounce.NewFakeClock()
	r, _ := newLoaded(t, `{}`, Options{Clock: clock, SendDelay: time.Second})

	require.NoError(t, r.SetText("/name", "a"))
	r.Flush()
	require.NoError(t, r.SetText("/port", "9"))
	require.NoError(t, ack(r, true, 1, ""))

	assertDoc(t, `{"name":"a"}`, r.Base())
	leaves, _ := dirtyCounts(r)
	assert.Equal(t, 1, leaves)
}

func TestReplica_AckWhileSendTimerFires(t *testing.T) {
	clock := debounce.NewFakeClock()
	r, log := newLoaded(t, `{}`, Options{Clock: clock, SendDelay: time.Second})

	require.NoError(t, r.SetText("/name", "a"))
	r.Flush()
	require.NoError(t, r.SetText("/port", "9"))

	fired := make(chan struct{})
	r.Inspect(func(*form.State) {
		// the timer has fired and its send waits for the lock held here
		go func() {
			defer close(fired)
			clock.Advance(time.Second)
		}()
		require.Eventually(t, func() bool { return !r.debouncer.Pending(sendKey) }, time.Second, time.Millisecond)
		r.onAck(protocol.AckMeta{OK: true, Rev: 1, SessionID: r.Session()})
	})
	<-fired

	assertDoc(t, `{"name":"a"}`, r.Base())
	require.Len(t, log.writes(t), 2)
	assert.JSONEq(t, `{"name":"a","port":9}`, string(log.last().JSON))
}

func TestReplica_AckAfterOutsideReplace(t *testing.T) {
	var views []View
	r, log := newLoaded(t, `{"name":"a","port":1}`, Options{
		OnRender: func(v View) { views = append(views, v) },
	})
	require.NoError(t, r.SetText("/port", "2"))
	require.Len(t, log.writes(t), 1)

	require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"z","port":1}`))))
	// the owner applied rev 1 after forwarding the outside edit
	require.NoError(t, ack(r, true, 1, ""))

	assertDoc(t, `{"name":"a","port":2}`, r.Base())
	require.Len(t, views, 3)
	assert.Equal(t, "replace", views[2].Reason)
	r.Inspect(func(s *form.State) {
		assert.Equal(t, "a", s.Control("/name").Text)
		assert.Equal(t, "2", s.Control("/port").Text)
		assert.True(t, s.Dirty().Empty())
	})
}

func TestReplica_RestartSettlesLostAcks(t *testing.T) {
	t.Run("write landed", func(t *testing.T) {
		var views []View
		r, _ := newLoaded(t, `{"name":"a"}`, Options{OnRender: func(v View) { views = append(views, v) }})
		require.NoError(t, r.SetText("/name", "b"))
		require.True(t, r.Pending())

		// the connection dropped before the ack; a new session starts
		require.NoError(t, r.Start())
		require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"b"}`))))

		assert.False(t, r.Pending())
		assertDoc(t, `{"name":"b"}`, r.Base())
		assert.Len(t, views, 1, "no re-render")
		leaves, _ := dirtyCounts(r)
		assert.Zero(t, leaves)
	})

	t.Run("write lost", func(t *testing.T) {
		r, _ := newLoaded(t, `{"name":"a"}`, Options{})
		require.NoError(t, r.SetText("/name", "b"))

		require.NoError(t, r.Start())
		require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"a"}`))))

		assert.False(t, r.Pending())
		assertDoc(t, `{"name":"a"}`, r.Base())
		r.Inspect(func(s *form.State) { assert.Equal(t, "a", s.Control("/name").Text) })
	})
}

func TestReplica_AckAfterOutsideReplaceKeepsNewEdits(t *testing.T) {
	clock := debounce.NewFakeClock()
	r, log := newLoaded(t, `{"name":"a","port":1}`, Options{Clock: clock, SendDelay: time.Second})

	require.NoError(t, r.SetText("/port", "2"))
	r.Flush()
	require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"z","port":1}`))))
	require.NoError(t, r.SetText("/name", "q"))
	require.NoError(t, ack(r, true, 1, ""))

	assertDoc(t, `{"name":"a","port":2}`, r.Base())
	r.Inspect(func(s *form.State) {
		assert.Equal(t, "q", s.Control("/name").Text)
		assert.Equal(t, "2", s.Control("/port").Text)
	})

	clock.Advance(time.Second)
	require.Len(t, log.writes(t), 2)
	assert.JSONEq(t, `{"name":"q","port":2}`, string(log.last().JSON))
}

func TestReplica_Snapshots(t *testing.T) {
	var views []View
	clock := debounce.NewFakeClock()
	r, log := newLoaded(t, `{"name":"a"}`, Options{
		Clock:     clock,
		SendDelay: time.Second,
		OnRender:  func(v View) { views = append(views, v) },
	})
	require.Len(t, views, 1)
	assert.Equal(t, "load", views[0].Reason)
	views = nil

	t.Run("echo of sent content is absorbed", func(t *testing.T) {
		require.NoError(t, r.SetText("/name", "b"))
		r.Flush()
		require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"b"}`))))
		assert.Empty(t, views)
		require.NoError(t, ack(r, true, 1, ""))
		assertDoc(t, `{"name":"b"}`, r.Base())
	})

	t.Run("snapshot equal to live edits is adopted quietly", func(t *testing.T) {
		require.NoError(t, r.SetText("/name", "c"))
		require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"c"}`))))
		assert.Empty(t, views)
		assertDoc(t, `{"name":"c"}`, r.Base())
		assert.Zero(t, clock.Waiting(), "pending send cancelled")
		assert.Len(t, log.writes(t), 1)
	})

	t.Run("outside edit replaces and keeps focus", func(t *testing.T) {
		r.Focus("/name", false, 1, 1)
		require.NoError(t, r.Handle(protocol.LoadJSON([]byte(`{"name":"z","port":3}`))))
		require.Len(t, views, 1)
		assert.Equal(t, "replace", views[0].Reason)
		require.NotNil(t, views[0].Focus)
		assert.Equal(t, "/name", views[0].Focus.Pointer)
		assert.Equal(t, 1, views[0].Focus.SelectionStart)
		assertDoc(t, `{"name":"z","port":3}`, r.Base())
		leaves, colls := dirtyCounts(r)
		assert.Zero(t, leaves+colls)
	})
}

func TestReplica_MessagesFromOwner(t *testing.T) {
	var schemas []protocol.SchemaInfo
	r, _ := newLoaded(t, `{}`, Options{OnSchemas: func(s []protocol.SchemaInfo) { schemas = s }})

	require.NoError(t, r.Handle(protocol.BoundSource(protocol.Source{URI: "file:a.json", FSPath: "/a.json"})))
	assert.Equal(t, "file:a.json", r.Source().URI)

	require.NoError(t, r.Handle(protocol.ShowError("boom")))
	assert.Equal(t, "boom", r.LastError())

	require.NoError(t, r.Handle(protocol.SchemaList([]protocol.SchemaInfo{{Name: "n", URL: "u"}})))
	require.Len(t, schemas, 1)

	assert.Error(t, r.Handle(protocol.LoadJSON([]byte(`{`))))
	assert.Error(t, r.Handle(protocol.Message{Type: "bogus"}))
}

// harness connects a replica to a real owner binding over a pipe. pump
// moves messages both ways until nothing is in flight.
type harness struct {
	t       *testing.T
	mem     *surface.Memory
	clock   *debounce.FakeClock
	binding *owner.Binding
	toOwner *transport.PipeEnd
	toForm  *transport.PipeEnd
	replica *Replica
	views   []View
	errors  []string
}

func newHarness(t *testing.T, text string) *harness {
	t.Helper()
	h := &harness{t: t, clock: debounce.NewFakeClock()}
	opener := &surface.Opener{}
	h.mem = opener.Memory("doc", text)
	reg := owner.NewRegistry(opener, owner.Options{
		Clock:     h.clock,
		Retriever: &schema.StaticRetriever{Schemas: map[string]*jsonv.Value{"settings": mustJSON(t, settingsSchema)}},
	})
	t.Cleanup(reg.Shutdown)
	b, err := reg.Open(context.Background(), "mem:doc")
	require.NoError(t, err)
	h.binding = b

	formEnd, ownerEnd := transport.Pipe()
	h.toOwner, h.toForm = ownerEnd, formEnd
	b.Attach(ownerEnd)
	h.replica = New(formEnd, Options{
		Clock:    h.clock,
		OnRender: func(v View) { h.views = append(h.views, v) },
		OnError:  func(s string) { h.errors = append(h.errors, s) },
	})
	t.Cleanup(h.replica.Close)
	require.NoError(t, h.replica.Start())
	h.pump()
	return h
}

func (h *harness) pump() {
	h.t.Helper()
	for {
		h.binding.Flush()
		moved := false
		for m, ok := h.toOwner.TryRecv(); ok; m, ok = h.toOwner.TryRecv() {
			h.binding.Handle(h.toOwner, m)
			moved = true
		}
		for m, ok := h.toForm.TryRecv(); ok; m, ok = h.toForm.TryRecv() {
			require.NoError(h.t, h.replica.Handle(m))
			moved = true
		}
		if !moved {
			return
		}
	}
}

func (h *harness) text() string {
	snap, err := h.mem.Read(context.Background())
	require.NoError(h.t, err)
	return snap.Text
}

// converged checks the replica's base against the owner's text.
func (h *harness) converged() {
	h.t.Helper()
	assert.JSONEq(h.t, h.text(), string(jsonv.Compact(h.replica.Base())))
}

func TestSync_Scenario(t *testing.T) {
	h := newHarness(t, "{}")
	require.True(t, h.replica.Loaded())
	require.NoError(t, h.replica.RequestSchema("settings"))
	h.pump()

	require.NoError(t, h.replica.SetText("/name", "alice"))
	m, ok := h.toOwner.TryRecv()
	require.True(t, ok)
	meta, err := m.WriteMeta()
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Rev)
	assert.JSONEq(t, `{"name":"alice"}`, string(m.JSON))
	h.binding.Handle(h.toOwner, m)
	h.pump()

	assertDoc(t, `{"name":"alice"}`, h.replica.Base())
	leaves, colls := dirtyCounts(h.replica)
	assert.Zero(t, leaves+colls)
	h.converged()
}

func TestSync_EchoDoesNotRerender(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","name":"a"}`)
	before := len(h.views)

	require.NoError(t, h.replica.SetText("/name", "b"))
	h.pump()
	h.clock.Advance(5 * time.Second)
	h.pump()

	assert.Len(t, h.views, before)
	assert.Equal(t, int64(1), h.binding.Stats().Echoes)
	assert.Zero(t, h.binding.Stats().Forwards)
	h.converged()
}

func TestSync_RemoveItemReindexes(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","arr":["a","b","c"]}`)

	require.NoError(t, h.replica.RemoveItem("/arr", 1))
	h.pump()

	assert.JSONEq(t, `{"$schema":"settings","arr":["a","c"]}`, h.text())
	h.replica.Inspect(func(s *form.State) {
		require.NotNil(t, s.Control("/arr/0"))
		require.NotNil(t, s.Control("/arr/1"))
		assert.Nil(t, s.Control("/arr/2"))
		assert.Equal(t, "a", s.Control("/arr/0").Text)
		assert.Equal(t, "c", s.Control("/arr/1").Text)
	})
	h.converged()
}

func TestSync_RenameKeyRebinds(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","m":{"a":"1","c":"3"}}`)

	require.NoError(t, h.replica.RenameKey("/m", "a", "b"))
	h.pump()
	assert.JSONEq(t, `{"$schema":"settings","m":{"b":"1","c":"3"}}`, h.text())

	require.NoError(t, h.replica.SetText("/m/b", "2"))
	h.pump()
	assert.JSONEq(t, `{"$schema":"settings","m":{"b":"2","c":"3"}}`, h.text())
	h.converged()
}

func TestSync_InvalidMapKeyWithheld(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","name":"n","m":{"a":"1"}}`)

	require.NoError(t, h.replica.RenameKey("/m", "a", "A1"))
	require.NoError(t, h.replica.SetText("/name", "o"))
	h.pump()

	assert.JSONEq(t, `{"$schema":"settings","name":"o","m":{"a":"1"}}`, h.text())
	h.replica.Inspect(func(s *form.State) {
		assert.Error(t, s.KeyError("/m"))
	})

	require.NoError(t, h.replica.RenameKey("/m", "A1", "z"))
	h.pump()
	assert.JSONEq(t, `{"$schema":"settings","name":"o","m":{"z":"1"}}`, h.text())
	h.converged()
}

func TestSync_NoopWrite(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","name":"a"}`)

	// an outside edit lands but has not been forwarded yet
	h.mem.Edit(`{"$schema":"settings","name":"b"}`)
	require.NoError(t, h.replica.SetText("/name", "b"))
	h.pump()

	assert.Equal(t, int64(1), h.binding.Stats().Noops)
	assert.JSONEq(t, `{"$schema":"settings","name":"b"}`, h.text())
	assertDoc(t, `{"$schema":"settings","name":"b"}`, h.replica.Base())
	leaves, _ := dirtyCounts(h.replica)
	assert.Zero(t, leaves)

	before := len(h.views)
	h.clock.Advance(time.Second)
	h.pump()
	assert.Equal(t, int64(1), h.binding.Stats().Forwards)
	assert.Len(t, h.views, before, "forwarded copy of the same content is absorbed")
}

func TestSync_OutsideEditReachesForm(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","name":"a"}`)
	h.replica.Focus("/name", false, 0, 1)

	h.mem.Edit(`{"$schema":"settings","name":"from disk"}`)
	h.pump()
	h.clock.Advance(time.Second)
	h.pump()

	last := h.views[len(h.views)-1]
	assert.Equal(t, "replace", last.Reason)
	require.NotNil(t, last.Focus)
	assert.Equal(t, "/name", last.Focus.Pointer)
	h.replica.Inspect(func(s *form.State) {
		assert.Equal(t, "from disk", s.Control("/name").Text)
	})
	h.converged()
}

func TestSync_ReadOnlySurface(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings","name":"a"}`)
	h.mem.SetReadOnly(true)

	require.NoError(t, h.replica.SetText("/name", "b"))
	h.pump()

	require.NotEmpty(t, h.errors)
	assert.Contains(t, h.errors[0], "read-only")
	assertDoc(t, `{"$schema":"settings","name":"a"}`, h.replica.Base())
	h.converged()
}

func TestSync_Convergence(t *testing.T) {
	h := newHarness(t, `{"$schema":"settings"}`)
	steps := []func() error{
		func() error { return h.replica.SetText("/name", "svc") },
		func() error { return h.replica.SetText("/port", "8080") },
		func() error { _, err := h.replica.AddItem("/arr"); return err },
		func() error { return h.replica.SetText("/arr/0", "x") },
		func() error { _, err := h.replica.AddItem("/arr"); return err },
		func() error { return h.replica.SetText("/arr/1", "y") },
		func() error { return h.replica.MoveItem("/arr", 1, 0) },
		func() error { _, err := h.replica.AddEntry("/m", "k"); return err },
		func() error { return h.replica.SetText("/m/k", "v") },
		func() error { return h.replica.Unset("/port") },
		func() error { return h.replica.RemoveEntry("/m", "k") },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		h.pump()
		h.converged()
	}
	assert.JSONEq(t, `{"$schema":"settings","name":"svc","arr":["y","x"]}`, h.text())
	assert.Zero(t, h.binding.Stats().Rejected)
}
