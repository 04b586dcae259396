// Package replica is the form side of the sync channel. A Replica renders
// the owner's document into form state, turns user edits into numbered
// whole-document writes and folds the owner's acknowledgements and
// snapshots back into its base.
package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/jqknono/general-settings-ui/internal/debounce"
	"github.com/jqknono/general-settings-ui/internal/form"
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/pointer"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/revision"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

const sendKey = "send"

// Sender carries messages to the owner. Send must not call back into the
// replica.
type Sender interface {
	Send(protocol.Message) error
}

// View describes a re-render.
type View struct {
	// Reason is "load", "replace" or "schema".
	Reason string
	// Focus is the restored focus, nil when nothing was focused or the
	// focused input is gone.
	Focus *form.Focus
}

type Options struct {
	Clock debounce.Clock
	// SendDelay batches rapid edits into one write. Zero sends on every
	// edit.
	SendDelay time.Duration

	OnRender  func(View)
	OnError   func(string)
	OnSchemas func([]protocol.SchemaInfo)
}

type focusState struct {
	ptr        string
	onKey      bool
	start, end int
}

type Replica struct {
	sender    Sender
	opts      Options
	seq       *revision.Sequencer
	debouncer *debounce.Debouncer

	mu       sync.Mutex
	state    *form.State
	form     *schema.Form
	schema   string
	loaded   bool
	source   protocol.Source
	lastSent *jsonv.Value
	sent     map[int64]*jsonv.Value
	// unsent is set by an edit and cleared when a send is attempted.
	unsent bool
	// replacedAt is the last revision sent before the owner's document
	// replaced the form; acks up to it describe a document the form no
	// longer shows.
	replacedAt int64
	// resync is set when a loaded replica restarts its session; the next
	// snapshot settles writes whose acks were lost with the old connection.
	resync bool
	reason   string
	hint     string
	focus    *focusState
	lastErr  string
}

func New(sender Sender, opts Options) *Replica {
	if opts.Clock == nil {
		opts.Clock = debounce.RealClock{}
	}
	return &Replica{
		sender:    sender,
		opts:      opts,
		seq:       revision.NewSequencer(uuid.NewString()),
		debouncer: debounce.New(opts.Clock),
		state:     form.NewState(),
		sent:      map[int64]*jsonv.Value{},
	}
}

func (r *Replica) Session() string { return r.seq.Session() }

// Start announces the session; the owner answers with the bound source,
// the schema and the document. Calling it again after a reconnect resyncs
// with the owner's document.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resync = r.loaded
	return r.sender.Send(protocol.Ready(r.Session()))
}

func (r *Replica) Close() {
	r.debouncer.Stop()
}

// Handle applies one message from the owner.
func (r *Replica) Handle(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	glog.V(2).Infof("[replica] received %s", m.Type)

	switch m.Type {
	case protocol.TypeLoadSchema:
		return r.onSchema(m)
	case protocol.TypeLoadJSON:
		doc, err := jsonv.Parse(m.JSON)
		if err != nil {
			return fmt.Errorf("loadJson: %w", err)
		}
		r.onSnapshot(doc)
	case protocol.TypeUpdateJSONAck:
		meta, err := m.AckMeta()
		if err != nil {
			return err
		}
		r.onAck(meta)
	case protocol.TypeShowError:
		r.lastErr = m.Error
		glog.Warningf("[replica] owner reported: %s", m.Error)
		if r.opts.OnError != nil {
			r.opts.OnError(m.Error)
		}
	case protocol.TypeBoundSource:
		if m.Source != nil {
			r.source = *m.Source
		}
	case protocol.TypeSchemaList:
		if r.opts.OnSchemas != nil {
			r.opts.OnSchemas(m.Schemas)
		}
	default:
		return fmt.Errorf("unexpected message %q", m.Type)
	}
	return nil
}

func (r *Replica) onSchema(m protocol.Message) error {
	var f *schema.Form
	if len(m.FormMarkup) > 0 {
		parsed, err := schema.ParseMarkup(m.FormMarkup)
		if err != nil {
			return fmt.Errorf("loadSchema: %w", err)
		}
		f = parsed
	}
	r.form, r.schema = f, m.SchemaURL
	if !r.loaded {
		return nil
	}
	// a new form re-renders the agreed document; unsent edits are dropped
	fs := r.captureFocus()
	r.debouncer.Cancel(sendKey)
	r.unsent = false
	r.state.Load(f, r.state.Base())
	r.render("schema", fs)
	return nil
}

// onSnapshot handles a full document from the owner: either the initial
// load, the echo of what this replica sent, or an outside edit.
func (r *Replica) onSnapshot(doc *jsonv.Value) {
	if !r.loaded {
		r.loaded = true
		r.state.Load(r.form, doc)
		r.render("load", nil)
		return
	}
	if r.resync {
		r.resync = false
		r.seq.Settle()
		r.sent = map[int64]*jsonv.Value{}
		sent := r.lastSent
		r.lastSent = nil
		if sent != nil && jsonv.Equal(doc, sent) {
			glog.V(1).Infof("[replica] resynced on last sent content")
			r.state.Advance(doc, !r.unsent)
			return
		}
	}
	if r.lastSent != nil && jsonv.Equal(doc, r.lastSent) {
		glog.V(1).Infof("[replica] absorbed snapshot equal to last sent content")
		return
	}
	if live, _ := r.state.BuildUpdatedDocument(); jsonv.Equal(doc, live) {
		glog.V(1).Infof("[replica] snapshot matches live edits; adopting quietly")
		r.debouncer.Cancel(sendKey)
		r.unsent = false
		r.state.Advance(doc, true)
		return
	}

	fs := r.captureFocus()
	r.debouncer.Cancel(sendKey)
	r.unsent = false
	r.lastSent = nil
	r.replacedAt = r.seq.LastSent()
	r.state.Reset(doc)
	r.render("replace", fs)
}

func (r *Replica) captureFocus() *form.Focus {
	if r.focus == nil {
		return nil
	}
	return r.state.CaptureFocus(r.focus.ptr, r.focus.onKey, r.focus.start, r.focus.end)
}

func (r *Replica) render(reason string, captured *form.Focus) {
	var restored *form.Focus
	if captured != nil {
		if f, ok := r.state.RestoreFocus(captured); ok {
			restored = f
			r.focus = &focusState{ptr: f.Pointer, onKey: f.OnKey, start: f.SelectionStart, end: f.SelectionEnd}
		} else {
			r.focus = nil
		}
	}
	glog.V(1).Infof("[replica] render (%s)", reason)
	if r.opts.OnRender != nil {
		r.opts.OnRender(View{Reason: reason, Focus: restored})
	}
}

func (r *Replica) onAck(meta protocol.AckMeta) {
	outcome := r.seq.Ack(meta.OK, meta.Rev, meta.SessionID)
	glog.V(1).Infof("[replica] ack rev %d: %s", meta.Rev, outcome)

	switch outcome {
	case revision.Rejected:
		delete(r.sent, meta.Rev)
		if meta.Reason == protocol.ReasonStaleRev {
			return
		}
		msg := fmt.Sprintf("write rejected: %s", meta.Reason)
		glog.Errorf("[replica] rev %d %s", meta.Rev, msg)
		r.lastErr = msg
		if r.opts.OnError != nil {
			r.opts.OnError(msg)
		}
	case revision.Superseded:
		r.forget(meta.Rev)
	case revision.Advanced:
		doc, ok := r.sent[meta.Rev]
		r.forget(meta.Rev)
		if !ok {
			return
		}
		if meta.Rev <= r.replacedAt {
			// the owner wrote this after the snapshot the form shows
			fs := r.captureFocus()
			r.state.ResetKeepEdits(doc)
			r.render("replace", fs)
			return
		}
		// edits not sent yet stay dirty
		r.state.Advance(doc, !r.unsent)
	}
}

func (r *Replica) forget(upTo int64) {
	for rev := range r.sent {
		if rev <= upTo {
			delete(r.sent, rev)
		}
	}
}

// Focus records which input has focus so it can be restored after the
// owner replaces the document. An empty ptr clears it.
func (r *Replica) Focus(ptr string, onKey bool, start, end int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ptr == "" {
		r.focus = nil
		return
	}
	r.focus = &focusState{ptr: ptr, onKey: onKey, start: start, end: end}
}

// edited schedules a write after a user edit.
func (r *Replica) edited(reason, hint string) {
	r.reason, r.hint = reason, hint
	r.unsent = true
	if r.opts.SendDelay <= 0 {
		r.sendLocked()
		return
	}
	r.debouncer.Arm(sendKey, r.opts.SendDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sendLocked()
	})
}

// Flush sends pending edits now instead of waiting for the send timer.
func (r *Replica) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.debouncer.Cancel(sendKey) {
		r.sendLocked()
	}
}

func (r *Replica) sendLocked() {
	if !r.loaded {
		return
	}
	r.unsent = false
	doc, rep := r.state.BuildUpdatedDocument()
	for _, p := range rep.Skipped {
		glog.V(1).Infof("[replica] skipped invalid %s: %s", p, rep.Reasons[p])
	}
	for _, p := range rep.Withheld {
		glog.V(1).Infof("[replica] withheld %s: %s", p, rep.Reasons[p])
	}

	reference := r.state.Base()
	if r.seq.Pending() && r.lastSent != nil {
		reference = r.lastSent
	}
	if jsonv.Equal(doc, reference) {
		glog.V(2).Infof("[replica] nothing new to send")
		return
	}

	leaves, colls := r.state.Dirty().Counts()
	rev := r.seq.Next()
	meta := protocol.WriteMeta{
		SessionID:            r.Session(),
		Rev:                  rev,
		Reason:               r.reason,
		HintPath:             r.hint,
		DirtyPathCount:       leaves,
		DirtyCollectionCount: colls,
	}
	msg, err := protocol.UpdateJSON(jsonv.Compact(doc), meta)
	if err != nil {
		glog.Errorf("[replica] encode rev %d: %v", rev, err)
		return
	}
	r.sent[rev] = doc.Clone()
	r.lastSent = doc
	if err := r.sender.Send(msg); err != nil {
		glog.Warningf("[replica] send rev %d: %v", rev, err)
	}
}

func (r *Replica) SetText(ptr, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.state.SetText(ptr, text); err != nil {
		return err
	}
	r.edited(protocol.ReasonEdit, ptr)
	return nil
}

func (r *Replica) SetBool(ptr string, v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.state.SetBool(ptr, v); err != nil {
		return err
	}
	r.edited(protocol.ReasonEdit, ptr)
	return nil
}

func (r *Replica) SetEnum(ptr string, i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.state.SetEnum(ptr, i); err != nil {
		return err
	}
	r.edited(protocol.ReasonEdit, ptr)
	return nil
}

func (r *Replica) SetValue(ptr string, v *jsonv.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.state.SetValue(ptr, v); err != nil {
		return err
	}
	r.edited(protocol.ReasonEdit, ptr)
	return nil
}

func (r *Replica) Unset(ptr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.state.Unset(ptr); err != nil {
		return err
	}
	r.edited(protocol.ReasonEdit, ptr)
	return nil
}

func (r *Replica) AddItem(ptr string) (pointer.Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.state.AddItem(ptr)
	if err != nil {
		return nil, err
	}
	r.edited(protocol.ReasonAddItem, p.String())
	return p, nil
}

func (r *Replica) RemoveItem(ptr string, i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.RemoveItem(ptr, i); err != nil {
		return err
	}
	r.edited(protocol.ReasonRemoveItem, ptr)
	return nil
}

func (r *Replica) MoveItem(ptr string, from, to int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.MoveItem(ptr, from, to); err != nil {
		return err
	}
	r.edited(protocol.ReasonMoveItem, ptr)
	return nil
}

func (r *Replica) AddEntry(ptr, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.state.AddEntry(ptr, key)
	if err != nil {
		return "", err
	}
	r.edited(protocol.ReasonAddEntry, e.Node.Pointer.String())
	return e.Key, nil
}

func (r *Replica) RemoveEntry(ptr, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.RemoveEntry(ptr, key); err != nil {
		return err
	}
	r.edited(protocol.ReasonRemoveEntry, ptr)
	return nil
}

func (r *Replica) RenameKey(ptr, oldKey, newKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.state.RenameKey(ptr, oldKey, newKey)
	if err != nil {
		return err
	}
	if r.focus != nil && r.focus.onKey {
		r.focus.ptr = e.Node.Pointer.String()
	}
	r.edited(protocol.ReasonRenameKey, e.Node.Pointer.String())
	return nil
}

func (r *Replica) SelectVariant(ptr string, i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.SelectVariant(ptr, i); err != nil {
		return err
	}
	r.edited(protocol.ReasonSelectVariant, ptr)
	return nil
}

// SearchSchemas asks the owner for catalog entries; results arrive through
// OnSchemas.
func (r *Replica) SearchSchemas(query string) error {
	return r.sender.Send(protocol.SearchSchemas(query))
}

// RequestSchema asks the owner to bind the form to url.
func (r *Replica) RequestSchema(url string) error {
	return r.sender.Send(protocol.RequestSchema(url))
}

// Inspect runs fn with the form state locked, for rendering and tests.
func (r *Replica) Inspect(fn func(*form.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

// Base returns a copy of the agreed document.
func (r *Replica) Base() *jsonv.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Base()
}

func (r *Replica) Source() protocol.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// SchemaURL names the bound schema, empty while the form is inferred from
// the document.
func (r *Replica) SchemaURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema
}

func (r *Replica) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Pending reports writes that are sent but unacknowledged, or still
// waiting for the send timer.
func (r *Replica) Pending() bool {
	return r.seq.Pending() || r.debouncer.Pending(sendKey)
}

func (r *Replica) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}
