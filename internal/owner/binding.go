// Package owner is the document side of the sync channel. A Binding ties
// one text surface to at most one form session and serializes everything
// that touches the surface through a single queue goroutine.
package owner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/jqknono/general-settings-ui/internal/debounce"
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/revision"
	"github.com/jqknono/general-settings-ui/internal/schema"
	"github.com/jqknono/general-settings-ui/internal/surface"
)

const (
	schemaField = "$schema"

	forwardKey = "forward"
	searchKey  = "search"
)

// Peer is the form session connected to a binding.
type Peer interface {
	Send(protocol.Message) error
	Close() error
}

type Options struct {
	Retriever schema.Retriever
	Compiler  schema.Compiler
	Clock     debounce.Clock

	// EchoWindow is how long a text the owner wrote is recognised as its
	// own echo.
	EchoWindow time.Duration
	// ForwardDelay coalesces outside edits before they are sent on.
	ForwardDelay time.Duration
	SearchDelay  time.Duration
	// Indent is used when the current text has no indentation to copy.
	Indent string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = debounce.RealClock{}
	}
	if o.Compiler == nil {
		o.Compiler = schema.NewGenerator()
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = 3 * time.Second
	}
	if o.ForwardDelay <= 0 {
		o.ForwardDelay = time.Second
	}
	if o.SearchDelay <= 0 {
		o.SearchDelay = 300 * time.Millisecond
	}
	if o.Indent == "" {
		o.Indent = "  "
	}
	return o
}

// Stats counts what a binding did. Fields are updated atomically.
type Stats struct {
	Writes      atomic.Int64
	Noops       atomic.Int64
	Stale       atomic.Int64
	Rejected    atomic.Int64
	Echoes      atomic.Int64
	Forwards    atomic.Int64
	ParseErrors atomic.Int64
}

type StatsSnapshot struct {
	URI         string `json:"uri"`
	Attached    bool   `json:"attached"`
	Writes      int64  `json:"writes"`
	Noops       int64  `json:"noops"`
	Stale       int64  `json:"stale"`
	Rejected    int64  `json:"rejected"`
	Echoes      int64  `json:"echoesSuppressed"`
	Forwards    int64  `json:"forwards"`
	ParseErrors int64  `json:"parseErrors"`
}

type job struct {
	fn   func()
	done chan struct{}
}

type Binding struct {
	ID  ulid.ULID
	URI string

	surface   surface.Surface
	opts      Options
	guard     revision.Guard
	debouncer *debounce.Debouncer
	stats     Stats
	attached  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// owned by the queue goroutine
	peer      Peer
	echoText  string
	echoAt    time.Time
	schemaURL string
	// docSchema is the $schema last seen in the document; explicit is set
	// while the bound schema was chosen by the form instead.
	docSchema string
	explicit  bool
}

func newBinding(uri string, s surface.Surface, opts Options) *Binding {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		ID:        ulid.Make(),
		URI:       uri,
		surface:   s,
		opts:      opts,
		debouncer: debounce.New(opts.Clock),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(chan job, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// run is the binding's queue. Surface changes that are already waiting are
// taken before each job, so a job sees every change emitted before it was
// queued.
func (b *Binding) run() {
	defer close(b.done)
	changes := b.surface.Changes()
	for {
		select {
		case j := <-b.jobs:
			changes = b.drain(changes)
			j.fn()
			if j.done != nil {
				close(j.done)
			}
		case c, ok := <-changes:
			if !ok {
				changes = nil
				glog.Warningf("[owner] %s: surface change feed closed", b.URI)
				continue
			}
			b.onChange(c)
		case <-b.quit:
			return
		}
	}
}

func (b *Binding) drain(changes <-chan surface.Change) <-chan surface.Change {
	for changes != nil {
		select {
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			b.onChange(c)
		default:
			return changes
		}
	}
	return nil
}

func (b *Binding) enqueue(fn func(), done chan struct{}) bool {
	select {
	case b.jobs <- job{fn: fn, done: done}:
		return true
	case <-b.quit:
		return false
	}
}

// Do runs fn on the queue and waits for it.
func (b *Binding) Do(fn func()) {
	done := make(chan struct{})
	if b.enqueue(fn, done) {
		select {
		case <-done:
		case <-b.done:
		}
	}
}

// Flush waits until every queued job and every change already emitted by
// the surface has been handled.
func (b *Binding) Flush() { b.Do(func() {}) }

// Attach makes p the binding's form session. A previously attached peer is
// told it was replaced and closed.
func (b *Binding) Attach(p Peer) {
	b.Do(func() {
		if b.peer != nil && b.peer != p {
			old := b.peer
			if err := old.Send(protocol.ShowError("session replaced by another form")); err != nil {
				glog.V(1).Infof("[owner] %s: notify replaced peer: %v", b.URI, err)
			}
			old.Close()
			glog.Infof("[owner] %s: peer replaced", b.URI)
		}
		b.peer = p
		b.attached.Store(true)
		glog.Infof("[owner] %s: peer attached", b.URI)
	})
}

func (b *Binding) Detach(p Peer) {
	b.enqueue(func() {
		if b.peer != p {
			return
		}
		b.peer = nil
		b.attached.Store(false)
		b.debouncer.Cancel(searchKey)
		glog.Infof("[owner] %s: peer detached", b.URI)
	}, nil)
}

// Deliver queues a message from p without waiting. Messages from one peer
// are handled in the order delivered.
func (b *Binding) Deliver(p Peer, m protocol.Message) {
	b.enqueue(func() { b.handle(p, m) }, nil)
}

// Handle queues a message from p and waits until it was handled.
func (b *Binding) Handle(p Peer, m protocol.Message) {
	b.Do(func() { b.handle(p, m) })
}

func (b *Binding) handle(p Peer, m protocol.Message) {
	if p != b.peer {
		glog.V(1).Infof("[owner] %s: dropping %s from detached peer", b.URI, m.Type)
		return
	}
	glog.V(2).Infof("[owner] %s: received %s", b.URI, m.Type)
	switch m.Type {
	case protocol.TypeReady:
		b.onReady(m.SessionID)
	case protocol.TypeUpdateJSON:
		b.onUpdate(m)
	case protocol.TypeRequestSchema:
		if b.loadSchema(m.SchemaURL) {
			b.explicit = true
		}
	case protocol.TypeSearchSchemas:
		b.onSearch(m.Query)
	default:
		glog.Warningf("[owner] %s: unexpected message %q", b.URI, m.Type)
	}
}

func (b *Binding) send(m protocol.Message) {
	if b.peer == nil {
		return
	}
	if err := b.peer.Send(m); err != nil {
		glog.Warningf("[owner] %s: send %s: %v", b.URI, m.Type, err)
	}
}

func (b *Binding) onReady(session string) {
	glog.Infof("[owner] %s: form session %s ready", b.URI, session)
	b.send(protocol.BoundSource(b.surface.Source()))

	doc, ok := b.readDocument()
	if !ok {
		return
	}
	b.bindSchema(doc, true)
	b.send(protocol.LoadJSON(jsonv.Compact(doc)))
}

// readDocument reads and parses the surface, telling the form when that
// fails. Blank text reads as an empty object.
func (b *Binding) readDocument() (*jsonv.Value, bool) {
	snap, err := b.surface.Read(b.ctx)
	if err != nil {
		glog.Errorf("[owner] %s: read failed: %v", b.URI, err)
		b.send(protocol.ShowError(fmt.Sprintf("document unavailable: %v", err)))
		return nil, false
	}
	doc, err := parseText(snap.Text)
	if err != nil {
		b.stats.ParseErrors.Add(1)
		glog.Errorf("[owner] %s: %v", b.URI, err)
		b.send(protocol.ShowError(fmt.Sprintf("document is not valid JSON: %v", err)))
		return nil, false
	}
	return doc, true
}

func parseText(text string) (*jsonv.Value, error) {
	if strings.TrimSpace(text) == "" {
		return jsonv.NewObject(), nil
	}
	return jsonv.ParseString(text)
}

func (b *Binding) onUpdate(m protocol.Message) {
	meta, err := m.WriteMeta()
	if err != nil {
		glog.Warningf("[owner] %s: %v", b.URI, err)
		return
	}
	ack := protocol.AckMeta{Rev: meta.Rev, SessionID: meta.SessionID, URI: b.surface.Source().URI}

	if !b.guard.Admit(meta.SessionID, meta.Rev) {
		b.stats.Stale.Add(1)
		glog.V(1).Infof("[owner] %s: stale rev %d from %s", b.URI, meta.Rev, meta.SessionID)
		ack.Reason = protocol.ReasonStaleRev
		b.send(protocol.UpdateJSONAck(ack))
		return
	}

	doc, err := jsonv.Parse(m.JSON)
	if err != nil {
		glog.Warningf("[owner] %s: rev %d carries invalid JSON: %v", b.URI, meta.Rev, err)
		ack.Reason = protocol.ReasonInvalidJSON
		b.send(protocol.UpdateJSONAck(ack))
		return
	}

	snap, err := b.surface.Read(b.ctx)
	if err != nil {
		b.reject(ack, err)
		return
	}
	if cur, err := parseText(snap.Text); err == nil {
		changes, err := jsonv.Diff(cur, doc)
		switch {
		case err != nil:
			glog.Warningf("[owner] %s: rev %d: %v; writing it whole", b.URI, meta.Rev, err)
		case len(changes) == 0:
			b.guard.Applied(meta.SessionID, meta.Rev)
			b.stats.Noops.Add(1)
			ack.OK, ack.Noop, ack.Version = true, true, snap.Version
			glog.V(1).Infof("[owner] %s: rev %d is a no-op", b.URI, meta.Rev)
			b.send(protocol.UpdateJSONAck(ack))
			return
		default:
			glog.V(1).Infof("[owner] %s: rev %d (%s, hint %q) changes %s",
				b.URI, meta.Rev, meta.Reason, meta.HintPath, changedPaths(changes))
		}
	}

	indent, newline := jsonv.DetectIndent(snap.Text, b.opts.Indent)
	text := string(jsonv.Format(doc, indent))
	if newline || strings.TrimSpace(snap.Text) == "" {
		text += "\n"
	}

	b.echoText, b.echoAt = text, b.opts.Clock.Now()
	version, err := b.surface.Write(b.ctx, text)
	if err != nil {
		b.echoText = ""
		b.reject(ack, err)
		return
	}
	b.guard.Applied(meta.SessionID, meta.Rev)
	b.stats.Writes.Add(1)
	ack.OK, ack.Version = true, version
	b.send(protocol.UpdateJSONAck(ack))

	// a changed $schema from the form rebinds without a round trip
	b.bindSchema(doc, false)
}

func changedPaths(changes []jsonv.Change) string {
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Op + " " + c.Path
	}
	return strings.Join(paths, ", ")
}

func (b *Binding) reject(ack protocol.AckMeta, err error) {
	b.stats.Rejected.Add(1)
	ack.Reason = protocol.ReasonUnavailable
	if errors.Is(err, surface.ErrReadOnly) {
		ack.Reason = protocol.ReasonReadOnly
	}
	glog.Errorf("[owner] %s: write rev %d rejected: %v", b.URI, ack.Rev, err)
	b.send(protocol.UpdateJSONAck(ack))
	b.send(protocol.ShowError(fmt.Sprintf("write rejected: %v", err)))
}

// onChange sees every surface change. The owner's own writes come back
// here and are dropped while they are inside the echo window.
func (b *Binding) onChange(c surface.Change) {
	if b.echoText != "" && c.Text == b.echoText && b.opts.Clock.Now().Sub(b.echoAt) <= b.opts.EchoWindow {
		b.echoText = ""
		b.stats.Echoes.Add(1)
		glog.V(1).Infof("[owner] %s: suppressed echo of version %d", b.URI, c.Version)
		return
	}
	glog.V(2).Infof("[owner] %s: outside edit %s, version %d", b.URI, c.ID, c.Version)
	b.debouncer.Arm(forwardKey, b.opts.ForwardDelay, func() {
		b.enqueue(b.forward, nil)
	})
}

// forward sends the current text to the form after a burst of outside
// edits settled, recompiling the schema first when $schema changed.
func (b *Binding) forward() {
	if b.peer == nil {
		return
	}
	doc, ok := b.readDocument()
	if !ok {
		return
	}
	b.bindSchema(doc, false)
	b.stats.Forwards.Add(1)
	glog.V(1).Infof("[owner] %s: forwarding outside edit", b.URI)
	b.send(protocol.LoadJSON(jsonv.Compact(doc)))
}

func schemaURLOf(doc *jsonv.Value) string {
	if doc == nil {
		return ""
	}
	v, ok := doc.Field(schemaField)
	if !ok || v.Kind() != jsonv.String {
		return ""
	}
	return v.Str()
}

// bindSchema follows the document's $schema when it changes. With force
// the current schema is sent even when nothing changed. A schema the form
// chose explicitly stays bound while the document names none.
func (b *Binding) bindSchema(doc *jsonv.Value, force bool) {
	url := schemaURLOf(doc)
	if url == b.docSchema && !force {
		return
	}
	b.docSchema = url
	if url == "" {
		switch {
		case b.explicit && b.schemaURL != "":
			if force {
				b.loadSchema(b.schemaURL)
			}
		case b.schemaURL != "":
			b.schemaURL = ""
			b.send(protocol.LoadSchema("", nil, nil))
		}
		return
	}
	if b.loadSchema(url) {
		b.explicit = false
	}
}

// loadSchema fetches and compiles url and sends the result to the form. It
// reports whether the schema is now bound.
func (b *Binding) loadSchema(url string) bool {
	if b.opts.Retriever == nil {
		b.send(protocol.ShowError("no schema source configured"))
		return false
	}
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	doc, err := b.opts.Retriever.GetSchema(ctx, url)
	if err != nil {
		glog.Warningf("[owner] %s: schema %s: %v", b.URI, url, err)
		b.send(protocol.ShowError(fmt.Sprintf("failed to load schema %s: %v", url, err)))
		return false
	}
	form, err := b.opts.Compiler.GenerateForm(doc)
	if err != nil {
		glog.Warningf("[owner] %s: compile %s: %v", b.URI, url, err)
		b.send(protocol.ShowError(fmt.Sprintf("failed to compile schema %s: %v", url, err)))
		return false
	}
	if form.SchemaURL == "" {
		form.SchemaURL = url
	}
	markup, err := form.Markup()
	if err != nil {
		glog.Errorf("[owner] %s: markup: %v", b.URI, err)
		return false
	}
	b.schemaURL = url
	glog.Infof("[owner] %s: bound schema %s", b.URI, url)
	b.send(protocol.LoadSchema(url, jsonv.Compact(doc), markup))
	return true
}

func (b *Binding) onSearch(query string) {
	if b.opts.Retriever == nil {
		b.send(protocol.SchemaList(nil))
		return
	}
	b.debouncer.Arm(searchKey, b.opts.SearchDelay, func() {
		b.enqueue(func() {
			ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
			defer cancel()
			infos, err := b.opts.Retriever.SearchSchemas(ctx, query)
			if err != nil {
				glog.Warningf("[owner] %s: search %q: %v", b.URI, query, err)
				b.send(protocol.ShowError(fmt.Sprintf("schema search failed: %v", err)))
				return
			}
			b.send(protocol.SchemaList(infos))
		}, nil)
	})
}

func (b *Binding) Stats() StatsSnapshot {
	return StatsSnapshot{
		URI:         b.URI,
		Attached:    b.attached.Load(),
		Writes:      b.stats.Writes.Load(),
		Noops:       b.stats.Noops.Load(),
		Stale:       b.stats.Stale.Load(),
		Rejected:    b.stats.Rejected.Load(),
		Echoes:      b.stats.Echoes.Load(),
		Forwards:    b.stats.Forwards.Load(),
		ParseErrors: b.stats.ParseErrors.Load(),
	}
}

// Close stops the queue and closes the surface. The attached peer, if any,
// is left to the transport.
func (b *Binding) Close() error {
	var err error
	b.once.Do(func() {
		b.debouncer.Stop()
		close(b.quit)
		<-b.done
		b.cancel()
		err = b.surface.Close()
		glog.Infof("[owner] %s: binding closed", b.URI)
	})
	return err
}
