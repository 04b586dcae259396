package owner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/jqknono/general-settings-ui/internal/surface"
)

type Opener interface {
	Open(ctx context.Context, uri string) (surface.Surface, error)
}

// Registry owns one Binding per document URI.
type Registry struct {
	opener Opener
	opts   Options

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewRegistry(opener Opener, opts Options) *Registry {
	return &Registry{opener: opener, opts: opts, bindings: map[string]*Binding{}}
}

// Open returns the binding for uri, opening its surface on first use.
func (r *Registry) Open(ctx context.Context, uri string) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[uri]; ok {
		return b, nil
	}
	s, err := r.opener.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	b := newBinding(uri, s, r.opts)
	r.bindings[uri] = b
	glog.Infof("[owner] binding %s opened for %s. Total bindings: %d", b.ID, uri, len(r.bindings))
	return b, nil
}

func (r *Registry) Get(uri string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[uri]
	return b, ok
}

func (r *Registry) Close(uri string) error {
	r.mu.Lock()
	b, ok := r.bindings[uri]
	delete(r.bindings, uri)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Close()
}

func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		all = append(all, b)
	}
	r.bindings = map[string]*Binding{}
	r.mu.Unlock()
	for _, b := range all {
		if err := b.Close(); err != nil {
			glog.Warningf("[owner] close %s: %v", b.URI, err)
		}
	}
}

// Stats lists every binding's counters sorted by URI.
func (r *Registry) Stats() []StatsSnapshot {
	r.mu.Lock()
	out := make([]StatsSnapshot, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Stats())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
