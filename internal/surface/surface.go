// Package surface abstracts the text document the owner is bound to. A
// Surface holds the authoritative JSON text, accepts whole-text writes and
// reports every change, including the surface's own writes, on a feed.
package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

var (
	ErrReadOnly = errors.New("surface is read-only")
	ErrClosed   = errors.New("surface is closed")
	ErrNotFound = errors.New("document not found")
)

type Snapshot struct {
	Text    string
	Version int64
}

// Change is one observed modification of the text.
type Change struct {
	ID      ulid.ULID
	Text    string
	Version int64
	At      time.Time
}

type Surface interface {
	Source() protocol.Source
	Read(ctx context.Context) (Snapshot, error)
	// Write replaces the whole text and returns the new version.
	Write(ctx context.Context, text string) (int64, error)
	Changes() <-chan Change
	Close() error
}

const feedBuffer = 64

// feed delivers changes without ever blocking the writer. When the
// consumer falls behind the oldest pending change is dropped; consumers
// re-read the surface before acting on a change.
type feed struct {
	name string

	mu     sync.Mutex
	ch     chan Change
	closed bool
	last   int64
}

func newFeed(name string) *feed {
	return &feed{name: name, ch: make(chan Change, feedBuffer)}
}

func (f *feed) Changes() <-chan Change { return f.ch }

// emit publishes a change unless its version was already reported.
func (f *feed) emit(text string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (version != 0 && version <= f.last) {
		return
	}
	if version > f.last {
		f.last = version
	}
	c := Change{ID: ulid.Make(), Text: text, Version: version, At: time.Now()}
	for {
		select {
		case f.ch <- c:
			glog.V(2).Infof("[surface] %s changed, version %d", f.name, version)
			return
		default:
		}
		select {
		case dropped := <-f.ch:
			glog.Warningf("[surface] %s: feed full, dropped change %s", f.name, dropped.ID)
		default:
		}
	}
}

// seen reports the highest version already emitted.
func (f *feed) seen() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *feed) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	close(f.ch)
	return true
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
