package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
)

// Opener resolves document URIs of the form scheme:name to surfaces. A
// scheme is available when its backend is configured:
//
//	mem:     always
//	file:    FS
//	bolt:    Bolt
//	sqlite:  SQLite
//	postgres: Postgres
//	redis:   Redis
type Opener struct {
	FS       hackpadfs.FS
	FSRoot   string
	ReadOnly bool
	Bolt     *BoltStore
	SQLite   *SQLiteStore
	Postgres *PostgresStore
	Redis    *RedisStore
	// Create makes missing store documents as an empty object.
	Create       bool
	PollInterval time.Duration

	mu  sync.Mutex
	mem map[string]*Memory
}

// Memory returns the named in-memory document, creating it with text when
// it does not exist yet.
func (o *Opener) Memory(name, text string) *Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mem == nil {
		o.mem = map[string]*Memory{}
	}
	m, ok := o.mem[name]
	if !ok || m.isClosed() {
		if ok {
			m.mu.Lock()
			text = m.text
			m.mu.Unlock()
		}
		m = NewMemory(name, text)
		o.mem[name] = m
	}
	return m
}

func (o *Opener) Open(ctx context.Context, uri string) (Surface, error) {
	scheme, name, ok := strings.Cut(uri, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: bad document uri %q", ErrNotFound, uri)
	}
	switch scheme {
	case "mem":
		return o.Memory(name, "{}\n"), nil
	case "file":
		if o.FS == nil {
			break
		}
		fsPath := ""
		if o.FSRoot != "" {
			fsPath = strings.TrimSuffix(o.FSRoot, "/") + "/" + strings.TrimPrefix(name, "/")
		}
		return NewFile(o.FS, name, FileOptions{ReadOnly: o.ReadOnly, FSPath: fsPath, PollInterval: o.PollInterval})
	case "bolt":
		if o.Bolt == nil {
			break
		}
		return o.Bolt.Surface(name, o.Create)
	case "sqlite":
		if o.SQLite == nil {
			break
		}
		return o.SQLite.Surface(ctx, name, o.Create, o.PollInterval)
	case "postgres":
		if o.Postgres == nil {
			break
		}
		return o.Postgres.Surface(ctx, name, o.Create)
	case "redis":
		if o.Redis == nil {
			break
		}
		return o.Redis.Surface(ctx, name, o.Create)
	}
	return nil, fmt.Errorf("%w: no backend for %q", ErrNotFound, uri)
}
