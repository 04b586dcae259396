package surface

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    name TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// SQLiteStore keeps documents in a SQLite table. Other processes may write
// the same file; open surfaces notice by polling the version column.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn, a file path or ":memory:".
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, name string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT text, version FROM documents WHERE name = ?`, name,
	).Scan(&snap.Text, &snap.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: sqlite:%s", ErrNotFound, name)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return snap, nil
}

// Put upserts text under name and returns the new version.
func (s *SQLiteStore) Put(ctx context.Context, name, text string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (name, text, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			text = excluded.text,
			version = documents.version + 1,
			updated_at = excluded.updated_at
		RETURNING version`,
		name, text, time.Now().UnixMilli(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", name, err)
	}
	return version, nil
}

// Surface opens the document name, creating an empty object when create is
// set. Outside writes are picked up every poll interval.
func (s *SQLiteStore) Surface(ctx context.Context, name string, create bool, poll time.Duration) (*SQLite, error) {
	snap, err := s.get(ctx, name)
	if errors.Is(err, ErrNotFound) && create {
		_, err = s.Put(ctx, name, "{}\n")
		if err == nil {
			snap, err = s.get(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}
	sc := &SQLite{feed: newFeed("sqlite:" + name), store: s, name: name, done: make(chan struct{})}
	sc.last = snap.Version

	watchCtx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	if poll > 0 {
		go sc.watch(watchCtx, poll)
	} else {
		close(sc.done)
	}
	return sc, nil
}

type SQLite struct {
	*feed
	store *SQLiteStore
	name  string

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *SQLite) Source() protocol.Source {
	return protocol.Source{URI: "sqlite:" + s.name}
}

func (s *SQLite) Read(ctx context.Context) (Snapshot, error) {
	if s.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return s.store.get(ctx, s.name)
}

func (s *SQLite) Write(ctx context.Context, text string) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	v, err := s.store.Put(ctx, s.name, text)
	if err != nil {
		return 0, err
	}
	s.emit(text, v)
	return v, nil
}

// Poll checks the version once and emits a change when it moved.
func (s *SQLite) Poll(ctx context.Context) error {
	snap, err := s.store.get(ctx, s.name)
	if err != nil {
		return err
	}
	if snap.Version > s.seen() {
		s.emit(snap.Text, snap.Version)
	}
	return nil
}

func (s *SQLite) watch(ctx context.Context, every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				glog.Warningf("[surface] poll sqlite:%s: %v", s.name, err)
			}
		}
	}
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.close()
	})
	return nil
}
