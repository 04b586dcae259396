package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

const (
	pgChannel = "settings_ui_documents"
	pgSchema  = `
CREATE TABLE IF NOT EXISTS settings_documents (
    name TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
)

// PostgresStore keeps documents in a table and announces every write with
// NOTIFY, so surfaces in other processes see it without polling.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) get(ctx context.Context, name string) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT text, version FROM settings_documents WHERE name = $1`, name,
	).Scan(&snap.Text, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: postgres:%s", ErrNotFound, name)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return snap, nil
}

// Put upserts text and notifies listeners in the same transaction.
func (s *PostgresStore) Put(ctx context.Context, name, text string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `
		INSERT INTO settings_documents (name, text, version) VALUES ($1, $2, 1)
		ON CONFLICT (name) DO UPDATE SET
			text = EXCLUDED.text,
			version = settings_documents.version + 1,
			updated_at = now()
		RETURNING version`, name, text,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, name); err != nil {
		return 0, fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) Surface(ctx context.Context, name string, create bool) (*Postgres, error) {
	snap, err := s.get(ctx, name)
	if errors.Is(err, ErrNotFound) && create {
		if _, err = s.Put(ctx, name, "{}\n"); err == nil {
			snap, err = s.get(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	p := &Postgres{feed: newFeed("postgres:" + name), store: s, name: name, done: make(chan struct{})}
	p.last = snap.Version
	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.listen(listenCtx, conn)
	return p, nil
}

type Postgres struct {
	*feed
	store *PostgresStore
	name  string

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(p.done)
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				glog.Warningf("[surface] postgres:%s listener stopped: %v", p.name, err)
			}
			return
		}
		if n.Payload != p.name {
			continue
		}
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snap, err := p.store.get(readCtx, p.name)
		cancel()
		if err != nil {
			glog.Warningf("[surface] postgres:%s: %v", p.name, err)
			continue
		}
		p.emit(snap.Text, snap.Version)
	}
}

func (p *Postgres) Source() protocol.Source {
	return protocol.Source{URI: "postgres:" + p.name}
}

func (p *Postgres) Read(ctx context.Context) (Snapshot, error) {
	if p.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return p.store.get(ctx, p.name)
}

func (p *Postgres) Write(ctx context.Context, text string) (int64, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	v, err := p.store.Put(ctx, p.name, text)
	if err != nil {
		return 0, err
	}
	p.emit(text, v)
	return v, nil
}

func (p *Postgres) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		p.close()
	})
	return nil
}
