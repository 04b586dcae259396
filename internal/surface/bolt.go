package surface

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

var (
	boltTexts    = []byte("documents")
	boltVersions = []byte("versions")
)

// BoltStore keeps documents in a bbolt file. bbolt allows one process per
// file, so every writer goes through the store and open surfaces are told
// about each other's writes directly.
type BoltStore struct {
	db *bolt.DB

	mu   sync.Mutex
	open map[string][]*Bolt
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltTexts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltVersions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db, open: map[string][]*Bolt{}}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(name string) (Snapshot, bool, error) {
	var snap Snapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		text := tx.Bucket(boltTexts).Get([]byte(name))
		if text == nil {
			return nil
		}
		found = true
		snap.Text = string(text)
		if v := tx.Bucket(boltVersions).Get([]byte(name)); len(v) == 8 {
			snap.Version = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return snap, found, err
}

// Put stores text under name, bumps its version and notifies open surfaces.
func (s *BoltStore) Put(name, text string) (int64, error) {
	var version int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(boltVersions)
		if v := vb.Get([]byte(name)); len(v) == 8 {
			version = int64(binary.BigEndian.Uint64(v))
		}
		version++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(version))
		if err := vb.Put([]byte(name), buf); err != nil {
			return err
		}
		return tx.Bucket(boltTexts).Put([]byte(name), []byte(text))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", name, err)
	}

	s.mu.Lock()
	open := append([]*Bolt(nil), s.open[name]...)
	s.mu.Unlock()
	for _, b := range open {
		b.emit(text, version)
	}
	return version, nil
}

// Surface opens the document name. It must already exist unless create is
// set, in which case it starts as an empty object.
func (s *BoltStore) Surface(name string, create bool) (*Bolt, error) {
	_, found, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if !found {
		if !create {
			return nil, fmt.Errorf("%w: bolt:%s", ErrNotFound, name)
		}
		if _, err := s.Put(name, "{}\n"); err != nil {
			return nil, err
		}
	}
	b := &Bolt{feed: newFeed("bolt:" + name), store: s, name: name}
	snap, _, _ := s.get(name)
	b.last = snap.Version

	s.mu.Lock()
	s.open[name] = append(s.open[name], b)
	s.mu.Unlock()
	return b, nil
}

func (s *BoltStore) release(b *Bolt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.open[b.name]
	for i, x := range list {
		if x == b {
			s.open[b.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.open[b.name]) == 0 {
		delete(s.open, b.name)
	}
}

// Bolt is one open document of a BoltStore.
type Bolt struct {
	*feed
	store *BoltStore
	name  string
}

func (b *Bolt) Source() protocol.Source {
	return protocol.Source{URI: "bolt:" + b.name}
}

func (b *Bolt) Read(context.Context) (Snapshot, error) {
	if b.isClosed() {
		return Snapshot{}, ErrClosed
	}
	snap, found, err := b.store.get(b.name)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, fmt.Errorf("%w: bolt:%s", ErrNotFound, b.name)
	}
	return snap, nil
}

func (b *Bolt) Write(_ context.Context, text string) (int64, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	return b.store.Put(b.name, text)
}

func (b *Bolt) Close() error {
	if b.close() {
		b.store.release(b)
	}
	return nil
}
