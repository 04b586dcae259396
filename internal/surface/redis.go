package surface

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

const redisPrefix = "settings-ui:doc:"

// RedisStore keeps each document's text and version under two keys and
// publishes the new version on the document's channel after every write.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKeys(name string) (text, version, channel string) {
	base := redisPrefix + name
	return base, base + ":version", base
}

func (s *RedisStore) get(ctx context.Context, name string) (Snapshot, error) {
	textKey, versionKey, _ := redisKeys(name)
	vals, err := s.rdb.MGet(ctx, textKey, versionKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	text, ok := vals[0].(string)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: redis:%s", ErrNotFound, name)
	}
	snap := Snapshot{Text: text}
	if v, ok := vals[1].(string); ok {
		snap.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	return snap, nil
}

// Put stores text, bumps the version and publishes it.
func (s *RedisStore) Put(ctx context.Context, name, text string) (int64, error) {
	textKey, versionKey, channel := redisKeys(name)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, textKey, text, 0)
		incr = pipe.Incr(ctx, versionKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", name, err)
	}
	version := incr.Val()
	if err := s.rdb.Publish(ctx, channel, version).Err(); err != nil {
		glog.Warningf("[surface] publish redis:%s: %v", name, err)
	}
	return version, nil
}

func (s *RedisStore) Surface(ctx context.Context, name string, create bool) (*Redis, error) {
	snap, err := s.get(ctx, name)
	if errors.Is(err, ErrNotFound) && create {
		if _, err = s.Put(ctx, name, "{}\n"); err == nil {
			snap, err = s.get(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}

	_, _, channel := redisKeys(name)
	pubsub := s.rdb.Subscribe(ctx, channel)
	// wait for the subscription to be confirmed before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}

	r := &Redis{feed: newFeed("redis:" + name), store: s, name: name, pubsub: pubsub, done: make(chan struct{})}
	r.last = snap.Version
	go r.relay(pubsub.Channel())
	return r, nil
}

type Redis struct {
	*feed
	store  *RedisStore
	name   string
	pubsub *redis.PubSub

	closeOnce sync.Once
	done      chan struct{}
}

// relay turns published versions into changes, as the sync server relays
// document messages from Redis to its clients.
func (r *Redis) relay(msgs <-chan *redis.Message) {
	defer close(r.done)
	for msg := range msgs {
		version, err := strconv.ParseInt(msg.Payload, 10, 64)
		if err != nil || version <= r.seen() {
			continue
		}
		snap, err := r.store.get(context.Background(), r.name)
		if err != nil {
			glog.Warningf("[surface] redis:%s: %v", r.name, err)
			continue
		}
		r.emit(snap.Text, snap.Version)
	}
}

func (r *Redis) Source() protocol.Source {
	return protocol.Source{URI: "redis:" + r.name}
}

func (r *Redis) Read(ctx context.Context) (Snapshot, error) {
	if r.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return r.store.get(ctx, r.name)
}

func (r *Redis) Write(ctx context.Context, text string) (int64, error) {
	if r.isClosed() {
		return 0, ErrClosed
	}
	v, err := r.store.Put(ctx, r.name, text)
	if err != nil {
		return 0, err
	}
	r.emit(text, v)
	return v, nil
}

func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.pubsub.Close()
		<-r.done
		r.close()
	})
	return nil
}
