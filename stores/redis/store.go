// Package redis provides a tokensync.Store on top of Redis. Items live under
// a key prefix and every mutation is published on a channel so other
// processes sharing the server can react.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	ts "github.com/panyam/tokensync"
)

const (
	DefaultPrefix  = "tokensync:item:"
	DefaultChannel = "tokensync:changes"
)

// change is the message published for every mutation.
type change struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithChannel sets the pub/sub channel.
func WithChannel(channel string) Option {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store implements tokensync.Store using Redis strings and pub/sub.
type Store struct {
	rdb     goredis.UniversalClient
	prefix  string
	channel string
	origin  string
	logger  *slog.Logger

	mu       sync.Mutex
	pubsub   *goredis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
	watchers ts.Broadcaster[ts.StoreEvent]
}

// NewStore wraps an existing client. The caller owns the client.
func NewStore(rdb goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:     rdb,
		prefix:  DefaultPrefix,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin identifies this store in published changes.
func (s *Store) Origin() string {
	return s.origin
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	msg, err := json.Marshal(change{Origin: s.origin, Key: key, Value: value})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, 0)
		pipe.Publish(ctx, s.channel, msg)
		return nil
	})
	return err
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil || n == 0 {
		return err
	}
	msg, err := json.Marshal(change{Origin: s.origin, Key: key, Removed: true})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, msg).Err()
}

// Watch registers fn. The first call subscribes to the change channel and
// waits for the subscription to be confirmed, so writes made after Watch
// returns are never missed.
func (s *Store) Watch(fn func(ts.StoreEvent)) (unwatch func()) {
	unwatch = s.watchers.Subscribe(fn)
	if err := s.subscribe(); err != nil {
		s.logger.Error("redis.Store: subscribe failed", "channel", s.channel, "err", err)
	}
	return unwatch
}

func (s *Store) subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.Subscribe(ctx, s.channel)
	recvCtx, recvCancel := context.WithTimeout(ctx, 5*time.Second)
	defer recvCancel()
	if _, err := ps.Receive(recvCtx); err != nil {
		ps.Close()
		cancel()
		return err
	}

	s.pubsub, s.cancel, s.done = ps, cancel, make(chan struct{})
	go s.listen(ps.Channel(), s.done)
	return nil
}

func (s *Store) listen(msgs <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var c change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			s.logger.Warn("redis.Store: ignoring malformed change", "err", err)
			continue
		}
		if c.Origin == s.origin {
			continue
		}
		s.watchers.Notify(ts.StoreEvent{Key: c.Key, NewValue: c.Value, Removed: c.Removed, Origin: c.Origin})
	}
}

// Close ends the subscription. The client is left open.
func (s *Store) Close() error {
	s.mu.Lock()
	ps, cancel, done := s.pubsub, s.cancel, s.done
	s.pubsub = nil
	s.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	cancel()
	<-done
	return err
}
