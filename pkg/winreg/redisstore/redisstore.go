// Package redisstore implements winreg.Store on Redis. Values live in plain
// string keys, the window id counter uses INCR, and every write is followed
// by a PUBLISH on "<key>:events" carrying the writer's participant id so
// subscribers can drop their own echoes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/json"
	"github.com/nmxmxh/tangled/pkg/redis"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// event is the notification frame published after each write.
type event struct {
	Writer string `json:"writer"`
	Value  []byte `json:"value"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNamespace prefixes every key and channel.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.keys = redis.NewKeyBuilder(ns) }
}

// Store is one participant backed by a Redis connection.
type Store struct {
	client *goredis.Client
	owned  bool
	keys   *redis.KeyBuilder
	writer string
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*goredis.PubSub]struct{}
	wg     sync.WaitGroup
}

var _ winreg.Store = (*Store)(nil)

// New wraps an existing client. Close does not close the client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   redis.NewKeyBuilder(redis.DefaultNamespace),
		writer: uuid.New().String(),
		log:    zap.NewNop(),
		subs:   make(map[*goredis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("module", "redisstore"), zap.String("writer", s.writer))
	return s
}

// Dial connects with cfg and returns a Store that owns the connection.
func Dial(cfg redis.Config, log *zap.Logger, opts ...Option) (*Store, error) {
	c, err := redis.NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	s := New(c.Client, append([]Option{WithLogger(log)}, opts...)...)
	s.owned = true
	return s, nil
}

// Writer returns this participant's id.
func (s *Store) Writer() string { return s.writer }

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Load implements winreg.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, winreg.ErrClosed
	}
	v, err := s.client.Get(ctx, s.keys.Value(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Publish implements winreg.Store.
func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	frame, err := json.Marshal(event{Writer: s.writer, Value: value})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.keys.Value(key), value, 0)
		p.Publish(ctx, s.keys.Events(key), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

// Delete implements winreg.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	frame, err := json.Marshal(event{Writer: s.writer})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.keys.Value(key))
		p.Publish(ctx, s.keys.Events(key), frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Incr implements winreg.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s.isClosed() {
		return 0, winreg.ErrClosed
	}
	n, err := s.client.Incr(ctx, s.keys.Value(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Subscribe implements winreg.Store. It returns once Redis has confirmed
// the subscription.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, winreg.ErrClosed
	}
	s.mu.Unlock()

	ctx := context.Background()
	ps := s.client.Subscribe(ctx, s.keys.Events(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return nil, winreg.ErrClosed
	}
	s.subs[ps] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.listen(key, ps, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ps)
			s.mu.Unlock()
			if err := ps.Close(); err != nil {
				s.log.Debug("close subscription", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (s *Store) listen(key string, ps *goredis.PubSub, fn func([]byte)) {
	defer s.wg.Done()
	for msg := range ps.Channel() {
		var ev event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.log.Warn("dropping malformed event", zap.String("key", key), zap.Error(err))
			continue
		}
		if ev.Writer == s.writer {
			continue
		}
		fn(ev.Value)
	}
}

// Close implements winreg.Store. It ends every subscription and, for stores
// created by Dial, closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	if s.owned {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
