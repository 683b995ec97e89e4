// Package wsstore implements winreg.Store as a websocket client of the
// tangled hub. The hub holds one backing participant per connection, so
// echo suppression happens server side.
//
// A dropped connection fails in-flight calls with ErrDisconnected and is
// re-dialled with exponential backoff. After reconnecting, every subscribed
// key is re-subscribed and its current value delivered, so nothing written
// during the outage is missed for long.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/json"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// ErrDisconnected is returned while the hub is unreachable.
var ErrDisconnected = errors.New("wsstore: disconnected")

// RemoteError is an error reported by the hub.
type RemoteError struct {
	Op      Op
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wsstore: %s: %s", e.Op, e.Message)
}

const (
	writeWait    = 10 * time.Second
	eventBacklog = 256
)

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

// WithHeader adds HTTP headers to the handshake.
func WithHeader(h http.Header) Option {
	return func(s *Store) { s.header = h }
}

// WithRequestTimeout bounds how long a call waits for its response.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReconnect sets the backoff bounds used after a dropped connection.
func WithReconnect(initial, max time.Duration) Option {
	return func(s *Store) {
		s.retryInitial = initial
		s.retryMax = max
	}
}

type subscription struct {
	fn func([]byte)
}

// Store is one participant connected to a hub.
type Store struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	log          *zap.Logger
	timeout      time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	events chan Frame
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	nextID  uint64
	pending map[uint64]chan Frame
	subs    map[string]map[*subscription]struct{}
}

var _ winreg.Store = (*Store)(nil)

// Dial connects to the hub at url. The first connection must succeed; later
// drops are retried in the background until Close.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	s := &Store{
		url:          url,
		dialer:       websocket.DefaultDialer,
		log:          zap.NewNop(),
		timeout:      5 * time.Second,
		retryInitial: 100 * time.Millisecond,
		retryMax:     5 * time.Second,
		events:       make(chan Frame, eventBacklog),
		pending:      make(map[uint64]chan Frame),
		subs:         make(map[string]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("module", "wsstore"), zap.String("url", url))

	conn, _, err := s.dialer.DialContext(ctx, url, s.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.run(conn)
	go s.deliver()
	return s, nil
}

// Connected reports whether the hub connection is currently up.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Store) run(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		err := s.read(conn)
		s.drop(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("hub connection lost, reconnecting", zap.Error(err))

		conn = s.reconnect()
		if conn == nil {
			return
		}
		s.log.Info("hub connection restored")
		go s.resubscribe()
	}
}

func (s *Store) reconnect() *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	bo.MaxInterval = s.retryMax
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, _, err := s.dialer.DialContext(s.ctx, s.url, s.header)
		if err != nil {
			s.log.Debug("reconnect failed", zap.Error(err))
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, s.ctx))
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return nil
	}
	s.conn = conn
	return conn
}

// resubscribe restores server-side subscriptions after a reconnect and
// replays each key's current value.
func (s *Store) resubscribe() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.subs))
	for key, set := range s.subs {
		if len(set) > 0 {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		if _, err := s.call(s.ctx, Frame{Op: OpSubscribe, Key: key}); err != nil {
			s.log.Warn("resubscribe failed", zap.String("key", key), zap.Error(err))
			continue
		}
		resp, err := s.call(s.ctx, Frame{Op: OpLoad, Key: key})
		if err != nil {
			s.log.Warn("catch-up load failed", zap.String("key", key), zap.Error(err))
			continue
		}
		s.enqueue(Frame{Op: OpEvent, Key: key, Value: resp.Value})
	}
}

func (s *Store) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if f.Op == OpEvent {
			s.enqueue(f)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (s *Store) enqueue(f Frame) {
	select {
	case s.events <- f:
	default:
		s.log.Warn("event backlog full, dropping event", zap.String("key", f.Key))
	}
}

// deliver runs subscriber callbacks off the read loop, so callbacks may call
// back into the store.
func (s *Store) deliver() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.events:
			s.mu.Lock()
			fns := make([]func([]byte), 0, len(s.subs[f.Key]))
			for sub := range s.subs[f.Key] {
				fns = append(fns, sub.fn)
			}
			s.mu.Unlock()
			for _, fn := range fns {
				fn(f.Value)
			}
		}
	}
}

// drop forgets conn and fails every call waiting on it.
func (s *Store) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	pending := s.pending
	s.pending = make(map[uint64]chan Frame)
	s.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}

func (s *Store) call(ctx context.Context, f Frame) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, winreg.ErrClosed
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return Frame{}, ErrDisconnected
	}
	s.nextID++
	f.ID = s.nextID
	ch := make(chan Frame, 1)
	s.pending[f.ID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}

	data, err := json.Marshal(f)
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, ErrDisconnected
		}
		if resp.Error != "" {
			return resp, &RemoteError{Op: f.Op, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-timer.C:
		forget()
		return Frame{}, fmt.Errorf("wsstore: %s %s: response timeout", f.Op, f.Key)
	}
}

// Load implements winreg.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.call(ctx, Frame{Op: OpLoad, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Publish implements winreg.Store.
func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.call(ctx, Frame{Op: OpPublish, Key: key, Value: value})
	return err
}

// Delete implements winreg.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.call(ctx, Frame{Op: OpDelete, Key: key})
	return err
}

// Incr implements winreg.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	resp, err := s.call(ctx, Frame{Op: OpIncr, Key: key})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

// Subscribe implements winreg.Store. The hub is asked to subscribe only for
// the first local subscriber of a key.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	sub := &subscription{fn: fn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, winreg.ErrClosed
	}
	if s.subs[key] == nil {
		s.subs[key] = make(map[*subscription]struct{})
	}
	first := len(s.subs[key]) == 0
	s.subs[key][sub] = struct{}{}
	s.mu.Unlock()

	remove := func() (last bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], sub)
		return len(s.subs[key]) == 0 && !s.closed
	}

	if first {
		if _, err := s.call(s.ctx, Frame{Op: OpSubscribe, Key: key}); err != nil {
			remove()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if remove() {
				if _, err := s.call(s.ctx, Frame{Op: OpUnsubscribe, Key: key}); err != nil {
					s.log.Debug("unsubscribe failed", zap.String("key", key), zap.Error(err))
				}
			}
		})
	}, nil
}

// Close implements winreg.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.wg.Wait()
	return nil
}
