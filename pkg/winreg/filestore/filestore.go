// Package filestore implements winreg.Store on a shared directory. Each key
// is one JSON file written atomically with a rename, and participants learn
// about each other's writes through fsnotify.
//
// A participant recognises its own writes by content digest, so a write by
// someone else that leaves a file byte-identical to what this participant
// last wrote or saw is not reported.
//
// Counters live in "<key>.counter" files guarded by an O_EXCL lock file.
package filestore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

const (
	valueExt   = ".json"
	counterExt = ".counter"
	lockExt    = ".lock"

	// staleLock is the age after which a lock file left by a crashed
	// process is broken.
	staleLock = 5 * time.Second
)

// ErrLocked is returned when a counter lock cannot be acquired in time.
var ErrLocked = errors.New("filestore: counter locked")

type digest [sha256.Size]byte

// absent is the digest recorded for a missing file.
var absent digest

func sum(v []byte) digest {
	if v == nil {
		return absent
	}
	return sha256.Sum256(v)
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

// WithLockTimeout bounds how long Incr waits for the counter lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

type subscription struct {
	fn func([]byte)
}

// Store is one participant sharing dir.
type Store struct {
	dir         string
	log         *zap.Logger
	lockTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	seen    map[string]digest
	subs    map[string]map[*subscription]struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ winreg.Store = (*Store)(nil)

// Open creates dir if needed and returns a participant.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		log:         zap.NewNop(),
		lockTimeout: 2 * time.Second,
		seen:        make(map[string]digest),
		subs:        make(map[string]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("module", "filestore"), zap.String("dir", dir))
	return s, nil
}

// Dir returns the shared directory.
func (s *Store) Dir() string { return s.dir }

// path escapes key into a file name. A leading dot is escaped too so value
// files never look like temp files.
func (s *Store) path(key, ext string) string {
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return filepath.Join(s.dir, name+ext)
}

// keyOf maps a value file name back to its key.
func keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, valueExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, valueExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func readFile(path string) ([]byte, error) {
	v, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return v, err
}

// writeFile replaces path atomically.
func writeFile(path string, value []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Load implements winreg.Store.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, winreg.ErrClosed
	}
	v, err := readFile(s.path(key, valueExt))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// Publish implements winreg.Store.
func (s *Store) Publish(_ context.Context, key string, value []byte) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	s.mu.Lock()
	s.seen[key] = sum(value)
	s.mu.Unlock()
	if err := writeFile(s.path(key, valueExt), value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete implements winreg.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	s.mu.Lock()
	s.seen[key] = absent
	s.mu.Unlock()
	err := os.Remove(s.path(key, valueExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Incr implements winreg.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s.isClosed() {
		return 0, winreg.ErrClosed
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	path := s.path(key, counterExt)
	raw, err := readFile(path)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	var n int64
	if len(raw) > 0 {
		n, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %s: %w", key, err)
		}
	}
	n++
	if err := writeFile(path, []byte(strconv.FormatInt(n, 10))); err != nil {
		return 0, fmt.Errorf("write counter %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) lock(ctx context.Context, key string) (func(), error) {
	path := s.path(key, lockExt)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = s.lockTimeout

	err := backoff.Retry(func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return backoff.Permanent(err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLock {
			s.log.Warn("breaking stale counter lock", zap.String("key", key))
			os.Remove(path)
		}
		return ErrLocked
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("lock counter %s: %w", key, err)
	}
	return func() { os.Remove(path) }, nil
}

// Subscribe implements winreg.Store.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, winreg.ErrClosed
	}
	if err := s.ensureWatcherLocked(); err != nil {
		return nil, err
	}
	if _, ok := s.seen[key]; !ok {
		v, err := readFile(s.path(key, valueExt))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		s.seen[key] = sum(v)
	}
	sub := &subscription{fn: fn}
	if s.subs[key] == nil {
		s.subs[key] = make(map[*subscription]struct{})
	}
	s.subs[key][sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[key], sub)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) ensureWatcherLocked() error {
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watch(w, s.done)
	return nil
}

func (s *Store) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if key, ok := keyOf(event.Name); ok {
				s.dispatch(key)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// dispatch rereads key and notifies subscribers if its content differs from
// what this participant last wrote or delivered.
func (s *Store) dispatch(key string) {
	v, err := readFile(s.path(key, valueExt))
	if err != nil {
		s.log.Warn("read after change", zap.String("key", key), zap.Error(err))
		return
	}
	d := sum(v)

	s.mu.Lock()
	if s.closed || s.seen[key] == d || len(s.subs[key]) == 0 {
		s.mu.Unlock()
		return
	}
	s.seen[key] = d
	targets := make([]func([]byte), 0, len(s.subs[key]))
	for sub := range s.subs[key] {
		targets = append(targets, sub.fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(v)
	}
}

// Close implements winreg.Store. Files are left in place for the other
// participants.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w, done := s.watcher, s.done
	s.subs = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
