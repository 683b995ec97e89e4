// Package sqlitestore implements winreg.Store on a SQLite database shared by
// every participant. Each write bumps a table-wide revision; participants poll
// for revisions newer than the last one they saw and deliver rows written by
// someone else. Deleted keys stay as NULL tombstones so the deletion itself
// can be observed.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPollInterval is how often a participant checks for new revisions.
const DefaultPollInterval = 50 * time.Millisecond

const upsertSQL = `
INSERT INTO kv (key, value, rev, writer)
VALUES (?, ?, (SELECT COALESCE(MAX(rev), 0) + 1 FROM kv), ?)
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    rev = excluded.rev,
    writer = excluded.writer`

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

// WithPollInterval sets how often the database is polled for changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

type subscription struct {
	key  string
	from int64
	fn   func([]byte)
}

// Store is one participant with its own connection to the database.
type Store struct {
	db       *sql.DB
	writer   string
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	closed  bool
	subs    map[*subscription]struct{}
	lastRev int64
	stop    chan struct{}
	done    chan struct{}
}

var _ winreg.Store = (*Store)(nil)

// Open creates or opens the database at path and starts polling it.
//
// The connection is configured with WAL journaling, NORMAL synchronous mode
// and a 5-second busy timeout so several processes can share the file.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		writer:   uuid.New().String(),
		log:      zap.NewNop(),
		interval: DefaultPollInterval,
		subs:     make(map[*subscription]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("module", "sqlitestore"), zap.String("writer", s.writer))

	if s.lastRev, err = s.maxRev(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	go s.poll()
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) maxRev(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(rev), 0) FROM kv").Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

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
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

// Publish implements winreg.Store.
func (s *Store) Publish(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.write(ctx, key, value)
}

// Delete implements winreg.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, nil)
}

func (s *Store) write(ctx context.Context, key string, value []byte) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value, s.writer); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Incr implements winreg.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s.isClosed() {
		return 0, winreg.ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Subscribe implements winreg.Store. Only revisions committed after the call
// are delivered.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	if s.isClosed() {
		return nil, winreg.ErrClosed
	}
	from, err := s.maxRev(context.Background())
	if err != nil {
		return nil, err
	}
	sub := &subscription{key: key, from: from, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, winreg.ErrClosed
	}
	s.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) poll() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.pollOnce(context.Background()); err != nil {
				s.log.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

type change struct {
	key    string
	value  []byte
	rev    int64
	writer string
}

func (s *Store) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastRev
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, rev, writer FROM kv WHERE rev > ? ORDER BY rev", since)
	if err != nil {
		return err
	}
	var changes []change
	for rows.Next() {
		var c change
		if err := rows.Scan(&c.key, &c.value, &c.rev, &c.writer); err != nil {
			rows.Close()
			return err
		}
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	type delivery struct {
		fn    func([]byte)
		value []byte
	}
	var out []delivery
	s.mu.Lock()
	s.lastRev = changes[len(changes)-1].rev
	for _, c := range changes {
		if c.writer == s.writer {
			continue
		}
		for sub := range s.subs {
			if sub.key == c.key && c.rev > sub.from {
				out = append(out, delivery{fn: sub.fn, value: c.value})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.fn(d.value)
	}
	return nil
}

// Close implements winreg.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return s.db.Close()
}
