package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/tester"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	tester.RunStoreSuite(t, func(t *testing.T) (winreg.Store, winreg.Store) {
		dir := t.TempDir()
		return open(t, dir), open(t, dir)
	})
}

func TestKeysAreEscaped(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	require.NoError(t, s.Publish(context.Background(), "../room/a", []byte("1")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	key, ok := keyOf(entries[0].Name())
	require.True(t, ok)
	assert.Equal(t, "../room/a", key)

	_, ok = keyOf(".x.json.tmp-123")
	assert.False(t, ok)
	_, ok = keyOf("counter.counter")
	assert.False(t, ok)
}

func TestDotKeysNotifySubscribers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reader, writer := open(t, dir), open(t, dir)
	defer reader.Close()
	defer writer.Close()

	got := make(chan []byte, 4)
	cancel, err := reader.Subscribe("../room/a", func(v []byte) { got <- v })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, writer.Publish(ctx, "../room/a", []byte("42")))
	select {
	case v := <-got:
		assert.Equal(t, "42", string(v))
	case <-time.After(tester.NotifyTimeout):
		t.Fatal("subscriber never saw a key starting with a dot")
	}

	v, err := reader.Load(ctx, "../room/a")
	require.NoError(t, err)
	assert.Equal(t, "42", string(v))
}

func TestIncrConcurrent(t *testing.T) {
	dir := t.TempDir()
	stores := []*Store{open(t, dir), open(t, dir), open(t, dir)}
	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				n, err := s.Incr(context.Background(), "ids")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[n], "duplicate id %d", n)
				seen[n] = true
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Len(t, seen, 30)
}

func TestStaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	lock := s.path("ids", lockExt)
	require.NoError(t, os.WriteFile(lock, nil, 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lock, old, old))

	n, err := s.Incr(context.Background(), "ids")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestHeldLockTimesOut(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, WithLockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ids"+lockExt), nil, 0o644))
	_, err = s.Incr(context.Background(), "ids")
	assert.ErrorIs(t, err, ErrLocked)
}

type meta struct {
	Name string `json:"name"`
}

func TestManagersShareDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	shape := func(x float64) winreg.ShapeFunc {
		return func() winreg.Shape { return winreg.Shape{X: x, W: 10, H: 10} }
	}
	s1, s2 := open(t, dir), open(t, dir)
	defer s1.Close()
	defer s2.Close()
	m1 := winreg.New[meta](s1, shape(0))
	m2 := winreg.New[meta](s2, shape(100))

	changed := make(chan []winreg.Record[meta], 8)
	m1.OnWindowsChange(func(others []winreg.Record[meta]) { changed <- others })

	_, err := m1.Init(ctx, meta{Name: "one"})
	require.NoError(t, err)
	id2, err := m2.Init(ctx, meta{Name: "two"})
	require.NoError(t, err)

	select {
	case others := <-changed:
		require.Len(t, others, 1)
		assert.Equal(t, id2, others[0].ID)
		assert.Equal(t, "two", others[0].Metadata.Name)
	case <-time.After(tester.NotifyTimeout):
		t.Fatal("m1 never saw m2")
	}

	require.NoError(t, m2.Close(ctx))
	require.Eventually(t, func() bool {
		return len(m1.OtherWindows()) == 0
	}, tester.NotifyTimeout, 20*time.Millisecond)
	require.NoError(t, m1.Close(ctx))
}
