package winreg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/memstore"
)

type meta struct {
	Name      string   `json:"name"`
	Particles int      `json:"particles"`
	Tags      []string `json:"tags,omitempty"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type window struct {
	mu    sync.Mutex
	shape winreg.Shape
}

func (w *window) Shape() winreg.Shape {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shape
}

func (w *window) move(dx, dy float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shape.X += dx
	w.shape.Y += dy
}

type recorder struct {
	mu    sync.Mutex
	calls int
	last  []winreg.Record[meta]
}

func (r *recorder) onChange(others []winreg.Record[meta]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = others
}

func (r *recorder) snapshot() (int, []winreg.Record[meta]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.last
}

type countingObserver struct {
	mu     sync.Mutex
	errors map[string]int
	stale  int
	count  int
}

func (o *countingObserver) StoreError(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errors == nil {
		o.errors = map[string]int{}
	}
	o.errors[op]++
}

func (o *countingObserver) StaleRemoved(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale += n
}

func (o *countingObserver) WindowCount(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count = n
}

func ids(records []winreg.Record[meta]) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func newManager(hub *memstore.Hub, clock *fakeClock, w *window, opts ...winreg.Option) *winreg.Manager[meta] {
	return winreg.New[meta](hub.Join(), w, append([]winreg.Option{winreg.WithClock(clock)}, opts...)...)
}

func TestThreeWindows(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	clock := newClock()

	w1 := &window{shape: winreg.Shape{X: 0, Y: 0, W: 100, H: 100}}
	w2 := &window{shape: winreg.Shape{X: 200, Y: 0, W: 100, H: 100}}
	w3 := &window{shape: winreg.Shape{X: 400, Y: 0, W: 100, H: 60}}

	m1 := newManager(hub, clock, w1)
	m2 := newManager(hub, clock, w2)
	m3 := newManager(hub, clock, w3)

	for i, m := range []*winreg.Manager[meta]{m1, m2, m3} {
		id, err := m.Init(ctx, meta{Name: "w", Particles: 1000 * (i + 1)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	require.NoError(t, m2.Update(ctx))
	others := m2.OtherWindows()
	require.Equal(t, []int64{1, 3}, ids(others))
	assert.Equal(t, winreg.Point{X: 50, Y: 50}, others[0].Center)
	assert.Equal(t, winreg.Point{X: 450, Y: 30}, others[1].Center)
	assert.Equal(t, 3000, others[1].Metadata.Particles)
	assert.Equal(t, 3, m2.Count())

	var rec2, rec3 recorder
	m2.OnWindowsChange(rec2.onChange)
	m3.OnWindowsChange(rec3.onChange)
	var shapes []winreg.Shape
	m1.OnShapeChange(func(s winreg.Shape) { shapes = append(shapes, s) })

	w1.move(50, 0)
	require.NoError(t, m1.Update(ctx))
	require.Equal(t, []winreg.Shape{{X: 50, Y: 0, W: 100, H: 100}}, shapes)

	for _, rec := range []*recorder{&rec2, &rec3} {
		calls, last := rec.snapshot()
		assert.Equal(t, 1, calls)
		for _, r := range last {
			if r.ID == 1 {
				assert.Equal(t, winreg.Point{X: 100, Y: 50}, r.Center)
			}
		}
	}

	// Moves inside the tolerance are not reported.
	w1.move(3, 0)
	require.NoError(t, m1.Update(ctx))
	calls, _ := rec2.snapshot()
	assert.Equal(t, 1, calls)
	assert.Len(t, shapes, 2)

	require.NoError(t, m3.Close(ctx))
	calls, last := rec2.snapshot()
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{1}, ids(last))

	_, ok := m3.ThisWindow()
	assert.False(t, ok)
	assert.ErrorIs(t, m3.Update(ctx), winreg.ErrNotInitialized)
}

func TestStaleWindowsAreRemoved(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	clock := newClock()
	obs := &countingObserver{}

	m1 := newManager(hub, clock, &window{shape: winreg.Shape{W: 10, H: 10}}, winreg.WithObserver(obs))
	m2 := newManager(hub, clock, &window{shape: winreg.Shape{X: 100, W: 10, H: 10}})
	_, err := m1.Init(ctx, meta{Name: "survivor"})
	require.NoError(t, err)
	_, err = m2.Init(ctx, meta{Name: "crashes"})
	require.NoError(t, err)

	var rec recorder
	m1.OnWindowsChange(rec.onChange)

	clock.Advance(winreg.DefaultStaleAfter)
	require.NoError(t, m1.Update(ctx))
	assert.Contains(t, m1.Windows(), int64(2), "a record exactly at the threshold is kept")

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, m1.Update(ctx))
	assert.NotContains(t, m1.Windows(), int64(2))
	calls, last := rec.snapshot()
	assert.Equal(t, 1, calls)
	assert.Empty(t, last)
	assert.Equal(t, 1, obs.stale)
	assert.Equal(t, 1, obs.count)

	// The owner coming back re-registers itself.
	require.NoError(t, m2.Update(ctx))
	assert.Contains(t, m1.Windows(), int64(2))
	calls, _ = rec.snapshot()
	assert.Equal(t, 2, calls)
}

func TestOwnRecordIsNeverSweptLocally(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	clock := newClock()
	m := newManager(hub, clock, &window{shape: winreg.Shape{W: 1, H: 1}})

	want := meta{Name: "solo", Particles: 42, Tags: []string{"a", "b"}}
	_, err := m.Init(ctx, want)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		hub.Set(winreg.DefaultWindowsKey, []byte(`{}`))
		require.NoError(t, m.Update(ctx))
		self, ok := m.ThisWindow()
		require.True(t, ok)
		assert.Equal(t, want, self.Metadata)
		assert.Contains(t, m.Windows(), self.ID)
	}

	peer := winreg.New[meta](hub.Join(), winreg.ShapeFunc(func() winreg.Shape { return winreg.Shape{} }), winreg.WithClock(clock))
	_, err = peer.Init(ctx, meta{})
	require.NoError(t, err)
	require.NoError(t, peer.Update(ctx))
	seen := peer.OtherWindows()
	require.Len(t, seen, 1)
	assert.Equal(t, want, seen[0].Metadata)
}

func TestCorruptStoreIsEmpty(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	hub.Set(winreg.DefaultWindowsKey, []byte(`not json`))

	m := newManager(hub, newClock(), &window{shape: winreg.Shape{W: 4, H: 4}})
	id, err := m.Init(ctx, meta{})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, keys(m.Windows()))

	hub.Set(winreg.DefaultWindowsKey, []byte(`{"9":{"id":"nine"}}`))
	assert.Equal(t, []int64{id}, keys(m.Windows()))

	data, err := hub.Join().Load(ctx, winreg.DefaultWindowsKey)
	require.NoError(t, err)
	decoded, dirty := winreg.DecodeWindows[meta](data)
	assert.False(t, dirty, "manager rewrites a cleaned collection")
	assert.Contains(t, decoded, id)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	obs := &countingObserver{}
	m := newManager(hub, newClock(), &window{shape: winreg.Shape{W: 4, H: 4}}, winreg.WithObserver(obs))
	_, err := m.Init(ctx, meta{Name: "x"})
	require.NoError(t, err)

	hub.FailWrites(errors.New("quota exceeded"))
	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.SetMetadata(ctx, meta{Name: "y"}))
	self, ok := m.ThisWindow()
	require.True(t, ok)
	assert.Equal(t, "y", self.Metadata.Name)
	assert.Equal(t, 2, obs.errors["publish"])

	assert.Error(t, m.Close(ctx))
}

type brokenCounter struct{ winreg.Store }

func (brokenCounter) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("unreachable")
}

func TestInitFailsWithoutCounter(t *testing.T) {
	m := winreg.New[meta](brokenCounter{memstore.NewHub().Join()}, winreg.ShapeFunc(func() winreg.Shape { return winreg.Shape{} }))
	_, err := m.Init(context.Background(), meta{})
	assert.Error(t, err)
	assert.ErrorIs(t, m.Update(context.Background()), winreg.ErrNotInitialized)
}

func TestInitTwice(t *testing.T) {
	m := newManager(memstore.NewHub(), newClock(), &window{})
	_, err := m.Init(context.Background(), meta{})
	require.NoError(t, err)
	_, err = m.Init(context.Background(), meta{})
	assert.ErrorIs(t, err, winreg.ErrAlreadyInitialized)
}

func TestCustomKeysIsolateRegistries(t *testing.T) {
	ctx := context.Background()
	hub := memstore.NewHub()
	clock := newClock()
	a := newManager(hub, clock, &window{}, winreg.WithKeys("room_a", "room_a_counter"))
	b := newManager(hub, clock, &window{}, winreg.WithKeys("room_b", "room_b_counter"))

	idA, err := a.Init(ctx, meta{})
	require.NoError(t, err)
	idB, err := b.Init(ctx, meta{})
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
	assert.Empty(t, a.OtherWindows())
	assert.Empty(t, b.OtherWindows())
}

func keys(w winreg.Windows[meta]) []int64 {
	out := make([]int64, 0, len(w))
	for _, r := range w.Sorted() {
		out = append(out, r.ID)
	}
	return out
}
