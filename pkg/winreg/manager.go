package winreg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned by Update before Init or after Close.
	ErrNotInitialized = errors.New("winreg: manager not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("winreg: manager already initialized")
)

type managerState int

const (
	stateNew managerState = iota
	stateActive
	stateClosed
)

// Manager keeps this window's record in the shared collection and tracks
// every other live window. All methods are safe for concurrent use; the
// change callbacks run without internal locks held.
type Manager[M any] struct {
	store Store
	shape ShapeSource
	opts  options
	log   *zap.Logger

	mu       sync.Mutex
	state    managerState
	self     Record[M]
	windows  Windows[M]
	cancel   func()
	onChange func(others []Record[M])
	onShape  func(Shape)
}

// New creates a manager for one window. Nothing is written until Init.
func New[M any](store Store, shape ShapeSource, opts ...Option) *Manager[M] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[M]{
		store:   store,
		shape:   shape,
		opts:    o,
		log:     o.log.With(zap.String("module", "winreg")),
		windows: make(Windows[M]),
	}
}

// OnWindowsChange registers fn to run when the set or position of other
// windows changes.
func (m *Manager[M]) OnWindowsChange(fn func(others []Record[M])) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnShapeChange registers fn to run when this window's own shape changes.
func (m *Manager[M]) OnShapeChange(fn func(Shape)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShape = fn
}

// Init mints an id, writes this window's record and starts listening for
// other writers. Only a failure to mint the id is returned; every other store
// problem degrades to a local-only view.
func (m *Manager[M]) Init(ctx context.Context, meta M) (int64, error) {
	m.mu.Lock()
	if m.state != stateNew {
		m.mu.Unlock()
		return 0, ErrAlreadyInitialized
	}
	m.mu.Unlock()

	id, err := m.store.Incr(ctx, m.opts.counterKey)
	if err != nil {
		m.opts.observer.StoreError("incr")
		return 0, fmt.Errorf("winreg: mint window id: %w", err)
	}
	shape := m.shape.Shape()
	m.log = m.log.With(zap.Int64("window_id", id))

	fresh, ok := m.load(ctx)
	if !ok {
		fresh = make(Windows[M])
	}

	m.mu.Lock()
	m.self = Record[M]{
		ID:        id,
		Shape:     shape,
		Center:    shape.Center(),
		Metadata:  meta,
		UpdatedAt: m.opts.clock.Now().UnixMilli(),
	}
	m.state = stateActive
	res := m.reconcileLocked(fresh)
	m.mu.Unlock()

	_ = m.persist(ctx, res.windows)
	m.report(res)

	cancel, err := m.store.Subscribe(m.opts.windowsKey, m.handleExternal)
	if err != nil {
		m.opts.observer.StoreError("subscribe")
		m.log.Warn("subscribe failed, relying on polling", zap.Error(err))
	} else {
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()
	}

	m.log.Info("window registered", zap.Int("windows", len(res.windows)))
	return id, nil
}

// Update is called once per frame. It re-measures the window, refreshes the
// heartbeat, drops stale records and fires callbacks for anything that
// changed.
func (m *Manager[M]) Update(ctx context.Context) error {
	return m.sync(ctx, func(r *Record[M]) bool {
		shape := m.shape.Shape()
		if shape == r.Shape {
			return false
		}
		r.Shape = shape
		r.Center = shape.Center()
		return true
	})
}

// SetMetadata replaces this window's metadata and publishes it immediately.
func (m *Manager[M]) SetMetadata(ctx context.Context, meta M) error {
	return m.sync(ctx, func(r *Record[M]) bool {
		r.Metadata = meta
		return false
	})
}

func (m *Manager[M]) sync(ctx context.Context, mutate func(*Record[M]) bool) error {
	if !m.active() {
		return ErrNotInitialized
	}
	fresh, ok := m.load(ctx)

	m.mu.Lock()
	if m.state != stateActive {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if !ok {
		// The last reconciled view stays authoritative while the store is
		// unreachable.
		fresh = m.windows.Clone()
	}
	shapeChanged := mutate(&m.self)
	m.self.UpdatedAt = m.opts.clock.Now().UnixMilli()
	res := m.reconcileLocked(fresh)
	shape := m.self.Shape
	onShape, onChange := m.onShape, m.onChange
	m.mu.Unlock()

	_ = m.persist(ctx, res.windows)
	m.report(res)

	if shapeChanged && onShape != nil {
		onShape(shape)
	}
	if res.changed && onChange != nil {
		onChange(res.others)
	}
	return nil
}

func (m *Manager[M]) handleExternal(value []byte) {
	fresh, dirty := DecodeWindows[M](value)
	if dirty {
		m.log.Warn("discarding malformed registry data")
	}

	m.mu.Lock()
	if m.state != stateActive {
		m.mu.Unlock()
		return
	}
	res := m.reconcileLocked(fresh)
	onChange := m.onChange
	m.mu.Unlock()

	m.report(res)
	if res.changed || dirty {
		_ = m.persist(context.Background(), res.windows)
	}
	if res.changed && onChange != nil {
		onChange(res.others)
	}
}

type reconcileResult[M any] struct {
	windows Windows[M]
	others  []Record[M]
	changed bool
	removed []int64
}

// reconcileLocked merges fresh store contents with this window's record,
// sweeps stale records and compares the result with the cached view.
func (m *Manager[M]) reconcileLocked(fresh Windows[M]) reconcileResult[M] {
	cutoff := m.opts.clock.Now().Add(-m.opts.staleAfter).UnixMilli()
	var removed []int64
	for id, r := range fresh {
		if id == m.self.ID {
			continue
		}
		if r.UpdatedAt < cutoff {
			delete(fresh, id)
			removed = append(removed, id)
		}
	}
	fresh[m.self.ID] = m.self

	changed := len(removed) > 0 || othersChanged(m.windows, fresh, m.self.ID, m.opts.tolerance)
	m.windows = fresh
	return reconcileResult[M]{
		windows: fresh.Clone(),
		others:  others(fresh, m.self.ID),
		changed: changed,
		removed: removed,
	}
}

func othersChanged[M any](prev, next Windows[M], self int64, tolerance float64) bool {
	count := func(w Windows[M]) int {
		n := len(w)
		if _, ok := w[self]; ok {
			n--
		}
		return n
	}
	if count(prev) != count(next) {
		return true
	}
	for id, r := range next {
		if id == self {
			continue
		}
		p, ok := prev[id]
		if !ok || p.Center.Dist(r.Center) > tolerance {
			return true
		}
	}
	return false
}

func others[M any](w Windows[M], self int64) []Record[M] {
	out := make([]Record[M], 0, len(w))
	for _, r := range w.Sorted() {
		if r.ID != self {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager[M]) report(res reconcileResult[M]) {
	if len(res.removed) > 0 {
		m.log.Debug("removed stale windows", zap.Int64s("ids", res.removed))
		m.opts.observer.StaleRemoved(len(res.removed))
	}
	m.opts.observer.WindowCount(len(res.windows))
}

// load reads the shared collection. ok is false when the store could not be
// reached; malformed data is not an error and yields an empty collection.
func (m *Manager[M]) load(ctx context.Context) (Windows[M], bool) {
	data, err := m.store.Load(ctx, m.opts.windowsKey)
	if err != nil {
		m.opts.observer.StoreError("load")
		m.log.Warn("registry load failed", zap.Error(err))
		return nil, false
	}
	w, dirty := DecodeWindows[M](data)
	if dirty {
		m.log.Warn("discarding malformed registry data")
	}
	return w, true
}

func (m *Manager[M]) persist(ctx context.Context, w Windows[M]) error {
	data, err := w.Encode()
	if err != nil {
		m.opts.observer.StoreError("encode")
		m.log.Warn("registry encode failed", zap.Error(err))
		return err
	}
	if err := m.store.Publish(ctx, m.opts.windowsKey, data); err != nil {
		m.opts.observer.StoreError("publish")
		m.log.Warn("registry write failed", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager[M]) active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateActive
}

// Close stops listening and removes this window's record from the shared
// collection before returning.
func (m *Manager[M]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state != stateActive {
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosed
	cancel := m.cancel
	m.cancel = nil
	id := m.self.ID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	fresh, ok := m.load(ctx)
	if !ok {
		m.mu.Lock()
		fresh = m.windows.Clone()
		m.mu.Unlock()
	}
	delete(fresh, id)
	if err := m.persist(ctx, fresh); err != nil {
		return fmt.Errorf("winreg: remove window %d: %w", id, err)
	}
	m.log.Info("window removed")
	return nil
}

// ID returns this window's id, or zero before Init.
func (m *Manager[M]) ID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.ID
}

// Windows returns a copy of every known record, this window included.
func (m *Manager[M]) Windows() Windows[M] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows.Clone()
}

// OtherWindows returns every record except this window's, ordered by id.
func (m *Manager[M]) OtherWindows() []Record[M] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return others(m.windows, m.self.ID)
}

// ThisWindow returns this window's record while the manager is active.
func (m *Manager[M]) ThisWindow() (Record[M], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateActive {
		return Record[M]{}, false
	}
	return m.self, true
}

// Count returns the number of known windows, this window included.
func (m *Manager[M]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
