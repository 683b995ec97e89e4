//go:build js && wasm

// Package localstore implements winreg.Store on the browser's localStorage.
// The "storage" event only fires in other same-origin windows, which is
// exactly the other-writers-only notification the registry needs.
//
// Incr is a read-modify-write and can hand two windows opening in the same
// instant the same id.
package localstore

import (
	"context"
	"strconv"
	"sync"
	"syscall/js"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

// Store wraps window.localStorage.
type Store struct {
	window  js.Value
	storage js.Value

	mu      sync.Mutex
	closed  bool
	release []js.Func
	remove  []func()
}

var _ winreg.Store = (*Store)(nil)

// New returns a store over the global window's localStorage.
func New() *Store {
	w := js.Global().Get("window")
	return &Store{window: w, storage: w.Get("localStorage")}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Load implements winreg.Store.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, winreg.ErrClosed
	}
	v := s.storage.Call("getItem", key)
	if v.IsNull() || v.IsUndefined() {
		return nil, nil
	}
	return []byte(v.String()), nil
}

// Publish implements winreg.Store. Quota errors surface as a recovered
// panic from setItem and are returned.
func (s *Store) Publish(_ context.Context, key string, value []byte) (err error) {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			if jsErr, ok := r.(js.Error); ok {
				err = jsErr
				return
			}
			panic(r)
		}
	}()
	s.storage.Call("setItem", key, string(value))
	return nil
}

// Delete implements winreg.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	s.storage.Call("removeItem", key)
	return nil
}

// Incr implements winreg.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	raw, err := s.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	n++
	if err := s.Publish(ctx, key, []byte(strconv.FormatInt(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

// Subscribe implements winreg.Store.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, winreg.ErrClosed
	}
	cb := js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) == 0 || args[0].Get("key").String() != key {
			return nil
		}
		v := args[0].Get("newValue")
		if v.IsNull() || v.IsUndefined() {
			go fn(nil)
			return nil
		}
		go fn([]byte(v.String()))
		return nil
	})
	s.window.Call("addEventListener", "storage", cb)
	s.release = append(s.release, cb)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.window.Call("removeEventListener", "storage", cb)
		})
	}
	s.remove = append(s.remove, cancel)
	return cancel, nil
}

// Close implements winreg.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, cancel := range s.remove {
		cancel()
	}
	for _, cb := range s.release {
		cb.Release()
	}
	s.remove, s.release = nil, nil
	return nil
}

// Window measures the browser window in screen coordinates.
type Window struct {
	window js.Value
}

// NewWindow returns a ShapeSource for the global window.
func NewWindow() *Window {
	return &Window{window: js.Global().Get("window")}
}

// Shape implements winreg.ShapeSource.
func (w *Window) Shape() winreg.Shape {
	return winreg.Shape{
		X: w.window.Get("screenLeft").Float(),
		Y: w.window.Get("screenTop").Float(),
		W: w.window.Get("innerWidth").Float(),
		H: w.window.Get("innerHeight").Float(),
	}
}

// OnUnload runs fn when the page is being unloaded.
func (w *Window) OnUnload(fn func()) js.Func {
	cb := js.FuncOf(func(js.Value, []js.Value) any {
		fn()
		return nil
	})
	w.window.Call("addEventListener", "beforeunload", cb)
	return cb
}
