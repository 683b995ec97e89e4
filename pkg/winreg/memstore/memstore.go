// Package memstore is an in-process winreg.Store. A Hub holds the shared
// state and every Join returns an independent participant, so several
// windows in one process see each other exactly as separate processes would.
//
// Notifications are delivered synchronously on the writer's goroutine.
package memstore

import (
	"context"
	"sync"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

// Hub is the shared state behind a set of participants.
type Hub struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
	subs     map[string]map[*subscription]struct{}
	failWith error
}

type subscription struct {
	owner *Store
	fn    func([]byte)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		values:   make(map[string][]byte),
		counters: make(map[string]int64),
		subs:     make(map[string]map[*subscription]struct{}),
	}
}

// Join returns a new participant.
func (h *Hub) Join() *Store {
	return &Store{hub: h}
}

// FailWrites makes every Publish and Delete return err until called with nil.
func (h *Hub) FailWrites(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failWith = err
}

// Set writes key directly, notifying every participant. It stands in for a
// writer outside the hub, such as a corrupting or crashed process.
func (h *Hub) Set(key string, value []byte) {
	h.write(nil, key, value)
}

func (h *Hub) write(from *Store, key string, value []byte) error {
	h.mu.Lock()
	if h.failWith != nil && from != nil {
		err := h.failWith
		h.mu.Unlock()
		return err
	}
	if value == nil {
		delete(h.values, key)
	} else {
		h.values[key] = clone(value)
	}
	var targets []func([]byte)
	for sub := range h.subs[key] {
		if sub.owner != from {
			targets = append(targets, sub.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range targets {
		fn(clone(value))
	}
	return nil
}

// Store is one participant of a Hub.
type Store struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	subs   []*subscription
}

var _ winreg.Store = (*Store)(nil)

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
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return clone(s.hub.values[key]), nil
}

// Publish implements winreg.Store.
func (s *Store) Publish(_ context.Context, key string, value []byte) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	return s.hub.write(s, key, value)
}

// Delete implements winreg.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return winreg.ErrClosed
	}
	return s.hub.write(s, key, nil)
}

// Incr implements winreg.Store.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	if s.isClosed() {
		return 0, winreg.ErrClosed
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.counters[key]++
	return s.hub.counters[key], nil
}

// Subscribe implements winreg.Store.
func (s *Store) Subscribe(key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, winreg.ErrClosed
	}
	sub := &subscription{owner: s, fn: fn}
	s.subs = append(s.subs, sub)

	s.hub.mu.Lock()
	if s.hub.subs[key] == nil {
		s.hub.subs[key] = make(map[*subscription]struct{})
	}
	s.hub.subs[key][sub] = struct{}{}
	s.hub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hub.mu.Lock()
			delete(s.hub.subs[key], sub)
			s.hub.mu.Unlock()
		})
	}, nil
}

// Close implements winreg.Store. It drops every subscription of this
// participant; the hub and other participants are unaffected.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.mu.Lock()
	for _, set := range s.hub.subs {
		for _, sub := range s.subs {
			delete(set, sub)
		}
	}
	s.hub.mu.Unlock()
	s.subs = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
