// Package memory provides an in-process tokensync.Store. A Backend plays the
// role of shared storage and every Store created from it is one execution
// context, so writes through one Store are announced to the others.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	ts "github.com/panyam/tokensync"
)

// ErrClosed is returned by a Store after Close.
var ErrClosed = errors.New("memory store closed")

// Backend is the shared item map.
type Backend struct {
	mu    sync.RWMutex
	items map[string]string
	views map[string]*Store
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{
		items: make(map[string]string),
		views: make(map[string]*Store),
	}
}

// NewStore attaches a new context to the backend.
func (b *Backend) NewStore() *Store {
	s := &Store{
		backend: b,
		origin:  uuid.NewString(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.views[s.origin] = s
	b.mu.Unlock()
	go s.run()
	return s
}

// NewStore creates a Store on a private backend.
func NewStore() *Store {
	return NewBackend().NewStore()
}

// Store is one context's view of a Backend.
type Store struct {
	backend *Backend
	origin  string

	qmu   sync.Mutex
	queue []ts.StoreEvent
	wake  chan struct{}

	watchers  ts.Broadcaster[ts.StoreEvent]
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Origin identifies this context in the events other contexts receive.
func (s *Store) Origin() string {
	return s.origin
}

// Backend returns the shared backend.
func (s *Store) Backend() *Backend {
	return s.backend
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	if s.isClosed() {
		return "", false, ErrClosed
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	v, ok := s.backend.items[key]
	return v, ok, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	if s.isClosed() {
		return ErrClosed
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.items[key]; ok && old == value {
		return nil
	}
	b.items[key] = value
	b.broadcastLocked(ts.StoreEvent{Key: key, NewValue: value, Origin: s.origin})
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return nil
	}
	delete(b.items, key)
	b.broadcastLocked(ts.StoreEvent{Key: key, Removed: true, Origin: s.origin})
	return nil
}

// Watch registers fn for changes made through other Stores on the same
// backend. Events arrive in write order on a goroutine owned by this Store.
func (s *Store) Watch(fn func(ts.StoreEvent)) (unwatch func()) {
	return s.watchers.Subscribe(fn)
}

// broadcastLocked queues ev on every view except the writer. Queuing under
// the backend lock keeps delivery order equal to write order.
func (b *Backend) broadcastLocked(ev ts.StoreEvent) {
	for origin, v := range b.views {
		if origin != ev.Origin {
			v.enqueue(ev)
		}
	}
}

func (s *Store) enqueue(ev ts.StoreEvent) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			s.watchers.Notify(ev)
		}
	}
}

func (s *Store) isClosed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Close detaches the Store from its backend and stops event delivery.
// Pending events are dropped.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.views, s.origin)
		s.backend.mu.Unlock()
		close(s.stop)
		<-s.done
	})
	return nil
}
