// Package comm implements the engine side of the plugin RPC protocol: the
// per-plugin peer state machine, the reference store for callables passed
// across the wire, promise pairing, and the live proxies that make a remote
// interface callable in-process.
package comm

import (
	"sync"

	"github.com/gravitational/trace"
)

// ErrCallbackConsumed is the message produced when a one-shot reference is
// fetched a second time.
const ErrCallbackConsumed = "callback can only be called once"

type refEntry struct {
	value    any
	retained bool
}

// RefStore maps short numeric ids to live local values sent across the
// wire. Ids are dense and recycled on release. One-shot entries are
// removed by Fetch; retained entries survive until released explicitly.
type RefStore struct {
	mu      sync.Mutex
	entries map[int]*refEntry
	free    []int
	next    int
}

func NewRefStore() *RefStore {
	return &RefStore{entries: make(map[int]*refEntry)}
}

func (s *RefStore) alloc() int {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id
	}
	s.next++
	return s.next
}

// Put stores a one-shot value and returns its id.
func (s *RefStore) Put(v any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.alloc()
	s.entries[id] = &refEntry{value: v}
	return id
}

// Retain stores a value that survives any number of fetches until
// Release. Providers of long-lived references pair this with an explicit
// dispose call.
func (s *RefStore) Retain(v any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.alloc()
	s.entries[id] = &refEntry{value: v, retained: true}
	return id
}

// Fetch returns the value stored under id, removing it when the entry is
// one-shot. Fetching a consumed or unknown id fails.
func (s *RefStore) Fetch(id int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, trace.NotFound("%s", ErrCallbackConsumed)
	}
	if !e.retained {
		delete(s.entries, id)
		s.free = append(s.free, id)
	}
	return e.value, nil
}

// Release removes id regardless of retention. Releasing an id that is
// already gone is a no-op.
func (s *RefStore) Release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		delete(s.entries, id)
		s.free = append(s.free, id)
	}
}

// Len reports the number of live entries.
func (s *RefStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every entry. Used when the owning plugin is gone.
func (s *RefStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int]*refEntry)
	s.free = nil
	s.next = 0
}
