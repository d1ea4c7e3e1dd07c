// Package datastore implements path addressed value trees with update
// subscriptions.
package datastore

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/datasync/internal/pathutil"
)

// Store owns one value tree and notifies listeners of every write.
//
// Reads return deep copies. Listeners are called synchronously by the writer,
// after the store lock is released.
type Store struct {
	StoreID string
	UserID  string

	mu       sync.RWMutex
	data     any
	readOnly map[string]struct{}

	lmu       sync.Mutex
	listeners []*Listener
}

// New returns an empty store not attached to any registry.
func New(storeID, userID string) *Store {
	return &Store{
		StoreID:  storeID,
		UserID:   userID,
		data:     map[string]any{},
		readOnly: map[string]struct{}{},
	}
}

// Ref returns a handle on path.
func (s *Store) Ref(path string) *Ref {
	return &Ref{store: s, path: pathutil.Format(path)}
}

// Value returns a copy of the value at path, or nil when absent.
func (s *Store) Value(path string) any {
	v, _ := s.Lookup(path)
	return v
}

// Lookup returns a copy of the value at path and whether it exists.
func (s *Store) Lookup(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := pathutil.Traverse(s.data, path)
	if !ok {
		return nil, false
	}
	return Clone(v), true
}

// Equal reports whether v matches the value currently at path.
//
// A nil v matches an absent value.
func (s *Store) Equal(path string, v any) bool {
	n, err := Normalize(v)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, _ := pathutil.Traverse(s.data, path)
	return Equal(cur, n)
}

// Update writes v at path, replacing the subtree and creating intermediate
// objects, then notifies listeners.
//
// flags tag the write with its origin.
func (s *Store) Update(path string, v any, flags ...string) {
	n, err := Normalize(v)
	if err != nil {
		slog.Error("datastore: dropping write", "store", s.StoreID, "user", s.UserID, "path", path, "err", err)
		return
	}
	path = pathutil.Format(path)
	s.mu.Lock()
	if path == pathutil.Root {
		s.data = n
	} else {
		if !pathutil.IsObject(s.data) {
			s.data = map[string]any{}
		}
		pathutil.TraverseForWrite(s.data, path)[pathutil.Name(path)] = n
	}
	s.mu.Unlock()
	s.emit(path, flags)
}

// Remove deletes the key at path, then notifies listeners.
//
// Removing the root resets the tree to an empty object.
func (s *Store) Remove(path string, flags ...string) {
	path = pathutil.Format(path)
	s.mu.Lock()
	if path == pathutil.Root {
		s.data = map[string]any{}
	} else if parent, ok := pathutil.Traverse(s.data, pathutil.Parent(path)); ok {
		if m, ok := parent.(map[string]any); ok {
			delete(m, pathutil.Name(path))
		}
	}
	s.mu.Unlock()
	s.emit(path, flags)
}

// SetReadOnly marks or unmarks path as read-only.
//
// Marks do not restrict local writes. They are enforced on writes coming
// from peers.
func (s *Store) SetReadOnly(path string, readOnly bool) {
	path = pathutil.Format(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if readOnly {
		s.readOnly[path] = struct{}{}
	} else {
		delete(s.readOnly, path)
	}
}

// ReadOnly reports whether path or one of its ancestors is marked read-only.
func (s *Store) ReadOnly(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for m := range s.readOnly {
		if pathutil.Contains(m, path) {
			return true
		}
	}
	return false
}

// ReadOnlyPaths returns the marked paths, sorted.
func (s *Store) ReadOnlyPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.readOnly))
	for m := range s.readOnly {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// AltersReadOnly reports whether writing v at path (or removing path) would
// change a read-only value.
//
// A write at or under a mark always does. A write above a mark does only when
// the marked value differs from what the write would put there.
func (s *Store) AltersReadOnly(path string, v any, remove bool) bool {
	path = pathutil.Format(path)
	var n any
	if !remove {
		var err error
		if n, err = Normalize(v); err != nil {
			return true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for m := range s.readOnly {
		if pathutil.Contains(m, path) {
			return true
		}
		if !pathutil.Contains(path, m) {
			continue
		}
		cur, curOK := pathutil.Traverse(s.data, m)
		next, nextOK := pathutil.Traverse(n, pathutil.Relative(path, m))
		if curOK != nextOK || !Equal(cur, next) {
			return true
		}
	}
	return false
}
