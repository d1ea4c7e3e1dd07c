package datastore

import (
	"slices"
	"sync"

	apierrors "github.com/maruel/datasync/internal/errors"
)

// Registry maps (store id, user id) pairs to stores, created on first use.
type Registry struct {
	mu     sync.Mutex
	stores map[string]map[string]*Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: map[string]map[string]*Store{}}
}

// Serve registers storeID so Store accepts it.
func (r *Registry) Serve(storeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[storeID]; !ok {
		r.stores[storeID] = map[string]*Store{}
	}
}

// Has reports whether storeID is served.
func (r *Registry) Has(storeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stores[storeID]
	return ok
}

// Store returns the store for the pair, creating it when needed.
//
// Unless initialize is set, storeID must have been served.
func (r *Registry) Store(storeID, userID string, initialize bool) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.stores[storeID]
	if !ok {
		if !initialize {
			return nil, apierrors.InvalidStore(storeID, userID)
		}
		users = map[string]*Store{}
		r.stores[storeID] = users
	}
	s, ok := users[userID]
	if !ok {
		s = New(storeID, userID)
		users[userID] = s
	}
	return s, nil
}

// StoreIDs returns the served store ids, sorted.
func (r *Registry) StoreIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores))
	for id := range r.stores {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// UserIDs returns the user ids that have a store for storeID, sorted.
func (r *Registry) UserIDs(storeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores[storeID]))
	for id := range r.stores[storeID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
