// Package updater gates writes coming from peers.
package updater

import (
	"log/slog"
	"sync"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
)

// Validator returns false to veto a write from sock.
//
// value is nil for removals.
type Validator func(sock socket.Socket, store *datastore.Store, path string, value any) bool

// Updater applies peer writes once every validator accepts them.
type Updater struct {
	mu         sync.Mutex
	validators []Validator
}

// New returns an Updater with no validators.
func New() *Updater {
	return &Updater{}
}

// Subscribe adds v. Validators cannot be removed.
func (u *Updater) Subscribe(v Validator) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.validators = append(u.validators, v)
}

// UpdateStore writes value at path on behalf of sock, tagging the write with
// the socket id.
//
// Writes that would change a read-only path are rejected. Every validator
// runs, even after one vetoed. On rejection onRejected is called instead and
// false is returned.
func (u *Updater) UpdateStore(sock socket.Socket, store *datastore.Store, path string, value any, onRejected func(), remove bool) bool {
	valid := true
	if store.AltersReadOnly(path, value, remove) {
		slog.Debug("updater: read-only", "store", store.StoreID, "user", store.UserID, "path", path, "socket", sock.ID())
		valid = false
	}
	u.mu.Lock()
	validators := u.validators
	u.mu.Unlock()
	for _, v := range validators {
		if !v(sock, store, path, value) {
			valid = false
		}
	}
	if !valid {
		if onRejected != nil {
			onRejected()
		}
		return false
	}
	if remove {
		store.Remove(path, sock.ID())
	} else {
		store.Update(path, value, sock.ID())
	}
	return true
}
