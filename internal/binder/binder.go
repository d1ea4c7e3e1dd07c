// Package binder keeps a store synchronized with a peer over a socket.
//
// Each binding owns two events on the socket, named after its bind id:
// "datasync_fetchall_<id>" asks for a full snapshot and
// "datasync_update_<id>" carries one path scoped write in either direction.
package binder

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/pathutil"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/updater"
)

// BindIDLength is the length of generated bind ids.
const BindIDLength = 10

// FetchAllEvent returns the snapshot request event of a binding.
func FetchAllEvent(bindID string) string {
	return "datasync_fetchall_" + bindID
}

// UpdateEvent returns the update event of a binding.
func UpdateEvent(bindID string) string {
	return "datasync_update_" + bindID
}

// Update is the payload of an update event.
//
// Value is the JSON encoding of the new value. Remove marks a deleted key, in
// which case Value is "null".
type Update struct {
	Path   string `json:"path"`
	Value  string `json:"value"`
	Remove bool   `json:"remove,omitempty"`
}

type binding struct {
	store    *datastore.Store
	listener *datastore.Listener
}

// Binder tracks the bindings of every socket.
//
// An authoritative binder sends the resulting value back after accepting a
// peer write, so both ends settle on its order of writes. Exactly one end of
// a connection must be authoritative. Rejected writes are resent by both.
type Binder struct {
	updater       *updater.Updater
	side          string
	authoritative bool

	mu       sync.Mutex
	bindings map[string]map[string]*binding
}

// New returns a Binder applying inbound writes through u. side names the
// binder in logs.
func New(u *updater.Updater, side string, authoritative bool) *Binder {
	return &Binder{updater: u, side: side, authoritative: authoritative, bindings: map[string]map[string]*binding{}}
}

// NewBindID returns a bind id not used by any current binding of sock.
func (b *Binder) NewBindID(sock socket.Socket) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.bindings[sock.ID()]
	return pathutil.UniqueToken(BindIDLength, func(id string) bool {
		_, ok := cur[id]
		return ok
	})
}

// Bind couples store with sock under bindID.
//
// Local writes are sent to the peer unless they came from sock. Writes from
// the peer go through the updater; a rejected write is answered with the
// current value. With emitOnBind the full value is sent right away.
func (b *Binder) Bind(sock socket.Socket, store *datastore.Store, bindID string, emitOnBind bool) {
	slog.Debug("binder: bind", "side", b.side, "store", store.StoreID, "user", store.UserID, "socket", sock.ID(), "bind", bindID)
	sock.On(FetchAllEvent(bindID), func(socket.Args) {
		b.send(sock, store, bindID, pathutil.Root)
	})
	sock.On(UpdateEvent(bindID), func(args socket.Args) {
		b.receive(sock, store, bindID, args)
	})
	id := sock.ID()
	bd := &binding{store: store}
	b.mu.Lock()
	if b.bindings[id] == nil {
		b.bindings[id] = map[string]*binding{}
	}
	b.bindings[id][bindID] = bd
	b.mu.Unlock()
	bd.listener = store.On(datastore.Update, pathutil.Root, func(_ any, path string, flags []string) {
		if slices.Contains(flags, id) {
			return
		}
		b.send(sock, store, bindID, path)
	}, emitOnBind)
}

// Unbind tears down one binding. It is a no-op for unknown bindings.
func (b *Binder) Unbind(sock socket.Socket, bindID string) {
	sock.Off(UpdateEvent(bindID))
	sock.Off(FetchAllEvent(bindID))
	id := sock.ID()
	b.mu.Lock()
	bd := b.bindings[id][bindID]
	delete(b.bindings[id], bindID)
	if len(b.bindings[id]) == 0 {
		delete(b.bindings, id)
	}
	b.mu.Unlock()
	if bd == nil {
		return
	}
	slog.Debug("binder: unbind", "side", b.side, "store", bd.store.StoreID, "user", bd.store.UserID, "socket", id, "bind", bindID)
	bd.store.Off(bd.listener)
}

// UnbindAll tears down every binding of sock.
func (b *Binder) UnbindAll(sock socket.Socket) {
	for _, bindID := range b.Bindings(sock) {
		b.Unbind(sock, bindID)
	}
}

// Bindings returns the bind ids of sock, sorted.
func (b *Binder) Bindings(sock socket.Socket) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.bindings[sock.ID()]))
	for id := range b.bindings[sock.ID()] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Store returns the store bound under bindID, or nil.
func (b *Binder) Store(sock socket.Socket, bindID string) *datastore.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd := b.bindings[sock.ID()][bindID]; bd != nil {
		return bd.store
	}
	return nil
}

// send pushes the current value at path to the peer.
func (b *Binder) send(sock socket.Socket, store *datastore.Store, bindID, path string) {
	v, ok := store.Lookup(path)
	up := Update{Path: path, Value: "null"}
	if !ok && path != pathutil.Root {
		up.Remove = true
	} else {
		raw, err := json.Marshal(v)
		if err != nil {
			slog.Error("binder: encoding value", "side", b.side, "store", store.StoreID, "path", path, "err", err)
			return
		}
		up.Value = string(raw)
	}
	slog.Debug("binder: send", "side", b.side, "store", store.StoreID, "user", store.UserID, "socket", sock.ID(), "path", path, "value", up.Value, "remove", up.Remove)
	if err := sock.Emit(UpdateEvent(bindID), up); err != nil {
		slog.Debug("binder: send failed", "side", b.side, "socket", sock.ID(), "err", err)
	}
}

// receive applies a write from the peer. The authoritative end confirms it
// by sending the resulting value back.
//
// A write matching the local value is dropped, which ends the confirmation
// exchange.
func (b *Binder) receive(sock socket.Socket, store *datastore.Store, bindID string, args socket.Args) {
	var up Update
	if err := args.Decode(0, &up); err != nil {
		slog.Warn("binder: invalid update", "side", b.side, "socket", sock.ID(), "err", err)
		return
	}
	path := pathutil.Format(up.Path)
	var v any
	if !up.Remove {
		if err := json.Unmarshal([]byte(up.Value), &v); err != nil {
			slog.Warn("binder: invalid update value", "side", b.side, "socket", sock.ID(), "path", path, "err", err)
			return
		}
	}
	slog.Debug("binder: receive", "side", b.side, "store", store.StoreID, "user", store.UserID, "socket", sock.ID(), "path", path, "value", up.Value, "remove", up.Remove)
	cur, ok := store.Lookup(path)
	if up.Remove && !ok || !up.Remove && (ok || path == pathutil.Root) && datastore.Equal(cur, v) {
		return
	}
	resync := func() { b.send(sock, store, bindID, path) }
	if b.updater.UpdateStore(sock, store, path, v, resync, up.Remove) && b.authoritative {
		resync()
	}
}
