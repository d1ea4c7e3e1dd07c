// Package datasync composes stores, binders and routing into the server and
// client ends of the synchronization protocol.
//
// Protocol events:
//
//	datasync_bindrequest(reqID, storeID, connInfo)  client -> server
//	datasync_bindstore(reqID, bindID|null)          server -> client
//	datasync_fetchall_<bindID>()                    client -> server
//	datasync_update_<bindID>({path, value})         both ways
//	datasync_unbindstore(bindID)                    client -> server
//	datasync_disconnect()                           client -> server
package datasync

import (
	"slices"
	"sync"

	"github.com/maruel/datasync/internal/binder"
	"github.com/maruel/datasync/internal/datastore"
	apierrors "github.com/maruel/datasync/internal/errors"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/updater"
)

// Protocol event names.
const (
	EventBindRequest = "datasync_bindrequest"
	EventBindStore   = "datasync_bindstore"
	EventUnbindStore = "datasync_unbindstore"
	EventDisconnect  = "datasync_disconnect"
)

// GlobalUser is the user id shared by every user of a global store.
const GlobalUser = "global"

// Manager owns a store registry and a binder.
//
// A store id is either global, one instance shared by every user, or per
// user. The choice is made when the id is served.
type Manager struct {
	Stores  *datastore.Registry
	Updater *updater.Updater
	Binder  *binder.Binder

	mu     sync.Mutex
	global map[string][]string
}

// NewManager returns an empty manager. side names it in logs.
//
// authoritative selects the end whose order of writes wins; see
// binder.Binder. A server is authoritative, its clients are not.
func NewManager(side string, authoritative bool) *Manager {
	u := updater.New()
	return &Manager{
		Stores:  datastore.NewRegistry(),
		Updater: u,
		Binder:  binder.New(u, side, authoritative),
		global:  map[string][]string{},
	}
}

// ServeGlobal serves storeID as a single shared store.
//
// Each user id listed in exceptUserIDs still gets its own store. They are
// used as sinks for connections a route refused.
func (m *Manager) ServeGlobal(storeID string, exceptUserIDs ...string) *Manager {
	m.mu.Lock()
	m.global[storeID] = slices.Clone(exceptUserIDs)
	m.mu.Unlock()
	m.Stores.Serve(storeID)
	return m
}

// ServeByUser serves storeID with one store per user id.
func (m *Manager) ServeByUser(storeID string) *Manager {
	m.mu.Lock()
	delete(m.global, storeID)
	m.mu.Unlock()
	m.Stores.Serve(storeID)
	return m
}

// IsGlobal reports whether storeID is served as a global store.
func (m *Manager) IsGlobal(storeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.global[storeID]
	return ok
}

// Store returns the store of userID for storeID.
//
// The user id is ignored for global stores, unless it is an exception. It is
// required for per user stores.
func (m *Manager) Store(storeID, userID string) (*datastore.Store, error) {
	if !m.Stores.Has(storeID) {
		return nil, apierrors.InvalidStore(storeID, userID)
	}
	m.mu.Lock()
	except, global := m.global[storeID]
	m.mu.Unlock()
	if global {
		if userID == "" || !slices.Contains(except, userID) {
			userID = GlobalUser
		}
	} else if userID == "" {
		return nil, apierrors.InvalidStore(storeID, userID)
	}
	return m.Stores.Store(storeID, userID, false)
}

// SubscribeOnUpdate adds a validator for writes coming from peers.
func (m *Manager) SubscribeOnUpdate(v updater.Validator) {
	m.Updater.Subscribe(v)
}

// BindStore pairs the default store of storeID directly with sock, using
// the store id as bind id. Both peers must bind the same store id.
func (m *Manager) BindStore(sock socket.Socket, storeID string, emitOnBind bool) error {
	s, err := m.Store(storeID, "")
	if err != nil {
		return err
	}
	m.Binder.Bind(sock, s, storeID, emitOnBind)
	return nil
}

// UnbindStore undoes BindStore.
func (m *Manager) UnbindStore(sock socket.Socket, storeID string) {
	m.Binder.Unbind(sock, storeID)
}

// ClearStores removes every binding of sock.
func (m *Manager) ClearStores(sock socket.Socket) {
	m.Binder.UnbindAll(sock)
}
