package datasync

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/datasync/internal/binder"
	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/pathutil"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/userroute"
)

// ReqIDLength is the length of generated bind request ids.
const ReqIDLength = 10

type storeKey struct {
	storeID string
	userID  string
}

// Client requests bindings from a Server and keeps local copies of the
// bound stores.
//
// Stores requested with ConnectStore are requested again when a new socket
// is set.
type Client struct {
	*Manager

	mu      sync.Mutex
	sock    socket.Socket
	pending map[string]storeKey
	active  map[storeKey]string
	wanted  map[storeKey]userroute.ConnInfo
	order   []storeKey
}

// NewClient returns a client without socket.
func NewClient() *Client {
	return &Client{
		Manager: NewManager("client", false),
		pending: map[string]storeKey{},
		active:  map[storeKey]string{},
		wanted:  map[storeKey]userroute.ConnInfo{},
	}
}

// Store returns the local store for the pair, creating it when needed.
func (c *Client) Store(storeID, userID string) *datastore.Store {
	s, _ := c.Stores.Store(storeID, userID, true)
	return s
}

// BindID returns the bind id of the pair, or "" when it is not bound.
func (c *Client) BindID(storeID, userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[storeKey{storeID, userID}]
}

// SetSocket replaces the current socket and requests every store connected
// so far on it.
func (c *Client) SetSocket(sock socket.Socket) {
	c.ClearSocket()
	c.mu.Lock()
	c.sock = sock
	keys := slices.Clone(c.order)
	c.mu.Unlock()
	sock.On(EventBindStore, func(args socket.Args) {
		c.bindStore(sock, args)
	})
	for _, k := range keys {
		c.mu.Lock()
		info, ok := c.wanted[k]
		c.mu.Unlock()
		if ok {
			c.request(sock, k, info)
		}
	}
}

// ClearSocket tells the server to drop every binding and detaches the
// socket. Connected stores are remembered.
func (c *Client) ClearSocket() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.pending = map[string]storeKey{}
	active := c.active
	c.active = map[storeKey]string{}
	c.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.Emit(EventDisconnect); err != nil {
		slog.Debug("datasync: disconnect failed", "socket", sock.ID(), "err", err)
	}
	for _, bindID := range active {
		c.Binder.Unbind(sock, bindID)
	}
	sock.Off(EventBindStore)
}

// ConnectStore asks the server to bind the pair. The server's routes see
// info.
func (c *Client) ConnectStore(storeID, userID string, info userroute.ConnInfo) *Client {
	k := storeKey{storeID, userID}
	c.mu.Lock()
	if _, ok := c.wanted[k]; !ok {
		c.order = append(c.order, k)
	}
	c.wanted[k] = info
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		c.request(sock, k, info)
	}
	return c
}

// DisconnectStore asks the server to drop the binding of the pair and stops
// syncing it.
func (c *Client) DisconnectStore(storeID, userID string) {
	k := storeKey{storeID, userID}
	c.mu.Lock()
	c.forget(k)
	bindID := c.active[k]
	delete(c.active, k)
	for reqID, p := range c.pending {
		if p == k {
			delete(c.pending, reqID)
		}
	}
	sock := c.sock
	c.mu.Unlock()
	if sock == nil || bindID == "" {
		return
	}
	if err := sock.Emit(EventUnbindStore, bindID); err != nil {
		slog.Debug("datasync: unbind failed", "socket", sock.ID(), "err", err)
	}
	c.Binder.Unbind(sock, bindID)
}

// forget must be called with mu held.
func (c *Client) forget(k storeKey) {
	delete(c.wanted, k)
	c.order = slices.DeleteFunc(c.order, func(e storeKey) bool { return e == k })
}

func (c *Client) request(sock socket.Socket, k storeKey, info userroute.ConnInfo) {
	if info == nil {
		info = userroute.ConnInfo{}
	}
	c.mu.Lock()
	reqID := pathutil.UniqueToken(ReqIDLength, func(id string) bool {
		_, ok := c.pending[id]
		return ok
	})
	c.pending[reqID] = k
	c.mu.Unlock()
	slog.Debug("datasync: bind request", "socket", sock.ID(), "store", k.storeID, "user", k.userID, "req", reqID)
	if err := sock.Emit(EventBindRequest, reqID, k.storeID, info); err != nil {
		slog.Warn("datasync: bind request failed", "socket", sock.ID(), "store", k.storeID, "err", err)
	}
}

func (c *Client) bindStore(sock socket.Socket, args socket.Args) {
	reqID, err := args.String(0)
	if err != nil {
		slog.Warn("datasync: invalid bind reply", "socket", sock.ID(), "err", err)
		return
	}
	c.mu.Lock()
	k, ok := c.pending[reqID]
	delete(c.pending, reqID)
	if !ok || c.sock != sock {
		c.mu.Unlock()
		return
	}
	if args.IsNull(1) {
		c.forget(k)
		c.mu.Unlock()
		slog.Warn("datasync: bind refused", "socket", sock.ID(), "store", k.storeID, "user", k.userID)
		return
	}
	bindID, err := args.String(1)
	if err != nil {
		c.mu.Unlock()
		slog.Warn("datasync: invalid bind id", "socket", sock.ID(), "err", err)
		return
	}
	old := c.active[k]
	c.active[k] = bindID
	c.mu.Unlock()
	if old != "" {
		_ = sock.Emit(EventUnbindStore, old)
		c.Binder.Unbind(sock, old)
	}
	c.Binder.Bind(sock, c.Store(k.storeID, k.userID), bindID, false)
	if err := sock.Emit(binder.FetchAllEvent(bindID)); err != nil {
		slog.Warn("datasync: fetch failed", "socket", sock.ID(), "err", err)
	}
}
