package datasync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/userroute"
)

// OnBindFunc is called after a socket was bound to a store.
type OnBindFunc func(sock socket.Socket, store *datastore.Store, info userroute.ConnInfo)

// Server answers bind requests from clients.
type Server struct {
	*Manager
	Router *userroute.Router

	mu      sync.Mutex
	onBind  []OnBindFunc
	sockets map[string]context.CancelFunc
}

// NewServer returns a server without stores.
func NewServer() *Server {
	return &Server{
		Manager: NewManager("server", true),
		Router:  userroute.New(),
		sockets: map[string]context.CancelFunc{},
	}
}

// ServeGlobal serves storeID as a single shared store. See
// Manager.ServeGlobal.
func (s *Server) ServeGlobal(storeID string, exceptUserIDs ...string) *Server {
	s.Manager.ServeGlobal(storeID, exceptUserIDs...)
	s.Router.SetUserRoute(storeID, nil)
	return s
}

// ServeByUser serves storeID with one store per user. route, when not nil,
// resolves the user of a connection.
func (s *Server) ServeByUser(storeID string, route userroute.Route) *Server {
	s.Manager.ServeByUser(storeID)
	s.Router.SetUserRoute(storeID, route)
	return s
}

// UserRoute adds a route consulted for every store. The returned function
// removes it.
func (s *Server) UserRoute(route userroute.Route) (remove func()) {
	return s.Router.AddGlobalRoute(route)
}

// OnBind adds fn to the functions called after each binding.
func (s *Server) OnBind(fn OnBindFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBind = append(s.onBind, fn)
}

// AddSocket starts answering the protocol on sock.
//
// ctx bounds routing. It is canceled by RemoveSocket.
func (s *Server) AddSocket(ctx context.Context, sock socket.Socket) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if old := s.sockets[sock.ID()]; old != nil {
		old()
	}
	s.sockets[sock.ID()] = cancel
	s.mu.Unlock()
	slog.DebugContext(ctx, "datasync: add socket", "socket", sock.ID())

	sock.On(EventBindRequest, func(args socket.Args) {
		s.bindRequest(ctx, sock, args)
	})
	sock.On(EventUnbindStore, func(args socket.Args) {
		bindID, err := args.String(0)
		if err != nil {
			slog.WarnContext(ctx, "datasync: invalid unbind", "socket", sock.ID(), "err", err)
			return
		}
		s.Binder.Unbind(sock, bindID)
	})
	sock.On(EventDisconnect, func(socket.Args) {
		s.Binder.UnbindAll(sock)
	})
	sock.On(socket.EventDisconnect, func(socket.Args) {
		s.RemoveSocket(sock)
	})
}

// RemoveSocket stops answering on sock and removes its bindings.
func (s *Server) RemoveSocket(sock socket.Socket) {
	s.mu.Lock()
	cancel := s.sockets[sock.ID()]
	delete(s.sockets, sock.ID())
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	sock.Off(EventBindRequest)
	sock.Off(EventUnbindStore)
	sock.Off(EventDisconnect)
	sock.Off(socket.EventDisconnect)
	s.Binder.UnbindAll(sock)
	slog.Debug("datasync: remove socket", "socket", sock.ID())
}

// Sockets returns the number of sockets added and not yet removed.
func (s *Server) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

func (s *Server) bindRequest(ctx context.Context, sock socket.Socket, args socket.Args) {
	reqID, err := args.String(0)
	if err != nil {
		slog.WarnContext(ctx, "datasync: invalid bind request", "socket", sock.ID(), "err", err)
		return
	}
	storeID, _ := args.String(1)
	var info userroute.ConnInfo
	if !args.IsNull(2) {
		if err := args.Decode(2, &info); err != nil {
			slog.WarnContext(ctx, "datasync: invalid connection info", "socket", sock.ID(), "err", err)
		}
	}
	if info == nil {
		info = userroute.ConnInfo{}
	}
	reply := func(bindID any) {
		if err := sock.Emit(EventBindStore, reqID, bindID); err != nil {
			slog.DebugContext(ctx, "datasync: reply failed", "socket", sock.ID(), "err", err)
		}
	}

	userID, err := s.Router.Route(ctx, sock, storeID, info)
	if err != nil {
		reply(nil)
		return
	}
	if !s.Stores.Has(storeID) {
		slog.InfoContext(ctx, "datasync: unknown store", "socket", sock.ID(), "store", storeID)
		reply(nil)
		return
	}
	store, err := s.Store(storeID, userID)
	if err != nil {
		slog.WarnContext(ctx, "datasync: store lookup failed", "socket", sock.ID(), "store", storeID, "user", userID, "err", err)
		reply(nil)
		return
	}
	bindID := s.Binder.NewBindID(sock)
	s.Binder.Bind(sock, store, bindID, false)
	s.mu.Lock()
	callbacks := append([]OnBindFunc(nil), s.onBind...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(sock, store, info)
	}
	slog.InfoContext(ctx, "datasync: bound", "socket", sock.ID(), "store", storeID, "user", store.UserID, "bind", bindID)
	reply(bindID)
}
