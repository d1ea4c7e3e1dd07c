// Package userroute resolves which user's store a connection gets.
package userroute

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maruel/datasync/internal/socket"
	"golang.org/x/sync/errgroup"
)

// ConnInfo is the connection information sent by a client with a bind
// request.
type ConnInfo map[string]any

// String returns the string value of key, or "".
func (c ConnInfo) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Route resolves a bind request to a user id. An empty id means the route
// has no opinion. Errors are logged and count as an empty id.
type Route func(ctx context.Context, sock socket.Socket, storeID string, info ConnInfo) (string, error)

type globalRoute struct {
	fn Route
}

// Router runs global routes, then the route of the store, then falls back to
// the socket id.
type Router struct {
	mu       sync.Mutex
	global   []*globalRoute
	perStore map[string]Route
}

// New returns a Router without routes.
func New() *Router {
	return &Router{perStore: map[string]Route{}}
}

// AddGlobalRoute adds fn to the routes consulted for every store. The
// returned function removes it.
func (r *Router) AddGlobalRoute(fn Route) (remove func()) {
	g := &globalRoute{fn: fn}
	r.mu.Lock()
	r.global = append(r.global, g)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.global {
			if e == g {
				r.global = append(r.global[:i:i], r.global[i+1:]...)
				return
			}
		}
	}
}

// SetUserRoute sets the route of storeID. A nil fn clears it.
func (r *Router) SetUserRoute(storeID string, fn Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.perStore, storeID)
	} else {
		r.perStore[storeID] = fn
	}
}

// Route returns the user id for a bind request.
//
// Global routes run concurrently and all of them must return before the
// first non-empty result, in registration order, is picked. The store route
// only runs when none matched. The only error is the context's.
func (r *Router) Route(ctx context.Context, sock socket.Socket, storeID string, info ConnInfo) (string, error) {
	r.mu.Lock()
	global := make([]Route, len(r.global))
	for i, g := range r.global {
		global[i] = g.fn
	}
	perStore := r.perStore[storeID]
	r.mu.Unlock()

	results := make([]string, len(global))
	var eg errgroup.Group
	for i, fn := range global {
		eg.Go(func() error {
			results[i] = r.call(ctx, fn, sock, storeID, info)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, id := range results {
		if id != "" {
			return id, nil
		}
	}
	if perStore != nil {
		if id := r.call(ctx, perStore, sock, storeID, info); id != "" {
			return id, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return sock.ID(), nil
}

func (r *Router) call(ctx context.Context, fn Route, sock socket.Socket, storeID string, info ConnInfo) string {
	id, err := fn(ctx, sock, storeID, info)
	if err != nil {
		slog.WarnContext(ctx, "userroute: route failed", "store", storeID, "socket", sock.ID(), "err", err)
		return ""
	}
	return id
}
