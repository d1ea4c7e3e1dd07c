package server

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/maruel/datasync/internal/auth"
	"github.com/maruel/datasync/internal/config"
	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/pathutil"
	"github.com/maruel/datasync/internal/ratelimit"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/userroute"
)

// Stores applies a configuration to a datasync server.
type Stores struct {
	srv     *datasync.Server
	limiter *ratelimit.Limiter

	mu  sync.Mutex
	cfg *config.Config
}

// Configure serves the stores listed in cfg on srv.
//
// Global stores are seeded right away; per user stores are seeded when first
// bound while still empty.
func Configure(srv *datasync.Server, cfg *config.Config) (*Stores, error) {
	s := &Stores{srv: srv, cfg: cfg}
	for i := range cfg.Stores {
		sc := &cfg.Stores[i]
		route, err := storeRoute(cfg, sc)
		if err != nil {
			return nil, err
		}
		switch sc.Scope {
		case config.ScopeGlobal:
			srv.ServeGlobal(sc.ID, sc.ExceptUsers...)
			if route != nil {
				// Authenticated users share the store, the others land in the
				// first exception.
				srv.Router.SetUserRoute(sc.ID, auth.OrElse(route, sc.ExceptUsers[0]))
			}
			st, err := srv.Store(sc.ID, "")
			if err != nil {
				return nil, err
			}
			seed(st, sc)
		case config.ScopeUser:
			srv.ServeByUser(sc.ID, route)
		default:
			return nil, fmt.Errorf("store %q: invalid scope %q", sc.ID, sc.Scope)
		}
	}
	s.applyReadOnly(cfg)
	srv.OnBind(s.onBind)
	if cfg.RateLimit.UpdatesPerSecond > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit.UpdatesPerSecond, time.Second, cfg.RateLimit.Burst)
		srv.SubscribeOnUpdate(s.limiter.Validator())
	}
	return s, nil
}

// Reload applies the parts of cfg that can change at runtime: seeds and
// read-only marks. Other changes need a restart.
func (s *Stores) Reload(cfg *config.Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	for i := range cfg.Stores {
		sc := &cfg.Stores[i]
		if o := old.StoreByID(sc.ID); o == nil || o.Scope != sc.Scope || o.Route != sc.Route || !slices.Equal(o.ExceptUsers, sc.ExceptUsers) {
			slog.Warn("Store change ignored until restart", "store", sc.ID)
		}
	}
	s.applyReadOnly(cfg)
}

// Close releases the rate limiter.
func (s *Stores) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// applyReadOnly replaces the read-only marks of every existing store with
// the ones listed in cfg.
func (s *Stores) applyReadOnly(cfg *config.Config) {
	for i := range cfg.Stores {
		sc := &cfg.Stores[i]
		for _, userID := range s.srv.Stores.UserIDs(sc.ID) {
			st, err := s.srv.Stores.Store(sc.ID, userID, false)
			if err != nil {
				continue
			}
			setReadOnly(st, sc.ReadOnly)
		}
	}
}

func (s *Stores) onBind(_ socket.Socket, st *datastore.Store, _ userroute.ConnInfo) {
	s.mu.Lock()
	sc := s.cfg.StoreByID(st.StoreID)
	s.mu.Unlock()
	if sc == nil {
		return
	}
	// Exception stores of a global store stay empty.
	if sc.Scope == config.ScopeUser {
		seed(st, sc)
	}
	setReadOnly(st, sc.ReadOnly)
}

func storeRoute(cfg *config.Config, sc *config.Store) (userroute.Route, error) {
	switch sc.Route {
	case config.RouteNone, "":
		return nil, nil
	case config.RouteJWT:
		return auth.JWT([]byte(cfg.Auth.JWTSecret)), nil
	case config.RoutePassword:
		return auth.Password(cfg.Auth.Users), nil
	case config.RouteConnInfo:
		return auth.ConnInfo(), nil
	default:
		return nil, fmt.Errorf("store %q: invalid route %q", sc.ID, sc.Route)
	}
}

func seed(st *datastore.Store, sc *config.Store) {
	if len(sc.Seed) == 0 {
		return
	}
	if m, ok := st.Value(pathutil.Root).(map[string]any); ok && len(m) != 0 {
		return
	}
	slog.Debug("Seeding store", "store", st.StoreID, "user", st.UserID)
	st.Update(pathutil.Root, sc.Seed)
}

func setReadOnly(st *datastore.Store, paths []string) {
	for _, p := range st.ReadOnlyPaths() {
		if !slices.Contains(paths, p) {
			st.SetReadOnly(p, false)
		}
	}
	for _, p := range paths {
		st.SetReadOnly(p, true)
	}
}
