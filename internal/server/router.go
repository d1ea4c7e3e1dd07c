// Package server exposes a datasync server over HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/server/handlers"
	"github.com/maruel/datasync/internal/socket/wssocket"
)

// Config tunes the router.
type Config struct {
	// JWTSecret, when set, requires a bearer token on /api.
	JWTSecret []byte
	Version   string
	Socket    *wssocket.Options
}

// NewRouter creates and configures the HTTP router.
func NewRouter(srv *datasync.Server, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	hh := handlers.NewHealthHandler(srv, cfg.Version)
	sh := handlers.NewStoreHandler(srv)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Method(http.MethodGet, "/health", Wrap(hh.Health))
	r.Method(http.MethodGet, "/ws", handlers.NewSocketHandler(srv, cfg.Socket))

	r.Route("/api", func(r chi.Router) {
		if len(cfg.JWTSecret) != 0 {
			r.Use(AuthMiddleware(cfg.JWTSecret))
		}
		r.Method(http.MethodGet, "/stores", Wrap(sh.ListStores))
		r.Method(http.MethodGet, "/stores/{storeID}", Wrap(sh.GetStore))
		r.Method(http.MethodPut, "/stores/{storeID}", Wrap(sh.PutStore))
		r.Method(http.MethodDelete, "/stores/{storeID}", Wrap(sh.DeleteStore))
	})
	return r
}
