package handlers

import (
	"log/slog"
	"net/http"

	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/socket/wssocket"
)

// SocketHandler upgrades requests to websockets and serves the
// synchronization protocol on them.
type SocketHandler struct {
	srv  *datasync.Server
	opts *wssocket.Options
}

// NewSocketHandler creates a new websocket handler.
func NewSocketHandler(srv *datasync.Server, opts *wssocket.Options) *SocketHandler {
	return &SocketHandler{srv: srv, opts: opts}
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := wssocket.Accept(w, r, h.opts)
	if err != nil {
		// The upgrader already replied.
		slog.WarnContext(ctx, "Websocket upgrade failed", "err", err)
		return
	}
	slog.InfoContext(ctx, "Socket connected", "socket", conn.ID(), "ip", r.RemoteAddr)
	h.srv.AddSocket(ctx, conn)
	err = conn.Run(ctx)
	slog.InfoContext(ctx, "Socket disconnected", "socket", conn.ID(), "err", err)
}
