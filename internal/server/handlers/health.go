package handlers

import (
	"context"

	"github.com/maruel/datasync/internal/datasync"
)

// HealthHandler reports liveness.
type HealthHandler struct {
	srv     *datasync.Server
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(srv *datasync.Server, version string) *HealthHandler {
	return &HealthHandler{srv: srv, version: version}
}

// HealthRequest is the request type for health check (empty).
type HealthRequest struct{}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Sockets int    `json:"sockets"`
}

// Health returns the health status of the server.
func (h *HealthHandler) Health(ctx context.Context, req HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: "ok", Version: h.version, Sockets: h.srv.Sockets()}, nil
}
