// Package handlers implements the HTTP handlers of the daemon.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/datasync"
	apierrors "github.com/maruel/datasync/internal/errors"
	"github.com/maruel/datasync/internal/pathutil"
)

// StoreHandler reads and writes served stores from the server side. Writes
// propagate to every bound client.
type StoreHandler struct {
	srv *datasync.Server
}

// NewStoreHandler creates a new store handler.
func NewStoreHandler(srv *datasync.Server) *StoreHandler {
	return &StoreHandler{srv: srv}
}

// ListStoresRequest is the request for ListStores (empty).
type ListStoresRequest struct{}

// StoreInfo describes one served store id.
type StoreInfo struct {
	ID     string   `json:"id"`
	Global bool     `json:"global"`
	Users  []string `json:"users"`
}

// ListStoresResponse lists the served stores.
type ListStoresResponse struct {
	Stores []StoreInfo `json:"stores"`
}

// StoreRequest addresses a path in a store.
type StoreRequest struct {
	StoreID string `json:"-" path:"storeID"`
	User    string `json:"-" query:"user"`
	Path    string `json:"-" query:"path"`
}

// PutStoreRequest writes a value. Value is required, null included.
type PutStoreRequest struct {
	StoreID string          `json:"-" path:"storeID"`
	User    string          `json:"-" query:"user"`
	Path    string          `json:"-" query:"path"`
	Value   json.RawMessage `json:"value"`
}

// StoreResponse is the value at a path after the operation.
type StoreResponse struct {
	Store    string   `json:"store"`
	User     string   `json:"user"`
	Path     string   `json:"path"`
	Exists   bool     `json:"exists"`
	Value    any      `json:"value"`
	ReadOnly []string `json:"read_only,omitempty"`
}

// ListStores returns the served store ids and the users that have a store.
func (h *StoreHandler) ListStores(ctx context.Context, req ListStoresRequest) (*ListStoresResponse, error) {
	out := &ListStoresResponse{Stores: []StoreInfo{}}
	for _, id := range h.srv.Stores.StoreIDs() {
		out.Stores = append(out.Stores, StoreInfo{ID: id, Global: h.srv.IsGlobal(id), Users: h.srv.Stores.UserIDs(id)})
	}
	return out, nil
}

// GetStore returns the value at a path.
func (h *StoreHandler) GetStore(ctx context.Context, req StoreRequest) (*StoreResponse, error) {
	s, err := h.srv.Store(req.StoreID, req.User)
	if err != nil {
		return nil, err
	}
	return respond(s, req.Path), nil
}

// PutStore writes a value at a path.
func (h *StoreHandler) PutStore(ctx context.Context, req PutStoreRequest) (*StoreResponse, error) {
	s, err := h.srv.Store(req.StoreID, req.User)
	if err != nil {
		return nil, err
	}
	if len(req.Value) == 0 {
		return nil, apierrors.MissingField("value")
	}
	var v any
	if err := json.Unmarshal(req.Value, &v); err != nil {
		return nil, apierrors.BadRequest("Invalid value").Wrap(err)
	}
	s.Update(req.Path, v)
	return respond(s, req.Path), nil
}

// DeleteStore removes the key at a path.
func (h *StoreHandler) DeleteStore(ctx context.Context, req StoreRequest) (*StoreResponse, error) {
	s, err := h.srv.Store(req.StoreID, req.User)
	if err != nil {
		return nil, err
	}
	if _, ok := s.Lookup(req.Path); !ok {
		return nil, apierrors.NotFound(pathutil.Format(req.Path))
	}
	s.Remove(req.Path)
	return respond(s, req.Path), nil
}

func respond(s *datastore.Store, path string) *StoreResponse {
	path = pathutil.Format(path)
	v, ok := s.Lookup(path)
	return &StoreResponse{
		Store:    s.StoreID,
		User:     s.UserID,
		Path:     path,
		Exists:   ok,
		Value:    v,
		ReadOnly: s.ReadOnlyPaths(),
	}
}
