package api

import (
	"context"
	"devicefleet/internal/directory"
	"devicefleet/internal/observability"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// endpointByAlias resolves an alias through the live fleet when there is one, so only
// connected devices match. Without a fleet the directory is used.
func (s *Server) endpointByAlias(ctx context.Context, alias string) (*directory.Endpoint, error) {
	if s.fleet == nil {
		return s.dir.GetByAlias(ctx, alias)
	}
	id, ok := s.fleet.Resolve(alias)
	if !ok {
		return nil, directory.ErrEndpointNotFound
	}
	return s.dir.Get(ctx, id)
}

// lookup writes the error response and returns nil when the endpoint cannot be loaded.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, load func(context.Context, string) (*directory.Endpoint, error), key string) *directory.Endpoint {
	ep, err := load(r.Context(), key)
	if errors.Is(err, directory.ErrEndpointNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to load device", err)
		return nil
	}
	return ep
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep := s.lookup(w, r, s.endpointByAlias, mux.Vars(r)["alias"])
	if ep == nil {
		return
	}

	pending, err := s.queue.QueueLength(ctx, ep.Alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read queue", err)
		return
	}
	counters, err := s.queue.Counters(ctx, ep.Alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read counters", err)
		return
	}

	writeJSON(w, http.StatusOK, DeviceStatsResponse{
		Alias:       ep.Alias,
		ID:          ep.ID,
		Status:      string(ep.Status),
		Worker:      workerState(s.pool.Status(), ep.Alias),
		QueueLength: pending,
		Today:       counters.Today,
		Total:       counters.Total,
		Stats:       s.pool.Stats(),
	})
}

func (s *Server) handleDevicePending(w http.ResponseWriter, r *http.Request) {
	ep := s.lookup(w, r, s.dir.GetByAlias, mux.Vars(r)["alias"])
	if ep == nil {
		return
	}
	pending, err := s.queue.ListPending(r.Context(), ep.Alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, ListPendingResponse{Alias: ep.Alias, Count: len(pending), Tasks: pending})
}

// handleReconnect runs the monitor's reconnect sequence for one device and then resyncs the
// fleet so a recovered device gets its worker back.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, "health monitor disabled", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	ep := s.lookup(w, r, s.dir.Get, mux.Vars(r)["id"])
	if ep == nil {
		return
	}

	if err := s.health.Reconnect(ctx, *ep); err != nil {
		s.fail(w, r, http.StatusBadGateway, "reconnect failed", err)
		return
	}
	if s.fleet != nil {
		if _, err := s.fleet.Sync(ctx, false); err != nil {
			s.logger.Warn("resync after reconnect failed", "endpoint_id", ep.ID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, DeviceActionResponse{
		ID:      ep.ID,
		Alias:   ep.Alias,
		Status:  string(directory.StatusOnline),
		Message: "device reconnected",
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ep := s.lookup(w, r, s.dir.Get, mux.Vars(r)["id"])
	if ep == nil {
		return
	}
	if err := s.dir.SetStatus(r.Context(), ep.ID, directory.StatusOffline); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to update device", err)
		return
	}
	writeJSON(w, http.StatusOK, DeviceActionResponse{
		ID:      ep.ID,
		Alias:   ep.Alias,
		Status:  string(directory.StatusOffline),
		Message: "device marked offline",
	})
}

func (s *Server) handleSetCoordinates(w http.ResponseWriter, r *http.Request) {
	var req SetCoordinatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.FocusX == nil || req.FocusY == nil || *req.FocusX < 0 || *req.FocusY < 0 {
		http.Error(w, "focus_x and focus_y must be non-negative integers", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	err := s.dir.SetFocus(r.Context(), id, *req.FocusX, *req.FocusY)
	if errors.Is(err, directory.ErrEndpointNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to update coordinates", err)
		return
	}
	observability.LoggerFromContext(r.Context()).Info("focus point updated", "endpoint_id", id, "x", *req.FocusX, "y", *req.FocusY)

	// running workers pick the point up on reconcile
	if s.fleet != nil {
		if _, err := s.fleet.Sync(r.Context(), false); err != nil {
			s.logger.Warn("resync after focus update failed", "endpoint_id", id, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
