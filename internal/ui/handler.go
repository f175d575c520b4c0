package ui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/parambind/internal/connection"
)

// HealthCheck reports whether an optional component is usable.
type HealthCheck func(ctx context.Context) error

// HandlerOption configures a Handler.
type HandlerOption func(*handler)

// WithHealthCheck adds a named component to /health.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *handler) {
		h.checks = append(h.checks, namedCheck{name: name, check: check})
	}
}

// WithStats adds a named stats source to /health.
func WithStats(name string, stats func() any) HandlerOption {
	return func(h *handler) {
		h.stats = append(h.stats, namedStats{name: name, stats: stats})
	}
}

type namedCheck struct {
	name  string
	check HealthCheck
}

type namedStats struct {
	name  string
	stats func() any
}

type handler struct {
	panel  *Panel
	mgr    connection.Manager
	logger *slog.Logger
	checks []namedCheck
	stats  []namedStats
}

// NewHandler creates the HTTP handler for a panel.
//
//	GET  /health            manager state and stats
//	GET  /bindings          every binding
//	GET  /bindings/{name}   one binding
//	PUT  /bindings/{name}   edit an editable binding, body {"value": "..."}
func NewHandler(panel *Panel, mgr connection.Manager, logger *slog.Logger, opts ...HandlerOption) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{panel: panel, mgr: mgr, logger: logger}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /bindings", h.list)
	mux.HandleFunc("GET /bindings/{name}", h.get)
	mux.HandleFunc("PUT /bindings/{name}", h.edit)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := h.mgr.Stats()

	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	health.Components["connection"] = stats
	if stats.State != connection.StateConnected.String() {
		health.Status = "degraded"
	}

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components[c.name] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components[c.name] = "connected"
		}
	}

	for _, s := range h.stats {
		health.Components[s.name] = s.stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	views := h.panel.Views()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(views),
		"bindings": views,
	})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.panel.View(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) edit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"value\": \"...\"}"})
		return
	}

	if err := h.panel.Edit(name, *body.Value); err != nil {
		h.logger.Debug("edit rejected", "name", name, "error", err)
		writeError(w, err)
		return
	}

	view, err := h.panel.View(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownBinding):
		status = http.StatusNotFound
	case errors.Is(err, connection.ErrReadOnly):
		status = http.StatusConflict
	case errors.Is(err, connection.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
