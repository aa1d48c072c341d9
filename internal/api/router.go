// Package api serves the station status, the diagnostic log and operator
// commands over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/eventlog"
	"github.com/sirupsen/logrus"
)

// ErrCommandQueueFull is returned by a Commander that cannot take more.
var ErrCommandQueueFull = errors.New("command queue full")

type StatusSource interface {
	Latest() *domain.Snapshot
}

type EventSource interface {
	List(ctx context.Context, limit int, kind eventlog.Kind) ([]eventlog.Entry, error)
}

type Commander interface {
	Enqueue(cmd domain.Command) error
}

type handlers struct {
	status StatusSource
	events EventSource
	cmds   Commander
	logger *logrus.Logger
}

// NewRouter builds the HTTP API. events may be nil when the diagnostic log
// is disabled.
func NewRouter(status StatusSource, events EventSource, cmds Commander, logger *logrus.Logger) http.Handler {
	h := &handlers{status: status, events: events, cmds: cmds, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.apiStatus)
		r.Get("/events", h.apiEvents)
		r.Post("/commands/{command}", h.apiCommand)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	snap := h.status.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no status yet")
		return
	}
	writeJSON(w, map[string]interface{}{
		"ok":                           true,
		"manual_intervention_required": snap.ManualInterventionRequired,
	})
}

func (h *handlers) apiStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.status.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no status yet")
		return
	}
	writeJSON(w, snap)
}

func (h *handlers) apiEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	kind := eventlog.Kind(r.URL.Query().Get("kind"))

	entries, err := h.events.List(r.Context(), limit, kind)
	if err != nil {
		h.logger.WithError(err).Warn("api: listing events failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, entries)
}

func (h *handlers) apiCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := domain.ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := h.cmds.Enqueue(cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrCommandQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	h.logger.WithField("command", cmd).Info("Operator command accepted over HTTP")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued", "command": string(cmd)})
}
