package http

import (
	"log/slog"
	"net/http"

	"distributed-distort/internal/domain"
)

// WorkerLister is what the dispatcher's admin API reads.
type WorkerLister interface {
	Snapshot() []domain.WorkerRecord
}

// WorkersHandler serves the dispatcher's GET /workers.
type WorkersHandler struct {
	base
	registry WorkerLister
}

// NewWorkersHandler creates a handler over registry.
func NewWorkersHandler(registry WorkerLister, logger *slog.Logger) *WorkersHandler {
	return &WorkersHandler{base: newBase(logger, "workers-handler"), registry: registry}
}

// RegisterRoutes registers the dispatcher routes on mux.
func (h *WorkersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /workers", h.instrument("/workers", h.handleListWorkers))
}

// handleListWorkers lists registered workers, optionally filtered by ?type=.
func (h *WorkersHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListWorkers")
	defer span.End()

	var want domain.WorkerType
	if t := r.URL.Query().Get("type"); t != "" {
		wt, err := domain.ParseWorkerType(t)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		want = wt
	}

	resp := WorkersResponse{Workers: []WorkerResponse{}}
	for _, rec := range h.registry.Snapshot() {
		if want != "" && rec.Type != want {
			continue
		}
		resp.Total++
		if rec.Idle {
			resp.Idle++
		}
		resp.Workers = append(resp.Workers, toWorkerResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}
