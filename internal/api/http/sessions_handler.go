package http

import (
	"errors"
	"log/slog"
	"net/http"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/transfer"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SessionsHandler serves the worker's session and history routes.
type SessionsHandler struct {
	base
	server  *transfer.Server
	history domain.HistoryRepository
}

// NewSessionsHandler creates a handler. history may be nil, in which case the
// history routes answer 404.
func NewSessionsHandler(server *transfer.Server, history domain.HistoryRepository, logger *slog.Logger) *SessionsHandler {
	return &SessionsHandler{base: newBase(logger, "sessions-handler"), server: server, history: history}
}

// RegisterRoutes registers the worker routes on mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /sessions", h.instrument("/sessions", h.handleListSessions))
	mux.Handle("DELETE /sessions/{id}", h.instrument("/sessions/{id}", h.handleCancelSession))
	mux.Handle("GET /history/{user}", h.instrument("/history/{user}", h.handleListHistory))
	mux.Handle("GET /history/{user}/{id}", h.instrument("/history/{user}/{id}", h.handleGetHistory))
}

func (h *SessionsHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListSessions")
	defer span.End()

	store := h.server.Store()
	writeJSON(w, http.StatusOK, SessionsResponse{Attached: store.Attached(), Sessions: store.List()})
}

// handleCancelSession cancels a session (DELETE /sessions/{id}).
func (h *SessionsHandler) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelSession")
	defer span.End()
	id := r.PathValue("id")
	span.SetAttributes(attribute.String("session.id", id))

	if err := h.server.CancelSession(ctx, id); err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		span.SetStatus(codes.Error, "Failed to cancel session")
		h.logger.Error("error cancelling session", "session", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		return
	}
	h.logger.Info("session cancelled over admin api", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListHistory pages a user's job records (GET /history/{user}?page=&pageSize=).
func (h *SessionsHandler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListHistory")
	defer span.End()
	if h.history == nil {
		http.NotFound(w, r)
		return
	}
	user := r.PathValue("user")

	q, err := parseHistoryQuery(r.URL.Query())
	if err == nil {
		err = h.validate.Struct(q)
	}
	if err != nil {
		span.RecordError(err)
		writeValidation(w, err)
		return
	}
	span.SetAttributes(attribute.String("user", user), attribute.Int("page", q.Page), attribute.Int("page_size", q.PageSize))

	records, err := h.history.ListByUser(ctx, user, q.Page, q.PageSize)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list history")
		span.RecordError(err)
		h.logger.Error("error listing job history", "user", user, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		return
	}
	if records == nil {
		records = []*domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *SessionsHandler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetHistory")
	defer span.End()
	if h.history == nil {
		http.NotFound(w, r)
		return
	}
	user, id := r.PathValue("user"), r.PathValue("id")

	rec, err := h.history.Get(ctx, user, id)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		span.SetStatus(codes.Error, "Failed to get history record")
		h.logger.Error("error getting job record", "user", user, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
