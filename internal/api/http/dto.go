package http

import (
	"net/url"
	"strconv"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/transfer"
)

// HistoryQuery is the pagination of GET /history/{user}.
type HistoryQuery struct {
	Page     int `validate:"min=1"`
	PageSize int `validate:"min=1,max=100"`
}

// parseHistoryQuery reads page and pageSize, defaulting absent values to 1 and 20.
func parseHistoryQuery(q url.Values) (HistoryQuery, error) {
	hq := HistoryQuery{Page: 1, PageSize: 20}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return hq, err
		}
		hq.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return hq, err
		}
		hq.PageSize = n
	}
	return hq, nil
}

// WorkerResponse is one registered worker as listed by GET /workers.
type WorkerResponse struct {
	ID           string            `json:"id"`
	Type         domain.WorkerType `json:"type"`
	Endpoint     string            `json:"endpoint"`
	Idle         bool              `json:"idle"`
	RegisteredAt string            `json:"registered_at"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
}

func toWorkerResponse(rec domain.WorkerRecord) WorkerResponse {
	return WorkerResponse{
		ID:           rec.ID,
		Type:         rec.Type,
		Endpoint:     rec.Endpoint.String(),
		Idle:         rec.Idle,
		RegisteredAt: rec.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RemoteAddr:   rec.RemoteAddr,
	}
}

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	Total   int              `json:"total"`
	Idle    int              `json:"idle"`
	Workers []WorkerResponse `json:"workers"`
}

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Attached int                    `json:"attached"`
	Sessions []transfer.SessionInfo `json:"sessions"`
}

// ErrorResponse is written for every non-2xx answer with a body.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
