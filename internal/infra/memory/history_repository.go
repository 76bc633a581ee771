package memory

import (
	"context"
	"fmt"
	"sync"

	"distributed-distort/internal/domain"
)

// HistoryRepository keeps job records in process memory. It is the default
// when no etcd endpoints are configured.
type HistoryRepository struct {
	mu     sync.RWMutex
	byUser map[string][]*domain.JobRecord
}

// NewHistoryRepository creates an empty repository.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{byUser: make(map[string][]*domain.JobRecord)}
}

var _ domain.HistoryRepository = (*HistoryRepository)(nil)

func (r *HistoryRepository) Save(_ context.Context, record *domain.JobRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	cp := *record

	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.byUser[record.Username]
	for i, existing := range records {
		if existing.ID == record.ID {
			records[i] = &cp
			return nil
		}
	}
	r.byUser[record.Username] = append(records, &cp)
	return nil
}

func (r *HistoryRepository) Get(_ context.Context, username, id string) (*domain.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byUser[username] {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", domain.ErrJobNotFound, username, id)
}

// ListByUser returns a page of the user's records, newest first.
func (r *HistoryRepository) ListByUser(_ context.Context, username string, page, pageSize int) ([]*domain.JobRecord, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.byUser[username]
	out := make([]*domain.JobRecord, 0, pageSize)
	start := (page - 1) * pageSize
	for i := len(records) - 1 - start; i >= 0 && len(out) < pageSize; i-- {
		cp := *records[i]
		out = append(out, &cp)
	}
	return out, nil
}
