package health

import (
	"distributed-distort/internal/domain"
)

// CountFunc reports the registered and idle workers of a type.
type CountFunc func(wt domain.WorkerType) (total, idle int)

// Tracker keeps one health service per worker type in step with the dispatcher
// registry: a type is SERVING while at least one of its workers is idle.
// It implements master.Observer.
type Tracker struct {
	svc   *Service
	count CountFunc
}

// NewTracker creates a tracker and publishes the initial status of every type.
func NewTracker(svc *Service, count CountFunc) *Tracker {
	t := &Tracker{svc: svc, count: count}
	for _, wt := range []domain.WorkerType{domain.WorkerTypeText, domain.WorkerTypeMedia} {
		t.refresh(wt)
	}
	return t
}

func (t *Tracker) refresh(wt domain.WorkerType) {
	_, idle := t.count(wt)
	t.svc.SetServing(ServiceName(wt), idle > 0)
}

func (t *Tracker) WorkerRegistered(rec domain.WorkerRecord)   { t.refresh(rec.Type) }
func (t *Tracker) WorkerUnregistered(rec domain.WorkerRecord) { t.refresh(rec.Type) }
func (t *Tracker) WorkerStateChanged(rec domain.WorkerRecord) { t.refresh(rec.Type) }
