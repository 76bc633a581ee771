// internal/master/registry.go
package master

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"distributed-distort/internal/cursorlist"
	"distributed-distort/internal/domain"
	"distributed-distort/internal/metrics"
	"distributed-distort/internal/protocol"
	"distributed-distort/internal/supervisor"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Observer is notified after the registry changes. Calls are delivered one at
// a time, in the order the changes were made, and never under the registry lock.
// An observer may read the registry but must not modify it.
type Observer interface {
	WorkerRegistered(rec domain.WorkerRecord)
	WorkerUnregistered(rec domain.WorkerRecord)
	WorkerStateChanged(rec domain.WorkerRecord)
}

type eventKind int

const (
	eventRegistered eventKind = iota
	eventUnregistered
	eventStateChanged
)

type event struct {
	kind eventKind
	rec  domain.WorkerRecord
}

var validate = validator.New()

type entry struct {
	rec  domain.WorkerRecord
	conn *protocol.Conn
}

// Registry tracks the workers attached to the dispatcher.
type Registry struct {
	mu        sync.Mutex
	workers   *cursorlist.List[*entry]
	rng       *rand.Rand
	observers []Observer
	logger    *slog.Logger

	// pending is appended under mu; notifyMu lets one goroutine at a time drain it.
	pending  []event
	notifyMu sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRand makes selection use rng instead of the global source.
func WithRand(rng *rand.Rand) RegistryOption {
	return func(r *Registry) { r.rng = rng }
}

// WithObserver adds an observer of registry changes.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		workers: cursorlist.New[*entry](),
		logger:  logger.With("component", "worker-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver adds an observer after construction, for hooks that need the registry itself.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register appends a worker and returns its handle. New workers start idle.
func (r *Registry) Register(wt domain.WorkerType, ep domain.Endpoint, conn *protocol.Conn) (string, error) {
	if _, err := domain.ParseWorkerType(string(wt)); err != nil {
		return "", err
	}
	if err := validate.Var(ep.IP, "required,ip"); err != nil {
		return "", fmt.Errorf("%w: %q", supervisor.ErrInvalidAddress, ep.IP)
	}
	if err := supervisor.ValidatePort(ep.Port); err != nil {
		return "", err
	}

	rec := domain.WorkerRecord{
		ID:           uuid.NewString(),
		Type:         wt,
		Endpoint:     ep,
		Kind:         domain.ConnKindControl,
		Idle:         true,
		RegisteredAt: time.Now(),
	}
	if conn != nil && conn.RemoteAddr() != nil {
		rec.RemoteAddr = conn.RemoteAddr().String()
	}

	r.mu.Lock()
	r.workers.GoToHead()
	for !r.workers.IsAtEnd() {
		_ = r.workers.Next()
	}
	if err := r.workers.Add(&entry{rec: rec, conn: conn}); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("failed to add worker: %w", err)
	}
	r.pending = append(r.pending, event{kind: eventRegistered, rec: rec})
	r.mu.Unlock()

	metrics.RegisteredWorkers.WithLabelValues(string(wt)).Inc()
	r.logger.Info("worker registered", "id", rec.ID, "type", wt, "endpoint", ep.String())
	r.notify()
	return rec.ID, nil
}

// Unregister removes the worker with the given handle. Unknown handles are ignored.
func (r *Registry) Unregister(handle string) {
	r.mu.Lock()
	e := r.removeLocked(handle)
	if e != nil {
		r.pending = append(r.pending, event{kind: eventUnregistered, rec: e.rec})
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	r.unregistered(e.rec)
	r.notify()
}

func (r *Registry) unregistered(rec domain.WorkerRecord) {
	metrics.RegisteredWorkers.WithLabelValues(string(rec.Type)).Dec()
	r.logger.Info("worker unregistered", "id", rec.ID, "type", rec.Type, "endpoint", rec.Endpoint.String())
}

// notify delivers queued events until the queue is empty. A caller that finds
// another goroutine delivering waits for it, so its own event has been handed
// to every observer by the time notify returns.
func (r *Registry) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for {
		r.mu.Lock()
		events := r.pending
		r.pending = nil
		observers := r.observers
		r.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			for _, o := range observers {
				switch ev.kind {
				case eventRegistered:
					o.WorkerRegistered(ev.rec)
				case eventUnregistered:
					o.WorkerUnregistered(ev.rec)
				case eventStateChanged:
					o.WorkerStateChanged(ev.rec)
				}
			}
		}
	}
}

// removeLocked walks the cursor to handle and removes it; nil when absent.
func (r *Registry) removeLocked(handle string) *entry {
	r.workers.GoToHead()
	for !r.workers.IsAtEnd() {
		e, err := r.workers.Get()
		if err != nil {
			return nil
		}
		if e.rec.ID == handle {
			removed, err := r.workers.Remove()
			if err != nil {
				return nil
			}
			return removed
		}
		_ = r.workers.Next()
	}
	return nil
}

// SelectWorker picks an idle worker of type wt uniformly at random.
// The registry itself is left untouched.
func (r *Registry) SelectWorker(wt domain.WorkerType) (domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := cursorlist.New[domain.Endpoint]()
	for it := r.workers.Iter(); it.Next(); {
		e := it.Value()
		if e.rec.Type == wt && e.rec.Idle {
			_ = candidates.Add(e.rec.Endpoint)
		}
	}
	if candidates.IsEmpty() {
		metrics.DispatchTotal.WithLabelValues(string(wt), "no_worker").Inc()
		return domain.Endpoint{}, domain.ErrNoWorkerAvailable
	}

	candidates.Shuffle(r.rng)
	ep, err := candidates.Get()
	if err != nil {
		return domain.Endpoint{}, err
	}
	metrics.DispatchTotal.WithLabelValues(string(wt), "assigned").Inc()
	return ep, nil
}

// SetIdle records a worker's IDLE/BUSY report. Observers only hear about real changes.
func (r *Registry) SetIdle(handle string, idle bool) error {
	r.mu.Lock()
	var (
		rec   domain.WorkerRecord
		found bool
	)
	for it := r.workers.Iter(); it.Next(); {
		e := it.Value()
		if e.rec.ID != handle {
			continue
		}
		found = true
		changed := e.rec.Idle != idle
		e.rec.Idle = idle
		rec = e.rec
		if !changed {
			r.mu.Unlock()
			return nil
		}
		r.pending = append(r.pending, event{kind: eventStateChanged, rec: rec})
		break
	}
	r.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, handle)
	}
	r.logger.Debug("worker state changed", "id", handle, "idle", idle)
	r.notify()
	return nil
}

// ErrUnknownWorker is returned for handles that are not registered.
var ErrUnknownWorker = errors.New("unknown worker handle")

// Snapshot returns a copy of every record in registration order.
func (r *Registry) Snapshot() []domain.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WorkerRecord, 0, r.workers.Len())
	for it := r.workers.Iter(); it.Next(); {
		out = append(out, it.Value().rec)
	}
	return out
}

// Count returns the number of registered and idle workers of type wt.
func (r *Registry) Count(wt domain.WorkerType) (total, idle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for it := r.workers.Iter(); it.Next(); {
		e := it.Value()
		if e.rec.Type != wt {
			continue
		}
		total++
		if e.rec.Idle {
			idle++
		}
	}
	return total, idle
}

// Sweep checks every control connection with state and unregisters the ones
// not open. It returns the removed handles. The checks run outside the lock,
// so selection and registration proceed while a sweep is in flight.
func (r *Registry) Sweep(state func(net.Conn) supervisor.State) []string {
	r.mu.Lock()
	entries := r.workers.Values()
	r.mu.Unlock()

	var dead []*entry
	for _, e := range entries {
		if e.conn != nil && state(e.conn) != supervisor.StateOpen {
			dead = append(dead, e)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	r.mu.Lock()
	var removed []*entry
	for _, e := range dead {
		// The worker may have gone, or logged out, while it was being checked.
		if got := r.removeLocked(e.rec.ID); got != nil {
			removed = append(removed, got)
			r.pending = append(r.pending, event{kind: eventUnregistered, rec: got.rec})
		}
	}
	r.mu.Unlock()

	handles := make([]string, 0, len(removed))
	for _, e := range removed {
		_ = e.conn.Close()
		r.logger.Warn("worker connection lost, dropping", "id", e.rec.ID)
		r.unregistered(e.rec)
		handles = append(handles, e.rec.ID)
	}
	r.notify()
	return handles
}

// Close sends Logout to every worker, closes their control connections and
// empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.workers.Values()
	r.workers.Clear()
	for _, e := range entries {
		r.pending = append(r.pending, event{kind: eventUnregistered, rec: e.rec})
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.conn != nil {
			_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := e.conn.Send(protocol.TypeLogout, nil); err != nil {
				r.logger.Debug("logout not delivered", "id", e.rec.ID, "error", err)
			}
			_ = e.conn.Close()
		}
		r.unregistered(e.rec)
	}
	r.notify()
}
