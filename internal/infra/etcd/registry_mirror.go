// internal/infra/etcd/registry_mirror.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"distributed-distort/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// WorkerRegistryPrefix is the etcd prefix under which registered workers are mirrored.
	WorkerRegistryPrefix = "/distort/workers/"
)

// LeaseKV is the part of the etcd client the registry mirror uses.
type LeaseKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
}

// RegistryMirror publishes the dispatcher's worker table to etcd, one leased
// key per worker, so external tooling can watch it. If the dispatcher dies the
// keys expire with their leases.
type RegistryMirror struct {
	client  LeaseKV
	logger  *slog.Logger
	ttl     int64
	timeout time.Duration

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewRegistryMirror creates a mirror whose keys live for ttl seconds without keep-alive.
func NewRegistryMirror(client LeaseKV, ttl int64, timeout time.Duration, logger *slog.Logger) *RegistryMirror {
	return &RegistryMirror{
		client:  client,
		logger:  logger.With("component", "registry-mirror"),
		ttl:     ttl,
		timeout: timeout,
		leases:  make(map[string]lease),
	}
}

// WorkerKey returns the etcd key a worker is mirrored under.
func WorkerKey(rec domain.WorkerRecord) string {
	return path.Join(WorkerRegistryPrefix, string(rec.Type), rec.ID)
}

// WorkerRegistered grants a lease for the worker, puts its record and keeps the lease alive.
func (m *RegistryMirror) WorkerRegistered(rec domain.WorkerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	// 1. Create a new lease with a TTL.
	leaseResp, err := m.client.Grant(ctx, m.ttl)
	if err != nil {
		m.logger.Error("failed to grant lease", "worker_id", rec.ID, "error", err)
		return
	}

	// 2. Put the worker's record with the lease.
	if err := m.put(ctx, rec, leaseResp.ID); err != nil {
		m.logger.Error("failed to mirror worker", "worker_id", rec.ID, "error", err)
		return
	}

	// 3. Keep the lease alive until the worker is unregistered.
	kaCtx, kaCancel := context.WithCancel(context.Background())
	keepAliveCh, err := m.client.KeepAlive(kaCtx, leaseResp.ID)
	if err != nil {
		kaCancel()
		m.logger.Error("failed to start keep-alive", "worker_id", rec.ID, "error", err)
		return
	}
	go func() {
		for ka := range keepAliveCh {
			m.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		m.logger.Debug("keep-alive channel closed", "worker_id", rec.ID)
	}()

	m.mu.Lock()
	m.leases[rec.ID] = lease{id: leaseResp.ID, cancel: kaCancel}
	m.mu.Unlock()
	m.logger.Info("worker mirrored", "key", WorkerKey(rec))
}

// WorkerStateChanged rewrites the worker's record under its existing lease.
func (m *RegistryMirror) WorkerStateChanged(rec domain.WorkerRecord) {
	m.mu.Lock()
	l, ok := m.leases[rec.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.put(ctx, rec, l.id); err != nil {
		m.logger.Warn("failed to update mirrored worker", "worker_id", rec.ID, "error", err)
	}
}

// WorkerUnregistered revokes the worker's lease, which deletes its key.
func (m *RegistryMirror) WorkerUnregistered(rec domain.WorkerRecord) {
	m.mu.Lock()
	l, ok := m.leases[rec.ID]
	delete(m.leases, rec.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.client.Revoke(ctx, l.id); err != nil {
		m.logger.Warn("failed to revoke lease", "worker_id", rec.ID, "error", err)
		return
	}
	m.logger.Info("worker mirror removed", "key", WorkerKey(rec))
}

func (m *RegistryMirror) put(ctx context.Context, rec domain.WorkerRecord, id clientv3.LeaseID) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal worker record: %w", err)
	}
	if _, err := m.client.Put(ctx, WorkerKey(rec), string(value), clientv3.WithLease(id)); err != nil {
		return fmt.Errorf("failed to put worker key: %w", err)
	}
	return nil
}
