package etcd

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"distributed-distort/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV keeps keys in insertion order. Keys ending in "/" are read as a
// prefix, newest first, which is how the repository queries them.
type fakeKV struct {
	mu  sync.Mutex
	rev int64
	kvs []*mvccpb.KeyValue

	granted clientv3.LeaseID
	revoked []clientv3.LeaseID
}

func newFakeKV() *fakeKV { return &fakeKV{} }

func (f *fakeKV) Put(_ context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	for _, kv := range f.kvs {
		if string(kv.Key) == key {
			kv.Value = []byte(val)
			kv.ModRevision = f.rev
			return &clientv3.PutResponse{}, nil
		}
	}
	f.kvs = append(f.kvs, &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val), CreateRevision: f.rev, ModRevision: f.rev})
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*mvccpb.KeyValue
	if strings.HasSuffix(key, "/") {
		for i := len(f.kvs) - 1; i >= 0; i-- {
			if strings.HasPrefix(string(f.kvs[i].Key), key) {
				out = append(out, f.kvs[i])
			}
		}
	} else {
		for _, kv := range f.kvs {
			if string(kv.Key) == key {
				out = append(out, kv)
			}
		}
	}
	return &clientv3.GetResponse{Kvs: out, Count: int64(len(out))}, nil
}

func (f *fakeKV) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted++
	return &clientv3.LeaseGrantResponse{ID: f.granted, TTL: ttl}, nil
}

func (f *fakeKV) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeKV) KeepAlive(ctx context.Context, _ clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func record(id, user string) *domain.JobRecord {
	return &domain.JobRecord{
		ID:        id,
		Username:  user,
		Filename:  "notes.txt",
		Outcome:   domain.OutcomeCompleted,
		StartTime: time.Now(),
		EndTime:   time.Now(),
	}
}

func TestHistoryRepositorySaveGet(t *testing.T) {
	repo := NewHistoryRepository(newFakeKV(), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, record("j1", "alice")))

	got, err := repo.Get(ctx, "alice", "j1")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.Filename)
	assert.Equal(t, domain.OutcomeCompleted, got.Outcome)

	_, err = repo.Get(ctx, "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.Error(t, repo.Save(ctx, &domain.JobRecord{ID: "x"}), "invalid records are refused")
}

func TestHistoryRepositoryListByUserPages(t *testing.T) {
	repo := NewHistoryRepository(newFakeKV(), testLogger())
	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, repo.Save(ctx, record(id, "alice")))
	}
	require.NoError(t, repo.Save(ctx, record("other", "bob")))

	page1, err := repo.ListByUser(ctx, "alice", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "j3", page1[0].ID, "newest first")
	assert.Equal(t, "j2", page1[1].ID)

	page2, err := repo.ListByUser(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "j1", page2[0].ID)

	empty, err := repo.ListByUser(ctx, "alice", 3, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistryMirrorLifecycle(t *testing.T) {
	kv := newFakeKV()
	m := NewRegistryMirror(kv, 10, time.Second, testLogger())
	rec := domain.WorkerRecord{
		ID:       "w1",
		Type:     domain.WorkerTypeText,
		Endpoint: domain.Endpoint{IP: "127.0.0.1", Port: 9000},
		Idle:     true,
	}

	m.WorkerRegistered(rec)
	resp, err := kv.Get(context.Background(), WorkerKey(rec))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "/distort/workers/Text/w1", string(resp.Kvs[0].Key))
	assert.Contains(t, string(resp.Kvs[0].Value), `"idle":true`)

	rec.Idle = false
	m.WorkerStateChanged(rec)
	resp, err = kv.Get(context.Background(), WorkerKey(rec))
	require.NoError(t, err)
	assert.Contains(t, string(resp.Kvs[0].Value), `"idle":false`)

	m.WorkerUnregistered(rec)
	assert.Equal(t, []clientv3.LeaseID{1}, kv.revoked)

	m.WorkerUnregistered(rec)
	assert.Len(t, kv.revoked, 1, "second unregister is a no-op")
}
