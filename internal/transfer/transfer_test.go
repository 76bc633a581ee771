package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/infra/memory"
	"distributed-distort/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// upperBackend uppercases the file, which keeps sizes equal.
func upperBackend(called *atomic.Int32) domain.Distorter {
	return domain.DistorterFunc(func(_ context.Context, path string, _ int) domain.DistortStatus {
		if called != nil {
			called.Add(1)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.DistortUnreadable
		}
		if err := os.WriteFile(domain.DistortedPath(path), bytes.ToUpper(data), 0o644); err != nil {
			return domain.DistortOutputWriteFailure
		}
		return domain.DistortOK
	})
}

type harness struct {
	srv     *Server
	history *memory.HistoryRepository
	workDir string
	srcDir  string
}

func newHarness(t *testing.T, backend domain.Distorter) *harness {
	t.Helper()
	h := &harness{
		history: memory.NewHistoryRepository(),
		workDir: t.TempDir(),
		srcDir:  t.TempDir(),
	}
	h.srv = NewServer(ServerConfig{WorkerID: "w1", WorkerType: domain.WorkerTypeText},
		NewStore(h.workDir, 5), backend, h.history, testLogger())
	return h
}

// connect starts a session handler on one end of a pipe and returns the other
// end plus a channel closed when the handler returns.
func (h *harness) connect() (*protocol.Conn, <-chan struct{}) {
	a, b := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.HandleConn(context.Background(), protocol.NewConn(b))
	}()
	return protocol.NewConn(a), done
}

func (h *harness) source(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(h.srcDir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session handler did not return")
	}
}

func (h *harness) onlyRecord(t *testing.T) *domain.JobRecord {
	t.Helper()
	recs, err := h.history.ListByUser(context.Background(), "alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func payload(n int) []byte {
	return []byte(strings.Repeat("abcdefghij", n/10+1)[:n])
}

func TestSessionCompletes(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	data := payload(1000)
	src := h.source(t, "notes.txt", data)
	out := filepath.Join(h.srcDir, "distorted_notes.txt")

	conn, done := h.connect()
	defer conn.Close()
	var chunks atomic.Int32
	c := NewClient(conn, testLogger())
	c.Progress = func(Stage, int64, int64) { chunks.Add(1) }

	res, err := c.Run(context.Background(), Job{Username: "alice", Source: src, Output: out, Factor: 3})
	require.NoError(t, err)
	wait(t, done)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.ToUpper(data), got)
	assert.Equal(t, md5hex(data), res.OriginalMD5)
	assert.Equal(t, md5hex(got), res.DistortedMD5)
	assert.False(t, res.Resumed)
	assert.EqualValues(t, 1000, res.UploadBytes)
	assert.EqualValues(t, 1000, res.DownloadBytes)
	assert.EqualValues(t, 10, chunks.Load(), "5 chunks up, 5 down")

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files are removed after CHECK_OK")
	assert.Zero(t, h.srv.Store().Len())

	rec := h.onlyRecord(t)
	assert.Equal(t, domain.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, 3, rec.Factor)
	assert.Equal(t, "w1", rec.WorkerID)
}

func TestUploadDropKeepsSessionForResume(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	data := payload(1000)
	src := h.source(t, "notes.txt", data)

	conn, done := h.connect()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	f, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeJobAccept, f.Type)
	assert.Equal(t, "0&0&0", string(f.Payload))

	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "1000", md5hex(data)))
	require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[:247]))
	require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[247:494]))
	require.NoError(t, conn.Close())
	wait(t, done)

	sessions := h.srv.Store().List()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StatusUploading.String(), sessions[0].Status)
	assert.EqualValues(t, 494, sessions[0].UploadWritten)
	assert.EqualValues(t, 1000, sessions[0].UploadTotal)
	assert.False(t, sessions[0].Attached)

	conn, done = h.connect()
	defer conn.Close()
	out := filepath.Join(h.srcDir, "out.txt")
	res, err := NewClient(conn, testLogger()).Run(context.Background(),
		Job{Username: "alice", Source: src, Output: out, Factor: 2})
	require.NoError(t, err)
	wait(t, done)

	assert.True(t, res.Resumed)
	assert.EqualValues(t, 506, res.UploadBytes)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.ToUpper(data), got)
	assert.Equal(t, domain.OutcomeCompleted, h.onlyRecord(t).Outcome)
}

func TestDownloadDropResumesFromClientOffset(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	data := payload(1000)
	src := h.source(t, "notes.txt", data)
	out := filepath.Join(h.srcDir, "out.txt")

	conn, done := h.connect()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err := conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "1000", md5hex(data)))
	for off := 0; off < len(data); off += ChunkSize {
		require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[off:min(off+ChunkSize, len(data))]))
	}
	f, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChecksumAck, f.Type)
	require.Equal(t, protocol.CheckOK, string(f.Payload))

	f, err = conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeMetadata, f.Type)
	assert.Equal(t, "1000&"+md5hex(bytes.ToUpper(data)), string(f.Payload))

	var partial []byte
	for range 2 {
		f, err = conn.Receive()
		require.NoError(t, err)
		require.Equal(t, protocol.TypeDownloadChunk, f.Type)
		partial = append(partial, f.Payload...)
	}
	require.NoError(t, os.WriteFile(out, partial, 0o644))
	require.NoError(t, conn.Close())
	wait(t, done)

	sessions := h.srv.Store().List()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StatusDownloading.String(), sessions[0].Status)
	assert.EqualValues(t, 494, sessions[0].DownloadWritten)

	conn, done = h.connect()
	defer conn.Close()
	res, err := NewClient(conn, testLogger()).Run(context.Background(),
		Job{Username: "alice", Source: src, Output: out, Factor: 2})
	require.NoError(t, err)
	wait(t, done)

	assert.True(t, res.Resumed)
	assert.Zero(t, res.UploadBytes)
	assert.EqualValues(t, 506, res.DownloadBytes)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.ToUpper(data), got)
}

func TestChecksumMismatchAbortsBeforeBackend(t *testing.T) {
	var called atomic.Int32
	h := newHarness(t, upperBackend(&called))
	data := payload(300)

	conn, done := h.connect()
	defer conn.Close()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err := conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "300", strings.Repeat("0", 32)))
	require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[:247]))
	require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[247:]))

	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeChecksumAck, f.Type)
	assert.Equal(t, protocol.CheckKO, string(f.Payload))
	wait(t, done)

	assert.Zero(t, called.Load(), "backend must not run on a bad upload")
	assert.Zero(t, h.srv.Store().Len())
	rec := h.onlyRecord(t)
	assert.Equal(t, domain.OutcomeAborted, rec.Outcome)
	assert.Contains(t, rec.Error, "md5 mismatch")
}

func TestCancelStopsDownloadAtChunkBoundary(t *testing.T) {
	const size = 7 * ChunkSize
	h := newHarness(t, domain.DistorterFunc(func(_ context.Context, path string, _ int) domain.DistortStatus {
		if err := os.WriteFile(domain.DistortedPath(path), payload(size), 0o644); err != nil {
			return domain.DistortOutputWriteFailure
		}
		return domain.DistortOK
	}))
	h.srv.Progress = func(s *Session, stage Stage, written, _ int64) {
		if stage == StageDownload && written == 3*ChunkSize {
			s.Cancel()
		}
	}
	src := h.source(t, "notes.txt", payload(100))

	conn, done := h.connect()
	defer conn.Close()
	var downloaded atomic.Int32
	c := NewClient(conn, testLogger())
	c.Progress = func(stage Stage, _, _ int64) {
		if stage == StageDownload {
			downloaded.Add(1)
		}
	}

	_, err := c.Run(context.Background(), Job{Username: "alice", Source: src,
		Output: filepath.Join(h.srcDir, "out.txt"), Factor: 1})
	require.ErrorIs(t, err, ErrInterrupted)
	wait(t, done)

	assert.EqualValues(t, 3, downloaded.Load(), "no chunk after the cancel")
	rec := h.onlyRecord(t)
	assert.Equal(t, domain.OutcomeInterrupted, rec.Outcome)
	assert.EqualValues(t, 3*ChunkSize, rec.DownloadBytes)
	assert.Zero(t, h.srv.Store().Len())
}

func TestUnexpectedFrameAborts(t *testing.T) {
	h := newHarness(t, upperBackend(nil))

	conn, done := h.connect()
	defer conn.Close()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err := conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "10", md5hex(payload(10))))
	require.NoError(t, conn.Send(protocol.TypeDownloadChunk, []byte("oops")))

	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeFailure, f.Type)
	wait(t, done)

	assert.Zero(t, h.srv.Store().Len())
	rec := h.onlyRecord(t)
	assert.Equal(t, domain.OutcomeAborted, rec.Outcome)
	assert.Contains(t, rec.Error, ErrUnexpectedFrame.Error())
}

func TestUploadOverrunAborts(t *testing.T) {
	h := newHarness(t, upperBackend(nil))

	conn, done := h.connect()
	defer conn.Close()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err := conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "10", md5hex(payload(10))))
	require.NoError(t, conn.Send(protocol.TypeUploadChunk, payload(11)))

	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeFailure, f.Type)
	wait(t, done)
	assert.Equal(t, domain.OutcomeAborted, h.onlyRecord(t).Outcome)
}

func TestBackendFailureIsReported(t *testing.T) {
	h := newHarness(t, domain.DistorterFunc(func(context.Context, string, int) domain.DistortStatus {
		return domain.DistortFactorTooLarge
	}))
	src := h.source(t, "notes.txt", payload(50))

	conn, done := h.connect()
	defer conn.Close()
	_, err := NewClient(conn, testLogger()).Run(context.Background(),
		Job{Username: "alice", Source: src, Output: filepath.Join(h.srcDir, "out.txt"), Factor: 99})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "-2&")
	wait(t, done)

	rec := h.onlyRecord(t)
	assert.Equal(t, domain.OutcomeAborted, rec.Outcome)
	assert.Equal(t, domain.StatusDistorting.String(), rec.LastStatus)
}

func TestJobStartValidation(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	for _, fields := range [][]string{
		{"alice", "0", "0", "notes.txt"},
		{"alice", "x", "0", "notes.txt"},
		{"alice", "2", "-1", "notes.txt"},
		{"alice", "2", "0", "../etc/passwd"},
		{"", "2", "0", "notes.txt"},
	} {
		conn, done := h.connect()
		require.NoError(t, conn.SendFields(protocol.TypeJobStart, fields...))
		f, err := conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeFailure, f.Type, "fields %v", fields)
		conn.Close()
		wait(t, done)
	}
	assert.Zero(t, h.srv.Store().Len())
}

func TestAttachedSessionRefusesSecondConnection(t *testing.T) {
	h := newHarness(t, upperBackend(nil))

	first, done1 := h.connect()
	require.NoError(t, first.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err := first.Receive()
	require.NoError(t, err)

	second, done2 := h.connect()
	require.NoError(t, second.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	f, err := second.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeFailure, f.Type)
	assert.Contains(t, string(f.Payload), ErrSessionBusy.Error())
	second.Close()
	wait(t, done2)

	first.Close()
	wait(t, done1)
}

func TestCancelDetachedSessionAndSweep(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	data := payload(600)

	for _, name := range []string{"a.txt", "b.txt"} {
		conn, done := h.connect()
		require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", name))
		_, err := conn.Receive()
		require.NoError(t, err)
		require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "600", md5hex(data)))
		require.NoError(t, conn.Send(protocol.TypeUploadChunk, data[:247]))
		conn.Close()
		wait(t, done)
	}
	sessions := h.srv.Store().List()
	require.Len(t, sessions, 2)

	require.NoError(t, h.srv.CancelSession(context.Background(), sessions[0].ID))
	assert.Equal(t, 1, h.srv.Store().Len())
	assert.ErrorIs(t, h.srv.CancelSession(context.Background(), "missing"), domain.ErrSessionNotFound)

	assert.Zero(t, h.srv.SweepStale(context.Background(), time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, h.srv.SweepStale(context.Background(), time.Millisecond))
	assert.Zero(t, h.srv.Store().Len())

	recs, err := h.history.ListByUser(context.Background(), "alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.OutcomeExpired, recs[0].Outcome)
	assert.Equal(t, domain.OutcomeInterrupted, recs[1].Outcome)
}

func TestServeShutdownCancelsSessions(t *testing.T) {
	h := newHarness(t, upperBackend(nil))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn := protocol.NewConn(nc)
	defer conn.Close()
	require.NoError(t, conn.SendFields(protocol.TypeJobStart, "alice", "2", "0", "notes.txt"))
	_, err = conn.Receive()
	require.NoError(t, err)
	require.NoError(t, conn.SendFields(protocol.TypeUploadStart, "600", md5hex(payload(600))))
	require.Eventually(t, func() bool { return h.srv.Store().Attached() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}

	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeCancel, f.Type)
	assert.Equal(t, domain.OutcomeInterrupted, h.onlyRecord(t).Outcome)
}

func TestStoreIdleHook(t *testing.T) {
	st := NewStore(t.TempDir(), 1)
	var events []bool
	st.OnIdleChange(func(idle bool) { events = append(events, idle) })

	s, resumed, err := st.Acquire("alice", "a.txt", domain.WorkerTypeText, 1)
	require.NoError(t, err)
	assert.False(t, resumed)

	_, _, err = st.Acquire("alice", "a.txt", domain.WorkerTypeText, 1)
	assert.ErrorIs(t, err, ErrSessionBusy)

	st.Detach(s)
	again, resumed, err := st.Acquire("alice", "a.txt", domain.WorkerTypeText, 1)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, s, again)

	st.Remove(s)
	st.Remove(s)
	assert.Equal(t, []bool{false, true, false, true}, events)
	assert.NoError(t, st.WaitIdle(context.Background()))
}

func TestResumeKeepsFactorOnceDistorted(t *testing.T) {
	st := NewStore(t.TempDir(), 2)

	up, _, err := st.Acquire("alice", "up.txt", domain.WorkerTypeText, 2)
	require.NoError(t, err)
	up.mu.Lock()
	up.status = domain.StatusUploading
	up.mu.Unlock()
	st.Detach(up)
	_, resumed, err := st.Acquire("alice", "up.txt", domain.WorkerTypeText, 5)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, 5, up.Info().Factor, "upload not finished, the new factor applies")

	down, _, err := st.Acquire("alice", "down.txt", domain.WorkerTypeText, 2)
	require.NoError(t, err)
	down.mu.Lock()
	down.status = domain.StatusDownloading
	down.mu.Unlock()
	st.Detach(down)
	_, resumed, err = st.Acquire("alice", "down.txt", domain.WorkerTypeText, 5)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, 2, down.Info().Factor, "output already made with the first factor")
	assert.Equal(t, 2, down.record(domain.OutcomeCompleted, "w", nil).Factor)
}
