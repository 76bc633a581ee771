//go:build unix

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := Listen(context.Background(), "127.0.0.1", freePort(t))
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	client, err = Dial(context.Background(), "127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	return client, server
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.ErrorIs(t, ValidatePort(0), ErrInvalidPort)
	assert.ErrorIs(t, ValidatePort(65536), ErrInvalidPort)
}

func TestListenRejectsBadPort(t *testing.T) {
	_, err := Listen(context.Background(), "127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestDialValidation(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1", 70000, time.Second)
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = Dial(context.Background(), "not-an-ip", 80, time.Second)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDialFailureIsReported(t *testing.T) {
	port := freePort(t) // nothing listens there anymore
	_, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	assert.Error(t, err)
}

func TestConnStateReadings(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	assert.Equal(t, StateOpen, Probe(client), "idle but alive")

	_, err := server.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return Probe(client) == StateOpen }, time.Second, 10*time.Millisecond)

	buf := make([]byte, 1)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err, "peek must not consume data")
	assert.Equal(t, "x", string(buf))

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return Probe(client) == StateClosed }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	assert.Equal(t, StateError, Probe(client))
	assert.Equal(t, StateError, Probe(nil))
}

func TestMonitorDetectsLossByPolling(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- Monitor(context.Background(), client, 20*time.Millisecond, nil) }()

	require.NoError(t, server.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not notice the closed peer")
	}
}

// parkReader blocks a goroutine in a read on conn, the way a connection's frame
// reader sits between frames.
func parkReader(t *testing.T, conn net.Conn) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		_, err := io.ReadFull(conn, buf)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	return done
}

func TestStateCheckDoesNotWaitForParkedReader(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()
	parkReader(t, client)

	states := make(chan State, 1)
	go func() { states <- Probe(client) }()
	select {
	case st := <-states:
		assert.Equal(t, StateOpen, st)
	case <-time.After(time.Second):
		t.Fatal("state check waited for the reader")
	}
}

func TestMonitorPollsBesideBlockedReader(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	parkReader(t, client)

	// A tick stuck inside the state check would keep Monitor from seeing the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Monitor(ctx, client, 10*time.Millisecond, nil) }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor stuck behind the reader")
	}

	go func() { errCh <- Monitor(context.Background(), client, 10*time.Millisecond, nil) }()
	require.NoError(t, server.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not notice the closed peer")
	}
}

func TestMonitorLostSignalAndContext(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	lost := make(chan struct{})
	close(lost)
	assert.ErrorIs(t, Monitor(context.Background(), client, time.Hour, lost), ErrConnectionLost)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Monitor(ctx, client, time.Hour, nil), context.Canceled)
}

func TestWatchSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := WatchSignals(cancel, slog.New(slog.DiscardHandler), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel the context")
	}
}
