package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// State is the liveness of a connection as seen by Probe.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "error"
	}
}

// ErrConnectionLost is returned by Monitor when the watched connection is gone.
var ErrConnectionLost = errors.New("upstream connection lost")

// Monitor blocks until conn is lost or ctx is done. Loss is either signalled on
// lost (closed by the connection's reader on EOF) or found by probing conn every
// interval; a nil lost channel leaves polling as the only signal.
func Monitor(ctx context.Context, conn net.Conn, interval time.Duration, lost <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return ErrConnectionLost
		case <-ticker.C:
			if Probe(conn) != StateOpen {
				return ErrConnectionLost
			}
		}
	}
}

// WatchSignals cancels the root context when one of sigs arrives
// (SIGINT and SIGTERM when none are given). The returned stop function
// unregisters the handler.
func WatchSignals(cancel context.CancelFunc, logger *slog.Logger, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
