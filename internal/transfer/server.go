package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/metrics"
	"distributed-distort/internal/protocol"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// bestEffortTimeout bounds Cancel and Failure sends to a peer that may not be reading.
const bestEffortTimeout = time.Second

var validate = validator.New()

// errClientRejected is the client's CHECK_KO on the distorted file.
var errClientRejected = errors.New("client rejected distorted file checksum")

// DistortError reports a backend that returned a non-success status.
type DistortError struct {
	Status domain.DistortStatus
}

func (e *DistortError) Error() string {
	return fmt.Sprintf("distortion failed: %s (%d)", e.Status, int(e.Status))
}

// ProgressFunc is called after every chunk a session moves.
type ProgressFunc func(s *Session, stage Stage, written, total int64)

// ServerConfig holds the worker-side session settings.
type ServerConfig struct {
	WorkerID   string
	WorkerType domain.WorkerType
	// ChunkDelay paces download chunks.
	ChunkDelay time.Duration
}

// Server runs transfer sessions on the worker's job listener.
type Server struct {
	cfg     ServerConfig
	store   *Store
	backend domain.Distorter
	history domain.HistoryRepository
	logger  *slog.Logger
	tracer  trace.Tracer

	// Progress, when set, observes every chunk.
	Progress ProgressFunc

	wg sync.WaitGroup
}

// NewServer creates a session server. history may be nil.
func NewServer(cfg ServerConfig, store *Store, backend domain.Distorter, history domain.HistoryRepository, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		backend: backend,
		history: history,
		logger:  logger.With("component", "session-server"),
		tracer:  otel.Tracer("distributed-distort-worker"),
	}
}

// Store returns the server's session table.
func (srv *Server) Store() *Store { return srv.store }

// Serve accepts job connections until ctx is done, then cancels the attached
// sessions and waits for them to wind down.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	srv.logger.Info("accepting job connections", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				srv.store.CancelAll()
				srv.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			srv.wg.Wait()
			return fmt.Errorf("accept failed: %w", err)
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.HandleConn(ctx, protocol.NewConn(nc))
		}()
	}
}

type jobStart struct {
	Username string `validate:"required"`
	Factor   int    `validate:"min=1"`
	Offset   int64  `validate:"min=0"`
	Filename string `validate:"required,excludesall=/\\"`
}

func parseJobStart(payload []byte) (jobStart, error) {
	fields, err := protocol.SplitFields(payload, 4)
	if err != nil {
		return jobStart{}, err
	}
	factor, err := strconv.Atoi(fields[1])
	if err != nil {
		return jobStart{}, fmt.Errorf("%w: bad factor %q", protocol.ErrProtocol, fields[1])
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return jobStart{}, fmt.Errorf("%w: bad download offset %q", protocol.ErrProtocol, fields[2])
	}
	req := jobStart{Username: fields[0], Factor: factor, Offset: offset, Filename: fields[3]}
	if err := validate.Struct(req); err != nil {
		return jobStart{}, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}
	if req.Filename == "." || req.Filename == ".." || filepath.Base(req.Filename) != req.Filename {
		return jobStart{}, fmt.Errorf("%w: bad filename %q", protocol.ErrProtocol, req.Filename)
	}
	return req, nil
}

// HandleConn runs the session protocol on one job connection and closes it.
func (srv *Server) HandleConn(ctx context.Context, c *protocol.Conn) {
	defer c.Close()
	logger := srv.logger.With("remote_addr", c.RemoteAddr().String())

	f, err := c.Receive()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Warn("failed to read job start", "error", err)
		}
		return
	}
	if f.Type != protocol.TypeJobStart {
		logger.Warn("expected job start", "type", f.Type.String())
		srv.sendFailure(c, -1, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type))
		return
	}
	req, err := parseJobStart(f.Payload)
	if err != nil {
		logger.Warn("invalid job start", "error", err)
		srv.sendFailure(c, -1, err)
		return
	}

	s, resumed, err := srv.store.Acquire(req.Username, req.Filename, srv.cfg.WorkerType, req.Factor)
	if err != nil {
		logger.Warn("job start refused", "error", err)
		srv.sendFailure(c, -1, err)
		return
	}
	s.setInterrupt(func() { _ = c.SetReadDeadline(time.Now()) })
	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	logger = logger.With("session_id", s.ID, "user", s.Username, "file", s.Filename)
	ctx, span := srv.tracer.Start(ctx, "worker.Session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("job.user", s.Username),
		attribute.String("job.file", s.Filename),
		attribute.Bool("session.resumed", resumed),
	))
	defer span.End()

	if resumed {
		logger.Info("resuming session", "status", s.Status().String())
	} else {
		logger.Info("session started", "factor", req.Factor)
	}

	err = srv.run(ctx, c, s, req, resumed, logger)
	srv.finish(ctx, c, s, err, logger, span)
}

func (srv *Server) run(ctx context.Context, c *protocol.Conn, s *Session, req jobStart, resumed bool, logger *slog.Logger) error {
	s.mu.Lock()
	if resumed && s.status == domain.StatusDownloading {
		if req.Offset > s.downloadTotal {
			s.mu.Unlock()
			err := fmt.Errorf("%w: download offset %d beyond %d", protocol.ErrProtocol, req.Offset, s.downloadTotal)
			srv.sendFailure(c, -1, err)
			return err
		}
		s.downloadWritten = req.Offset
	}
	status, up, down := s.status, s.uploadWritten, s.downloadWritten
	s.mu.Unlock()

	if err := c.SendFields(protocol.TypeJobAccept,
		strconv.Itoa(int(status)), strconv.FormatInt(up, 10), strconv.FormatInt(down, 10)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for {
		var err error
		switch s.Status() {
		case domain.StatusNotStarted:
			err = srv.awaitUploadStart(c, s)
		case domain.StatusUploading:
			err = srv.receiveUpload(c, s)
		case domain.StatusDistorting:
			err = srv.distort(ctx, c, s, logger)
		case domain.StatusDownloading:
			err = srv.sendDownload(c, s)
		case domain.StatusCompleted:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// receive reads one frame, sorting codec failures from transport ones.
func receive(c *protocol.Conn) (protocol.Frame, error) {
	f, err := c.Receive()
	if err != nil {
		if protocol.IsCodecError(err) {
			return f, err
		}
		return f, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return f, nil
}

func (srv *Server) unexpected(c *protocol.Conn, s *Session, t protocol.Type) error {
	err := fmt.Errorf("%w: %s while %s", ErrUnexpectedFrame, t, s.Status())
	srv.sendFailure(c, -1, err)
	return err
}

func (srv *Server) awaitUploadStart(c *protocol.Conn, s *Session) error {
	f, err := receive(c)
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeUploadStart:
	case protocol.TypeCancel:
		return ErrInterrupted
	default:
		return srv.unexpected(c, s, f.Type)
	}

	fields, err := protocol.SplitFields(f.Payload, 2)
	if err != nil {
		srv.sendFailure(c, -1, err)
		return err
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		err = fmt.Errorf("%w: bad upload size %q", protocol.ErrProtocol, fields[0])
		srv.sendFailure(c, -1, err)
		return err
	}
	if err := validate.Var(fields[1], "len=32,hexadecimal"); err != nil {
		err = fmt.Errorf("%w: bad md5 %q", protocol.ErrProtocol, fields[1])
		srv.sendFailure(c, -1, err)
		return err
	}

	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		err = fmt.Errorf("failed to create upload file: %w", err)
		srv.sendFailure(c, int(domain.DistortTempFileFailure), err)
		return err
	}

	s.mu.Lock()
	s.file = file
	s.uploadTotal = size
	s.uploadWritten = 0
	s.claimedMD5 = fields[1]
	s.status = domain.StatusUploading
	s.mu.Unlock()
	return nil
}

func (srv *Server) receiveUpload(c *protocol.Conn, s *Session) error {
	s.mu.Lock()
	if s.file == nil {
		file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			s.mu.Unlock()
			err = fmt.Errorf("failed to reopen upload file: %w", err)
			srv.sendFailure(c, int(domain.DistortTempFileFailure), err)
			return err
		}
		s.file = file
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		written, total, file := s.uploadWritten, s.uploadTotal, s.file
		if written == total {
			s.status = domain.StatusDistorting
			s.mu.Unlock()
			s.closeFile()
			return nil
		}
		s.mu.Unlock()

		if s.Cancelled() {
			return ErrInterrupted
		}

		f, err := receive(c)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.TypeUploadChunk:
		case protocol.TypeCancel:
			return ErrInterrupted
		default:
			return srv.unexpected(c, s, f.Type)
		}

		n := int64(len(f.Payload))
		if written+n > total {
			err := fmt.Errorf("%w: %d+%d > %d", ErrUploadOverrun, written, n, total)
			srv.sendFailure(c, -1, err)
			return err
		}
		if _, err := file.WriteAt(f.Payload, written); err != nil {
			err = fmt.Errorf("failed to write upload chunk: %w", err)
			srv.sendFailure(c, int(domain.DistortTempFileFailure), err)
			return err
		}

		s.mu.Lock()
		s.uploadWritten = written + n
		s.mu.Unlock()
		metrics.TransferBytesTotal.WithLabelValues(string(StageUpload)).Add(float64(n))
		if srv.Progress != nil {
			srv.Progress(s, StageUpload, written+n, total)
		}
	}
}

func (srv *Server) distort(ctx context.Context, c *protocol.Conn, s *Session, logger *slog.Logger) error {
	s.mu.Lock()
	path, claimed, factor := s.path, s.claimedMD5, s.factor
	s.mu.Unlock()

	sum, _, err := FileMD5(path)
	if err != nil {
		srv.sendFailure(c, int(domain.DistortUnreadable), err)
		return err
	}
	s.mu.Lock()
	s.originalMD5 = sum
	s.mu.Unlock()

	if sum != claimed {
		logger.Warn("upload checksum mismatch", "claimed", claimed, "actual", sum)
		_ = c.Send(protocol.TypeChecksumAck, []byte(protocol.CheckKO))
		return fmt.Errorf("%w: claimed %s, received %s", ErrChecksumMismatch, claimed, sum)
	}
	if err := c.Send(protocol.TypeChecksumAck, []byte(protocol.CheckOK)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	_, span := srv.tracer.Start(ctx, "worker.Distort", trace.WithAttributes(attribute.Int("job.factor", factor)))
	status := srv.backend.Distort(ctx, path, factor)
	span.SetAttributes(attribute.Int("distort.status", int(status)))
	if status != domain.DistortOK {
		span.SetStatus(codes.Error, status.String())
		span.End()
		err := &DistortError{Status: status}
		logger.Warn("distortion failed", "status", int(status), "reason", status.String())
		srv.sendFailure(c, int(status), errors.New(status.String()))
		return err
	}
	span.End()

	out := domain.DistortedPath(path)
	outSum, size, err := FileMD5(out)
	if err != nil {
		srv.sendFailure(c, int(domain.DistortOutputWriteFailure), err)
		return err
	}

	s.mu.Lock()
	s.distortedMD5 = outSum
	s.downloadTotal = size
	s.downloadWritten = 0
	s.status = domain.StatusDownloading
	s.mu.Unlock()
	logger.Info("distortion done", "size", size)
	return nil
}

func (srv *Server) sendDownload(c *protocol.Conn, s *Session) error {
	s.mu.Lock()
	path, sum, total := domain.DistortedPath(s.path), s.distortedMD5, s.downloadTotal
	s.mu.Unlock()

	if err := c.SendFields(protocol.TypeMetadata, strconv.FormatInt(total, 10), sum); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	file, err := os.Open(path)
	if err != nil {
		err = fmt.Errorf("failed to open distorted file: %w", err)
		srv.sendFailure(c, int(domain.DistortOutputWriteFailure), err)
		return err
	}
	defer file.Close()

	buf := make([]byte, ChunkSize)
	for {
		s.mu.Lock()
		written := s.downloadWritten
		s.mu.Unlock()
		if written >= total {
			break
		}
		if s.Cancelled() {
			return ErrInterrupted
		}

		n := min(int64(ChunkSize), total-written)
		m, err := file.ReadAt(buf[:n], written)
		if int64(m) != n {
			err = fmt.Errorf("failed to read distorted file: %w", err)
			srv.sendFailure(c, int(domain.DistortUnreadable), err)
			return err
		}
		if err := c.Send(protocol.TypeDownloadChunk, buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		s.mu.Lock()
		s.downloadWritten = written + n
		s.mu.Unlock()
		metrics.TransferBytesTotal.WithLabelValues(string(StageDownload)).Add(float64(n))
		if srv.Progress != nil {
			srv.Progress(s, StageDownload, written+n, total)
		}
		if srv.cfg.ChunkDelay > 0 {
			time.Sleep(srv.cfg.ChunkDelay)
		}
	}

	f, err := receive(c)
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeChecksumAck:
	case protocol.TypeCancel:
		return ErrInterrupted
	default:
		return srv.unexpected(c, s, f.Type)
	}
	if string(f.Payload) != protocol.CheckOK {
		return errClientRejected
	}

	s.mu.Lock()
	upload := s.path
	s.status = domain.StatusCompleted
	s.mu.Unlock()
	for _, p := range []string{upload, path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			srv.logger.Warn("failed to remove scratch file", "path", p, "error", err)
		}
	}
	return nil
}

// finish turns the session's terminal error into an outcome. Transport loss in
// a transfer stage detaches the session instead.
func (srv *Server) finish(ctx context.Context, c *protocol.Conn, s *Session, err error, logger *slog.Logger, span trace.Span) {
	status := s.Status()
	var outcome domain.JobOutcome
	switch {
	case err == nil:
		outcome = domain.OutcomeCompleted
	case s.Cancelled() && (errors.Is(err, ErrInterrupted) || errors.Is(err, ErrTransport)):
		outcome = domain.OutcomeInterrupted
		_ = c.SetWriteDeadline(time.Now().Add(bestEffortTimeout))
		_ = c.Send(protocol.TypeCancel, nil)
	case errors.Is(err, ErrInterrupted):
		outcome = domain.OutcomeInterrupted
	case errors.Is(err, ErrTransport) && (status == domain.StatusUploading || status == domain.StatusDownloading):
		srv.store.Detach(s)
		span.AddEvent("detached")
		logger.Warn("connection lost, session kept for resume", "status", status.String(), "error", err)
		return
	case errors.Is(err, errClientRejected):
		outcome = domain.OutcomeVerificationFailed
	default:
		outcome = domain.OutcomeAborted
	}

	if err != nil && outcome != domain.OutcomeInterrupted {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	srv.store.Remove(s)
	srv.save(ctx, s, outcome, err)
	logger.Info("session finished", "outcome", outcome, "status", status.String(), "error", err)
}

func (srv *Server) save(ctx context.Context, s *Session, outcome domain.JobOutcome, err error) {
	metrics.SessionsTotal.WithLabelValues(string(s.WorkerType), string(outcome)).Inc()
	if srv.history == nil {
		return
	}
	rec := s.record(outcome, srv.cfg.WorkerID, err)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.history.Save(saveCtx, rec); err != nil {
		srv.logger.Error("failed to save job record", "session_id", s.ID, "error", err)
	}
}

func (srv *Server) sendFailure(c *protocol.Conn, code int, err error) {
	_ = c.SetWriteDeadline(time.Now().Add(bestEffortTimeout))
	defer c.SetWriteDeadline(time.Time{})
	if serr := c.SendFields(protocol.TypeFailure, strconv.Itoa(code), err.Error()); serr != nil {
		srv.logger.Debug("failure frame not delivered", "error", serr)
	}
}

// CancelSession cancels the session with the given ID. A detached session is
// dropped at once since no connection will notice the flag.
func (srv *Server) CancelSession(ctx context.Context, id string) error {
	s, err := srv.store.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	if !s.Attached() {
		srv.store.Remove(s)
		srv.save(ctx, s, domain.OutcomeInterrupted, ErrInterrupted)
		srv.logger.Info("detached session cancelled", "session_id", id)
	}
	return nil
}

// SweepStale drops detached sessions that were not resumed within ttl.
// Scratch files stay on disk.
func (srv *Server) SweepStale(ctx context.Context, ttl time.Duration) int {
	expired := srv.store.Expired(ttl)
	for _, s := range expired {
		srv.logger.Info("detached session expired", "session_id", s.ID, "user", s.Username, "file", s.Filename)
		srv.save(ctx, s, domain.OutcomeExpired, nil)
	}
	return len(expired)
}
