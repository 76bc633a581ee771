package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/metrics"
	"distributed-distort/internal/protocol"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrVerification is returned when the worker or the client rejects a file's MD5.
var ErrVerification = errors.New("checksum verification failed")

// Job describes one distortion request from the client's side.
type Job struct {
	Username string
	// Source is the local file to upload. The worker sees only its base name.
	Source string
	// Output is where the distorted file is written.
	Output string
	Factor int
}

// Result summarizes a finished client session.
type Result struct {
	Resumed       bool
	UploadBytes   int64
	DownloadBytes int64
	OriginalMD5   string
	DistortedMD5  string
}

// Client drives one session over a job connection to a worker.
type Client struct {
	conn   *protocol.Conn
	logger *slog.Logger
	tracer trace.Tracer

	// Progress, when set, is called after every chunk.
	Progress func(stage Stage, written, total int64)

	cancelled atomic.Bool
}

// NewClient wraps an established job connection.
func NewClient(conn *protocol.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With("component", "transfer-client"),
		tracer: otel.Tracer("distributed-distort-client"),
	}
}

// Cancel stops the session at the next chunk boundary. The worker is told with
// a Cancel frame.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
	_ = c.conn.SetReadDeadline(time.Now())
}

// Run executes the session for job and returns once the distorted file is
// verified. A transport failure gives an error wrapping ErrTransport, after
// which Run may be called again on a fresh connection to resume.
func (c *Client) Run(ctx context.Context, job Job) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "client.Session", trace.WithAttributes(
		attribute.String("job.user", job.Username),
		attribute.String("job.file", filepath.Base(job.Source)),
		attribute.Int("job.factor", job.Factor),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session failed")
		}
		span.End()
	}()

	stop := context.AfterFunc(ctx, c.Cancel)
	defer stop()
	defer func() {
		if !c.cancelled.Load() {
			return
		}
		if errors.Is(err, ErrTransport) {
			err = ErrInterrupted
		}
		if errors.Is(err, ErrInterrupted) {
			_ = c.conn.SetWriteDeadline(time.Now().Add(bestEffortTimeout))
			_ = c.conn.Send(protocol.TypeCancel, nil)
		}
	}()

	sum, size, err := FileMD5(job.Source)
	if err != nil {
		return res, fmt.Errorf("failed to read source: %w", err)
	}
	res.OriginalMD5 = sum

	var offset int64
	if st, err := os.Stat(job.Output); err == nil {
		offset = st.Size()
	}

	if err := c.conn.SendFields(protocol.TypeJobStart, job.Username, strconv.Itoa(job.Factor),
		strconv.FormatInt(offset, 10), filepath.Base(job.Source)); err != nil {
		return res, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	f, err := c.expect(protocol.TypeJobAccept)
	if err != nil {
		return res, err
	}
	fields, err := protocol.SplitFields(f.Payload, 3)
	if err != nil {
		return res, err
	}
	code, err1 := strconv.Atoi(fields[0])
	upWritten, err2 := strconv.ParseInt(fields[1], 10, 64)
	downWritten, err3 := strconv.ParseInt(fields[2], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return res, fmt.Errorf("%w: bad job accept %q", protocol.ErrProtocol, f.Payload)
	}
	status := domain.SessionStatus(code)
	res.Resumed = status != domain.StatusNotStarted
	c.logger.Debug("job accepted", "status", status.String(), "upload_written", upWritten, "download_written", downWritten)

	switch status {
	case domain.StatusNotStarted:
		if err := c.conn.SendFields(protocol.TypeUploadStart, strconv.FormatInt(size, 10), sum); err != nil {
			return res, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		upWritten = 0
		fallthrough
	case domain.StatusUploading:
		if err := c.upload(job.Source, upWritten, size); err != nil {
			return res, err
		}
		res.UploadBytes = size - upWritten
		if err := c.awaitUploadAck(); err != nil {
			return res, err
		}
	case domain.StatusDownloading:
	default:
		return res, fmt.Errorf("%w: worker resumed in state %s", protocol.ErrProtocol, status)
	}

	// A download restarts from zero unless the worker resumed the download itself.
	if status != domain.StatusDownloading {
		downWritten = 0
	}
	n, outSum, err := c.download(job.Output, downWritten)
	res.DownloadBytes = n
	if err != nil {
		return res, err
	}
	res.DistortedMD5 = outSum
	return res, nil
}

// expect reads the next frame and checks its type. Failure and Cancel frames
// are turned into errors.
func (c *Client) expect(t protocol.Type) (protocol.Frame, error) {
	f, err := c.conn.Receive()
	if err != nil {
		if protocol.IsCodecError(err) {
			return f, err
		}
		return f, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch f.Type {
	case t:
		return f, nil
	case protocol.TypeFailure:
		return f, fmt.Errorf("%w: %s", ErrRejected, f.Payload)
	case protocol.TypeCancel:
		return f, ErrInterrupted
	default:
		return f, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFrame, f.Type, t)
	}
}

func (c *Client) upload(path string, from, total int64) error {
	if from > total {
		return fmt.Errorf("%w: worker holds %d of %d bytes", protocol.ErrProtocol, from, total)
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, ChunkSize)
	for written := from; written < total; {
		if c.cancelled.Load() {
			return ErrInterrupted
		}
		n := min(int64(ChunkSize), total-written)
		if m, err := file.ReadAt(buf[:n], written); int64(m) != n {
			return fmt.Errorf("failed to read source: %w", err)
		}
		if err := c.conn.Send(protocol.TypeUploadChunk, buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		written += n
		metrics.TransferBytesTotal.WithLabelValues(string(StageUpload)).Add(float64(n))
		if c.Progress != nil {
			c.Progress(StageUpload, written, total)
		}
	}
	return nil
}

func (c *Client) awaitUploadAck() error {
	f, err := c.expect(protocol.TypeChecksumAck)
	if err != nil {
		return err
	}
	if string(f.Payload) != protocol.CheckOK {
		return fmt.Errorf("%w: worker reported %s for the upload", ErrVerification, f.Payload)
	}
	return nil
}

func (c *Client) download(path string, from int64) (int64, string, error) {
	f, err := c.expect(protocol.TypeMetadata)
	if err != nil {
		return 0, "", err
	}
	fields, err := protocol.SplitFields(f.Payload, 2)
	if err != nil {
		return 0, "", err
	}
	total, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || total < 0 || from > total {
		return 0, "", fmt.Errorf("%w: bad metadata %q", protocol.ErrProtocol, f.Payload)
	}
	want := fields[1]

	flags := os.O_WRONLY | os.O_CREATE
	if from == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open output: %w", err)
	}
	defer file.Close()

	written := from
	for written < total {
		if c.cancelled.Load() {
			return written - from, "", ErrInterrupted
		}
		f, err := c.expect(protocol.TypeDownloadChunk)
		if err != nil {
			return written - from, "", err
		}
		n := int64(len(f.Payload))
		if written+n > total {
			return written - from, "", fmt.Errorf("%w: download overruns %d bytes", protocol.ErrProtocol, total)
		}
		if _, err := file.WriteAt(f.Payload, written); err != nil {
			return written - from, "", fmt.Errorf("failed to write output: %w", err)
		}
		written += n
		metrics.TransferBytesTotal.WithLabelValues(string(StageDownload)).Add(float64(n))
		if c.Progress != nil {
			c.Progress(StageDownload, written, total)
		}
	}
	if err := file.Truncate(total); err != nil {
		return written - from, "", fmt.Errorf("failed to truncate output: %w", err)
	}
	if err := file.Close(); err != nil {
		return written - from, "", fmt.Errorf("failed to close output: %w", err)
	}

	got, _, err := FileMD5(path)
	if err != nil {
		return written - from, "", err
	}
	ack := protocol.CheckOK
	if got != want {
		ack = protocol.CheckKO
	}
	if err := c.conn.Send(protocol.TypeChecksumAck, []byte(ack)); err != nil {
		return written - from, got, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if got != want {
		return written - from, got, fmt.Errorf("%w: expected %s, got %s", ErrVerification, want, got)
	}
	return written - from, got, nil
}
