package transfer

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/protocol"
)

// ChunkSize is the payload carried by one upload or download chunk.
const ChunkSize = protocol.MaxPayload

var (
	// ErrUnexpectedFrame is returned when a frame type is not valid for the session state.
	ErrUnexpectedFrame = errors.New("unexpected frame for session state")
	// ErrUploadOverrun is returned when a chunk would write past the declared upload size.
	ErrUploadOverrun = errors.New("chunk exceeds declared size")
	// ErrChecksumMismatch is returned when a received file does not match its declared MD5.
	ErrChecksumMismatch = errors.New("md5 mismatch")
	// ErrInterrupted is returned when a session is cancelled by either side.
	ErrInterrupted = errors.New("session interrupted")
	// ErrTransport wraps read and write failures on the session connection.
	// A session that fails this way can be resumed.
	ErrTransport = errors.New("transport failure")
	// ErrSessionBusy is returned when a JobStart names a session another connection owns.
	ErrSessionBusy = errors.New("session already attached")
	// ErrRejected is returned by the client when the worker answers with Failure.
	ErrRejected = errors.New("rejected by worker")
)

// Stage names the direction a chunk moved in, for progress reporting.
type Stage string

const (
	StageUpload   Stage = "upload"
	StageDownload Stage = "download"
)

// Session is one job's transfer state on the worker. Field access goes through mu;
// the cancel flag is read without it at chunk boundaries.
type Session struct {
	ID         string
	Username   string
	Filename   string
	WorkerType domain.WorkerType
	Created    time.Time

	mu              sync.Mutex
	factor          int
	status          domain.SessionStatus
	uploadWritten   int64
	uploadTotal     int64
	downloadWritten int64
	downloadTotal   int64
	path            string
	file            *os.File
	claimedMD5      string
	originalMD5     string
	distortedMD5    string
	attached        bool
	detachedAt      time.Time
	interrupt       func()

	cancelled atomic.Bool
}

// SessionInfo is a point-in-time copy of a session, safe to serialize.
type SessionInfo struct {
	ID              string            `json:"id"`
	Username        string            `json:"username"`
	Filename        string            `json:"filename"`
	WorkerType      domain.WorkerType `json:"worker_type"`
	Factor          int               `json:"factor"`
	Status          string            `json:"status"`
	UploadWritten   int64             `json:"upload_written"`
	UploadTotal     int64             `json:"upload_total"`
	DownloadWritten int64             `json:"download_written"`
	DownloadTotal   int64             `json:"download_total"`
	Attached        bool              `json:"attached"`
	Cancelled       bool              `json:"cancelled"`
	Created         time.Time         `json:"created"`
}

// Info returns a snapshot of s.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:              s.ID,
		Username:        s.Username,
		Filename:        s.Filename,
		WorkerType:      s.WorkerType,
		Factor:          s.factor,
		Status:          s.status.String(),
		UploadWritten:   s.uploadWritten,
		UploadTotal:     s.uploadTotal,
		DownloadWritten: s.downloadWritten,
		DownloadTotal:   s.downloadTotal,
		Attached:        s.attached,
		Cancelled:       s.cancelled.Load(),
		Created:         s.Created,
	}
}

// Status returns the session's current state.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Attached reports whether a connection currently owns the session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Cancel flags the session. The owning connection stops at its next chunk
// boundary, or at once if it is blocked reading.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.mu.Lock()
	fn := s.interrupt
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

func (s *Session) setInterrupt(fn func()) {
	s.mu.Lock()
	s.interrupt = fn
	s.mu.Unlock()
}

func (s *Session) closeFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func (s *Session) record(outcome domain.JobOutcome, workerID string, err error) *domain.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &domain.JobRecord{
		ID:            s.ID,
		Username:      s.Username,
		Filename:      s.Filename,
		WorkerType:    s.WorkerType,
		Factor:        s.factor,
		Outcome:       outcome,
		LastStatus:    s.status.String(),
		UploadBytes:   s.uploadWritten,
		DownloadBytes: s.downloadWritten,
		OriginalMD5:   s.originalMD5,
		DistortedMD5:  s.distortedMD5,
		StartTime:     s.Created,
		EndTime:       time.Now(),
		WorkerID:      workerID,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
