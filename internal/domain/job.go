// internal/domain/job.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// SessionStatus is the five-state lifecycle of a transfer session.
type SessionStatus int

const (
	StatusNotStarted  SessionStatus = 0
	StatusUploading   SessionStatus = 1
	StatusDistorting  SessionStatus = 2
	StatusDownloading SessionStatus = 3
	StatusCompleted   SessionStatus = 4
)

func (s SessionStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusUploading:
		return "uploading"
	case StatusDistorting:
		return "distorting"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// JobOutcome is how a session ended.
type JobOutcome string

const (
	OutcomeCompleted          JobOutcome = "completed"
	OutcomeVerificationFailed JobOutcome = "verification_failed"
	OutcomeAborted            JobOutcome = "aborted"
	OutcomeInterrupted        JobOutcome = "interrupted"
	OutcomeExpired            JobOutcome = "expired"
)

// JobRecord is the terminal record of a single distortion job.
type JobRecord struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Filename      string     `json:"filename"`
	WorkerType    WorkerType `json:"worker_type"`
	Factor        int        `json:"factor"`
	Outcome       JobOutcome `json:"outcome"`
	LastStatus    string     `json:"last_status"`
	UploadBytes   int64      `json:"upload_bytes"`
	DownloadBytes int64      `json:"download_bytes"`
	OriginalMD5   string     `json:"original_md5,omitempty"`
	DistortedMD5  string     `json:"distorted_md5,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	WorkerID      string     `json:"worker_id,omitempty"`
}

// Validate checks if the job record is valid.
func (r *JobRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("job record ID cannot be empty")
	}
	if r.Username == "" {
		return fmt.Errorf("job record username cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("job record start time cannot be zero")
	}
	if r.Outcome == "" {
		return fmt.Errorf("job record outcome cannot be empty")
	}
	return nil
}

// HistoryRepository defines the interface for persisting and retrieving job records.
type HistoryRepository interface {
	// Save persists a single job record.
	Save(ctx context.Context, record *JobRecord) error
	// ListByUser retrieves records for a user, newest first, with pagination.
	ListByUser(ctx context.Context, username string, page, pageSize int) ([]*JobRecord, error)
	// Get retrieves a single record by username and job ID.
	Get(ctx context.Context, username, id string) (*JobRecord, error)
}
