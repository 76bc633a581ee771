// internal/domain/worker.go
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// WorkerType defines the class of distortion a worker can perform.
type WorkerType string

const (
	WorkerTypeText  WorkerType = "Text"
	WorkerTypeMedia WorkerType = "Media"
)

// ParseWorkerType validates a worker type tag as it appears on the wire or in config.
func ParseWorkerType(s string) (WorkerType, error) {
	switch WorkerType(s) {
	case WorkerTypeText, WorkerTypeMedia:
		return WorkerType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkerType, s)
	}
}

// Endpoint is the address a client dials to reach a worker's job listener.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// ConnKind tells whether a tracked connection is a long-lived control link or a job transfer.
type ConnKind int

const (
	ConnKindControl ConnKind = iota
	ConnKindJob
)

// WorkerRecord is the identity of a registered worker.
type WorkerRecord struct {
	ID           string     `json:"id"`
	Type         WorkerType `json:"type"`
	Endpoint     Endpoint   `json:"endpoint"`
	Kind         ConnKind   `json:"kind"`
	Idle         bool       `json:"idle"`
	RegisteredAt time.Time  `json:"registered_at"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
}
