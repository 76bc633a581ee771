package domain

import (
	"errors"
)

var (
	// ErrNoWorkerAvailable is returned when no idle worker of the requested type is registered.
	// It is an availability condition, callers may retry.
	ErrNoWorkerAvailable = errors.New("no worker available")

	// ErrInvalidWorkerType is returned for a worker type tag other than Text or Media.
	ErrInvalidWorkerType = errors.New("invalid worker type")

	// ErrJobNotFound is a sentinel error returned when a job record is not found.
	ErrJobNotFound = errors.New("job record not found")

	// ErrSessionNotFound is returned when no active session has the given ID.
	ErrSessionNotFound = errors.New("session not found")
)
