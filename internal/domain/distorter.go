package domain

import (
	"context"
	"path/filepath"
)

// DistortStatus is the signed status code a distortion backend returns.
type DistortStatus int

const (
	DistortOK                 DistortStatus = 0
	DistortUnreadable         DistortStatus = -1
	DistortFactorTooLarge     DistortStatus = -2
	DistortAllocFailure       DistortStatus = -3
	DistortTempFileFailure    DistortStatus = -4
	DistortUnsupportedFormat  DistortStatus = -5
	DistortOutputWriteFailure DistortStatus = -6
	DistortNotMediaContainer  DistortStatus = -7
)

var distortStatusNames = map[DistortStatus]string{
	DistortOK:                 "success",
	DistortUnreadable:         "unreadable file",
	DistortFactorTooLarge:     "factor too large for input",
	DistortAllocFailure:       "allocation failure",
	DistortTempFileFailure:    "temporary file creation failure",
	DistortUnsupportedFormat:  "unsupported format",
	DistortOutputWriteFailure: "output write failure",
	DistortNotMediaContainer:  "not a supported media container",
}

func (s DistortStatus) String() string {
	if name, ok := distortStatusNames[s]; ok {
		return name
	}
	return "unknown status"
}

// Distorter runs one distortion algorithm over the file at path.
// The result is written to DistortedPath(path); the input is left untouched.
type Distorter interface {
	Distort(ctx context.Context, path string, factor int) DistortStatus
}

// DistorterFunc adapts a plain function to the Distorter interface.
type DistorterFunc func(ctx context.Context, path string, factor int) DistortStatus

func (f DistorterFunc) Distort(ctx context.Context, path string, factor int) DistortStatus {
	return f(ctx, path, factor)
}

// DistortedPath returns the scratch path a backend writes its output to.
func DistortedPath(path string) string {
	return filepath.Join(filepath.Dir(path), "distorted_"+filepath.Base(path))
}
