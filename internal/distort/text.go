// Package distort holds the distortion backends a worker runs on received files.
package distort

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"distributed-distort/internal/domain"
)

// Text removes every word longer than wordLimit runes. Line breaks are kept and
// runs of spaces inside a line collapse to one.
func Text(_ context.Context, path string, wordLimit int) domain.DistortStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.DistortUnreadable
	}
	if !utf8.Valid(data) {
		return domain.DistortUnsupportedFormat
	}

	lines := strings.SplitAfter(string(data), "\n")
	var out strings.Builder
	out.Grow(len(data))
	dropped := 0
	for _, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		ending := line[len(body):]

		kept := make([]string, 0, 16)
		for _, w := range strings.Fields(body) {
			if utf8.RuneCountInString(w) > wordLimit {
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		out.WriteString(strings.Join(kept, " "))
		out.WriteString(ending)
	}
	if dropped == 0 {
		// every word already fits: the limit is too large to distort anything
		return domain.DistortFactorTooLarge
	}

	return writeOutput(path, []byte(out.String()))
}

// writeOutput writes data next to path through a temp file and renames it into place.
func writeOutput(path string, data []byte) domain.DistortStatus {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".distort-*")
	if err != nil {
		return domain.DistortTempFileFailure
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return domain.DistortOutputWriteFailure
	}
	if err := tmp.Close(); err != nil {
		return domain.DistortOutputWriteFailure
	}
	if err := os.Rename(tmp.Name(), domain.DistortedPath(path)); err != nil {
		return domain.DistortOutputWriteFailure
	}
	return domain.DistortOK
}
