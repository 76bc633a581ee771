package protocol

import (
	"fmt"
	"strings"
)

// FieldSep separates fields inside a text payload.
const FieldSep = "&"

// JoinFields builds a text payload from its fields.
func JoinFields(fields ...string) []byte {
	return []byte(strings.Join(fields, FieldSep))
}

// SplitFields splits a text payload and checks it carries exactly n fields.
// The last field keeps any further separators, so filenames may contain '&'.
func SplitFields(payload []byte, n int) ([]string, error) {
	fields := strings.SplitN(string(payload), FieldSep, n)
	if len(fields) != n {
		return nil, fmt.Errorf("%w: want %d fields, got %d in %q", ErrProtocol, n, len(fields), payload)
	}
	return fields, nil
}
