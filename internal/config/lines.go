package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
)

// lineFields is the field order of the legacy newline-delimited format per role.
var lineFields = map[Role][]string{
	RoleDispatcher: {"listen_host", "listen_port"},
	RoleWorker:     {"dispatcher_host", "dispatcher_port", "listen_host", "listen_port", "work_dir", "worker_type"},
	RoleClient:     {"dispatcher_host", "dispatcher_port", "work_dir", "username"},
}

// ParseLines reads a legacy configuration: one value per line, in the role's
// field order, with CR line endings tolerated. Lines beyond the known fields are ignored.
func ParseLines(r io.Reader, role Role) (*Config, error) {
	v := newViper(role)
	if err := applyLines(v, role, r); err != nil {
		return nil, err
	}
	return build(v, role)
}

func applyLines(v *viper.Viper, role Role, r io.Reader) error {
	keys, ok := lineFields[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	sc := bufio.NewScanner(r)
	i := 0
	for i < len(keys) && sc.Scan() {
		line := strings.TrimSpace(strings.TrimRight(sc.Text(), "\r"))
		if line == "" {
			return fmt.Errorf("%w: %s (line %d is empty)", ErrMissingField, keys[i], i+1)
		}
		v.Set(keys[i], line)
		i++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if i < len(keys) {
		return fmt.Errorf("%w: %s", ErrMissingField, keys[i])
	}
	return nil
}
