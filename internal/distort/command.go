// internal/distort/command.go
package distort

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/files"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Command runs an external program as a media backend. The program is called as
// `<command...> <path> <factor>` and must write domain.DistortedPath(path).
// Exit status n in 1..7 is reported as status -n; any other failure as unsupported format.
type Command struct {
	argv     []string
	category files.Category
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewCommand creates a backend for the given category from a command line.
// An empty command line yields a backend that rejects every file.
func NewCommand(commandLine string, category files.Category, logger *slog.Logger) *Command {
	return &Command{
		argv:     strings.Fields(commandLine),
		category: category,
		timeout:  5 * time.Minute,
		logger:   logger.With("backend", category.String()),
		tracer:   otel.Tracer("distributed-distort-command-backend"),
	}
}

// Distort runs the command over path.
func (c *Command) Distort(ctx context.Context, path string, factor int) domain.DistortStatus {
	ctx, span := c.tracer.Start(ctx, "backend.command.Distort",
		trace.WithAttributes(
			attribute.String("file.path", path),
			attribute.Int("factor", factor),
		))
	defer span.End()

	if len(c.argv) == 0 {
		span.SetStatus(codes.Error, "no command configured")
		return domain.DistortUnsupportedFormat
	}
	if _, err := os.Stat(path); err != nil {
		return domain.DistortUnreadable
	}
	if !files.IsMediaContainer(path, c.category) {
		span.SetStatus(codes.Error, "not a media container")
		return domain.DistortNotMediaContainer
	}

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string(nil), c.argv[1:]...), path, strconv.Itoa(factor))
	cmd := exec.CommandContext(execCtx, c.argv[0], args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("command.stderr", errOutput))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
		c.logger.Warn("distortion command failed", "path", path, "error", err, "stderr", stderr.String())

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 1 && code <= 7 {
				return domain.DistortStatus(-code)
			}
		}
		return domain.DistortUnsupportedFormat
	}

	if _, err := os.Stat(domain.DistortedPath(path)); err != nil {
		return domain.DistortOutputWriteFailure
	}
	return domain.DistortOK
}
