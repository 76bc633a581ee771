package distort

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/files"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTextDropsLongWords(t *testing.T) {
	path := writeFile(t, t.TempDir(), "in.txt", "a quick  brownish fox\r\njumped over\n")

	status := Text(context.Background(), path, 5)
	require.Equal(t, domain.DistortOK, status)

	out, err := os.ReadFile(domain.DistortedPath(path))
	require.NoError(t, err)
	assert.Equal(t, "a quick fox\r\nover\n", string(out))

	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a quick  brownish fox\r\njumped over\n", string(orig), "input is untouched")
}

func TestTextFactorTooLarge(t *testing.T) {
	path := writeFile(t, t.TempDir(), "in.txt", "tiny words only")
	assert.Equal(t, domain.DistortFactorTooLarge, Text(context.Background(), path, 50))
	_, err := os.Stat(domain.DistortedPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestTextUnreadable(t *testing.T) {
	assert.Equal(t, domain.DistortUnreadable, Text(context.Background(), filepath.Join(t.TempDir(), "none.txt"), 3))
}

func TestTextRejectsBinary(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bin.txt", "\xff\xfe\xfd")
	assert.Equal(t, domain.DistortUnsupportedFormat, Text(context.Background(), path, 1))
}

func TestRouterUnsupportedCategory(t *testing.T) {
	dir := t.TempDir()
	png := writeFile(t, dir, "pic.png", "\x89PNG\r\n\x1a\nrest")

	r := ForWorker(domain.WorkerTypeText, nil, nil)
	assert.Equal(t, domain.DistortUnsupportedFormat, r.Distort(context.Background(), png, 2))

	txt := writeFile(t, dir, "doc.txt", "extraordinarily long words")
	assert.Equal(t, domain.DistortOK, r.Distort(context.Background(), txt, 4))
}

func TestRouterDispatchesByCategory(t *testing.T) {
	dir := t.TempDir()
	wav := writeFile(t, dir, "a.wav", "RIFF\x24\x00\x00\x00WAVEfmt ")

	var gotPath string
	var gotFactor int
	audio := domain.DistorterFunc(func(_ context.Context, path string, factor int) domain.DistortStatus {
		gotPath, gotFactor = path, factor
		return domain.DistortOK
	})
	r := NewRouter().Handle(files.CategoryAudio, audio)

	assert.Equal(t, domain.DistortOK, r.Distort(context.Background(), wav, 120))
	assert.Equal(t, wav, gotPath)
	assert.Equal(t, 120, gotFactor)
}

func TestCommandBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	wav := writeFile(t, dir, "a.wav", "RIFF\x24\x00\x00\x00WAVEfmt ")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	script := writeFile(t, dir, "ok.sh", "#!/bin/sh\ncp \"$1\" \"$(dirname \"$1\")/distorted_$(basename \"$1\")\"\n")
	require.NoError(t, os.Chmod(script, 0o755))
	ok := NewCommand(script, files.CategoryAudio, logger)
	assert.Equal(t, domain.DistortOK, ok.Distort(context.Background(), wav, 100))
	assert.FileExists(t, domain.DistortedPath(wav))

	failing := writeFile(t, dir, "fail.sh", "#!/bin/sh\nexit 2\n")
	require.NoError(t, os.Chmod(failing, 0o755))
	bad := NewCommand(failing, files.CategoryAudio, logger)
	assert.Equal(t, domain.DistortFactorTooLarge, bad.Distort(context.Background(), wav, 100))

	notAudio := writeFile(t, dir, "b.wav", "plain text pretending")
	assert.Equal(t, domain.DistortNotMediaContainer, ok.Distort(context.Background(), notAudio, 100))

	none := NewCommand("", files.CategoryImage, logger)
	assert.Equal(t, domain.DistortUnsupportedFormat, none.Distort(context.Background(), wav, 1))
}
