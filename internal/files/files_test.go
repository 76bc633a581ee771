package files

import (
	"os"
	"path/filepath"
	"testing"

	"distributed-distort/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryText, Classify("notes.TXT"))
	assert.Equal(t, CategoryAudio, Classify("song.wav"))
	assert.Equal(t, CategoryImage, Classify("dir/pic.jpeg"))
	assert.Equal(t, CategoryUnknown, Classify("binary.exe"))
	assert.Equal(t, CategoryUnknown, Classify("noext"))
}

func TestWorkerType(t *testing.T) {
	wt, ok := WorkerType(CategoryText)
	assert.True(t, ok)
	assert.Equal(t, domain.WorkerTypeText, wt)

	wt, ok = WorkerType(CategoryImage)
	assert.True(t, ok)
	assert.Equal(t, domain.WorkerTypeMedia, wt)

	_, ok = WorkerType(CategoryUnknown)
	assert.False(t, ok)
}

func TestClassifyFileSniffsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(path, []byte("plain words only\n"), 0o644))
	assert.Equal(t, CategoryText, ClassifyFile(path))

	png := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR"), 0o644))
	assert.Equal(t, CategoryImage, ClassifyFile(png))
}

func TestIsMediaContainer(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake.wav")
	require.NoError(t, os.WriteFile(fake, []byte("not audio at all"), 0o644))
	assert.False(t, IsMediaContainer(fake, CategoryAudio))

	wav := filepath.Join(dir, "real.wav")
	header := []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
	require.NoError(t, os.WriteFile(wav, header, 0o644))
	assert.True(t, IsMediaContainer(wav, CategoryAudio))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.png", "d.wav"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.txt"), 0o755))

	got, err := List(dir, CategoryText)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got)

	_, err = List(filepath.Join(dir, "missing"), CategoryText)
	assert.Error(t, err)
}
