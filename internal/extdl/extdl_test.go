package extdl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msg43/mediabatch/internal/pipeline"
)

// writeScript drops an executable shell script to use as a fake tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const fakeDownloaderBody = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
touch "$(printf '%s' "$out" | sed 's/%(ext)s/mp3/')"
`

func TestCommandDownloaderDefaults(t *testing.T) {
	d := NewCommandDownloader(DownloaderOptions{})
	assert.Equal(t, "yt-dlp", d.binary)
}

func TestCommandDownloaderCheckDependency(t *testing.T) {
	d := NewCommandDownloader(DownloaderOptions{Binary: "definitely-not-installed-tool"})
	err := d.CheckDependency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependency")

	d = NewCommandDownloader(DownloaderOptions{Binary: "sh"})
	assert.NoError(t, d.CheckDependency())
}

func TestCommandDownloaderDownload(t *testing.T) {
	d := NewCommandDownloader(DownloaderOptions{Binary: writeScript(t, fakeDownloaderBody)})
	dest := filepath.Join(t.TempDir(), "item-1")

	got, err := d.Download(context.Background(), "https://example.com/v", pipeline.Session{}, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, dest+".mp3", got)
	assert.FileExists(t, got)
}

func TestCommandDownloaderRequiresURL(t *testing.T) {
	d := NewCommandDownloader(DownloaderOptions{Binary: "sh"})
	_, err := d.Download(context.Background(), "  ", pipeline.Session{}, "/tmp/x", nil)
	assert.Error(t, err)
}

func TestCommandDownloaderSurfacesStderr(t *testing.T) {
	script := writeScript(t, "echo 'first line' >&2\necho 'ERROR: HTTP Error 429' >&2\nexit 1\n")
	d := NewCommandDownloader(DownloaderOptions{Binary: script})

	_, err := d.Download(context.Background(), "https://example.com/v", pipeline.Session{}, filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR: HTTP Error 429", "the last stderr line carries the failure reason")
}

func TestCommandDownloaderCancellation(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	d := NewCommandDownloader(DownloaderOptions{Binary: script})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Download(ctx, "https://example.com/v", pipeline.Session{}, filepath.Join(t.TempDir(), "x"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandDownloaderSuccessWithoutArtifactFails(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	d := NewCommandDownloader(DownloaderOptions{Binary: script})

	_, err := d.Download(context.Background(), "https://example.com/v", pipeline.Session{}, filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no artifact found")
}

func TestCommandProcessor(t *testing.T) {
	t.Run("requires a binary", func(t *testing.T) {
		_, err := NewCommandProcessor(ProcessorOptions{})
		assert.Error(t, err)
	})

	t.Run("success reports duration", func(t *testing.T) {
		p, err := NewCommandProcessor(ProcessorOptions{Binary: "true"})
		require.NoError(t, err)
		outcome, err := p.Process(context.Background(), "/tmp/item.mp3")
		require.NoError(t, err)
		assert.NotEmpty(t, outcome.Summary)
		assert.GreaterOrEqual(t, outcome.Duration, time.Duration(0))
	})

	t.Run("failure surfaces stderr", func(t *testing.T) {
		script := writeScript(t, "echo 'decoder blew up' >&2\nexit 2\n")
		p, err := NewCommandProcessor(ProcessorOptions{Binary: script})
		require.NoError(t, err)
		_, err = p.Process(context.Background(), "/tmp/item.mp3")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoder blew up")
	})
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "c", lastLine("a\nb\nc"))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine(""))
}
