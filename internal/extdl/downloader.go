// Package extdl provides reference collaborator implementations that shell
// out to external tools: a yt-dlp style downloader and a transcription
// command processor. The pipeline itself only depends on the collaborator
// interfaces; these implementations exist so the CLI is usable out of the
// box.
package extdl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/msg43/mediabatch/internal/pipeline"
)

// DownloaderOptions configures the external download command.
type DownloaderOptions struct {
	// Binary is the download tool. Defaults to "yt-dlp".
	Binary string

	// ExtraArgs are appended before the URL.
	ExtraArgs []string
}

// CommandDownloader downloads media by invoking an external command with
// the destination path, proxy and URL as arguments.
type CommandDownloader struct {
	binary    string
	extraArgs []string
}

// NewCommandDownloader builds a downloader around an external binary.
func NewCommandDownloader(opts DownloaderOptions) *CommandDownloader {
	binary := opts.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	return &CommandDownloader{binary: binary, extraArgs: opts.ExtraArgs}
}

// CheckDependency verifies the download binary is on PATH.
func (d *CommandDownloader) CheckDependency() error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", d.binary)
	}
	return nil
}

// Download fetches url to destPath using the configured proxy session.
// The command runs under ctx, so cancellation kills the process; any
// partial file it leaves behind is the caller's to clean up.
func (d *CommandDownloader) Download(ctx context.Context, url string, session pipeline.Session, destPath string, progress pipeline.ProgressFunc) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("download URL is required")
	}

	output := destPath + ".%(ext)s"
	args := []string{"--no-playlist", "--no-progress", "-o", output}
	if session.ProxyURL != "" {
		args = append(args, "--proxy", session.ProxyURL)
	}
	args = append(args, d.extraArgs...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s failed: %s", d.binary, lastLine(detail))
	}

	matches, err := filepath.Glob(destPath + ".*")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("%s reported success but no artifact found at %s", d.binary, destPath)
	}
	if progress != nil {
		progress(0, 0)
	}
	return matches[0], nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
