package extdl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/msg43/mediabatch/internal/pipeline"
)

// ProcessorOptions configures the external processing command.
type ProcessorOptions struct {
	// Binary is the processing tool, e.g. a transcription CLI.
	Binary string

	// ExtraArgs are appended before the input path.
	ExtraArgs []string
}

// CommandProcessor runs the downstream stage by invoking an external
// command on the downloaded artifact.
type CommandProcessor struct {
	binary    string
	extraArgs []string
}

// NewCommandProcessor builds a processor around an external binary.
func NewCommandProcessor(opts ProcessorOptions) (*CommandProcessor, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("processor binary is required")
	}
	return &CommandProcessor{binary: opts.Binary, extraArgs: opts.ExtraArgs}, nil
}

// Process runs the external command on localPath and reports its runtime.
func (p *CommandProcessor) Process(ctx context.Context, localPath string) (pipeline.Outcome, error) {
	args := append(append([]string{}, p.extraArgs...), localPath)
	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return pipeline.Outcome{}, fmt.Errorf("%s failed: %s", p.binary, lastLine(detail))
	}

	return pipeline.Outcome{
		Summary:  fmt.Sprintf("processed by %s", p.binary),
		Duration: time.Since(started),
	}, nil
}
