package qemuimg

import (
	"context"
	"fmt"

	"github.com/terabiome/stagehand/pkg/executor"
)

// OverlayOptions describes a copy-on-write disk layered over a base image.
type OverlayOptions struct {
	BackingFile   string
	BackingFormat string
	OutputPath    string
	SizeGB        int64
}

// CreateOverlay creates a qcow2 overlay disk. A zero SizeGB keeps the size of
// the backing file.
func CreateOverlay(ctx context.Context, exec executor.Executor, opts OverlayOptions) error {
	args := []string{
		"create",
		"-b", opts.BackingFile,
		"-F", opts.BackingFormat,
		"-f", "qcow2",
		opts.OutputPath,
	}
	if opts.SizeGB > 0 {
		args = append(args, fmt.Sprintf("%dG", opts.SizeGB))
	}

	result, err := executor.RunAndCapture(ctx, exec, "qemu-img", args...)
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %w\nstdout: %s\nstderr: %s",
			err, result.Stdout, result.Stderr)
	}

	return nil
}
