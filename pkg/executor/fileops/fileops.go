package fileops

import (
	"context"
	"fmt"

	"github.com/terabiome/stagehand/pkg/executor"
)

func RemoveFile(ctx context.Context, exec executor.Executor, path string) error {
	result, err := executor.RunAndCapture(ctx, exec, "rm", "-f", path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w\nstderr: %s", path, err, result.Stderr)
	}
	return nil
}
