package executor

import (
	"bytes"
	"context"
	"strings"
)

// RunAndCapture runs command and returns its buffered output.
func RunAndCapture(ctx context.Context, exec Executor, command string, args ...string) (*Result, error) {
	var outBuf, errBuf bytes.Buffer

	exitCode, err := exec.Execute(ctx, &outBuf, &errBuf, command, args...)

	return &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Error:    err,
	}, err
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildCommandString(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
