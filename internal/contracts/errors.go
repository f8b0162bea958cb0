package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks malformed or unresolvable configuration. It is raised
	// before any machine is started.
	ErrConfig = errors.New("configuration error")
	// ErrProvisioning marks a backend that could not start machines.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrTimeout marks a run whose deadline was exceeded.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrInstall marks a failure reported by the installer.
	ErrInstall = errors.New("installation failed")
)

// Stage names the part of a run an error came from.
type Stage string

const (
	StageConfig    Stage = "config"
	StageProvision Stage = "provision"
	StageInstall   Stage = "install"
)

// StageError classifies a failure with one of the Err* kinds and keeps the
// underlying cause reachable through errors.Is and errors.As.
type StageError struct {
	Kind    error
	Stage   Stage
	Address string
	Err     error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.Address != "" {
		msg += fmt.Sprintf(" (machine %s)", e.Address)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewConfigError returns a StageError of kind ErrConfig.
func NewConfigError(format string, args ...any) error {
	return &StageError{Kind: ErrConfig, Stage: StageConfig, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfig, ErrTimeout, ErrProvisioning, ErrInstall} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
