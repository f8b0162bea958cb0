package service

import "time"

// State is the position of a run in the provision-and-install state machine.
type State string

const (
	StateInit         State = "INIT"
	StateProvisioning State = "PROVISIONING"
	StateProvisioned  State = "PROVISIONED"
	StateInstalling   State = "INSTALLING"
	StateInstalled    State = "INSTALLED"
	StateFailed       State = "FAILED"
	StateTimedOut     State = "TIMED_OUT"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateInstalled, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Deadline is the absolute end of a run, computed once from a single clock
// sample. Every later budget is derived from it.
type Deadline struct {
	start time.Time
	at    time.Time
}

func newDeadline(start time.Time, timeout time.Duration) Deadline {
	return Deadline{start: start, at: start.Add(timeout)}
}

// Remaining returns the budget left at now. It is never larger than the
// original timeout.
func (d Deadline) Remaining(now time.Time) time.Duration {
	return d.at.Sub(now)
}

// Elapsed returns the time consumed since the deadline was computed.
func (d Deadline) Elapsed(now time.Time) time.Duration {
	return now.Sub(d.start)
}
