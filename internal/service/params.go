package service

import (
	"time"

	"github.com/terabiome/stagehand/internal/contracts"
)

// ProvisionParams contains transport-agnostic parameters for one
// provision-and-install run.
type ProvisionParams struct {
	// Backend names a registered provisioner backend.
	Backend string
	Count   int
	Timeout time.Duration
	Request contracts.MachineRequestConfig
}
