package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/terabiome/stagehand/internal/contracts"
	"gopkg.in/yaml.v3"
)

// DecodeCloudFile reads a yaml backend settings file into out. Unknown keys
// are rejected.
func DecodeCloudFile(path string, out any) error {
	if path == "" {
		return contracts.NewConfigError("no cloud file configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return contracts.NewConfigError("open cloud file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return contracts.NewConfigError("decode cloud file %s: %w", path, err)
	}
	return nil
}

// Failed classifies a backend error. Deadline errors, either from err itself
// or from ctx, become ErrTimeout; everything else ErrProvisioning.
// Cancellation is returned unchanged.
func Failed(ctx context.Context, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if contracts.KindOf(err) != nil {
		return err
	}

	kind := contracts.ErrProvisioning
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = contracts.ErrTimeout
	}

	return &contracts.StageError{
		Kind:  kind,
		Stage: contracts.StageProvision,
		Err:   fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err),
	}
}

// Machine clones template into the profile of one started machine. The
// first machine of a run keeps the management role.
func Machine(template *contracts.InstallationProfile, index int, machineID, publicIP, privateIP string) *contracts.InstallationProfile {
	p := template.Clone()
	p.MachineID = machineID
	p.PublicIP = publicIP
	p.PrivateIP = privateIP
	p.IsManagement = template.IsManagement && index == 0
	return p
}
