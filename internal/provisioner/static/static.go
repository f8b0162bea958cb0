// Package static hands out machines that already exist.
package static

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/provisioner"
)

// Name is the registry name of this backend.
const Name = "static"

func init() {
	provisioner.Register(Name, New)
}

// Host is one entry of the inventory.
type Host struct {
	ID        string `yaml:"id"`
	PublicIP  string `yaml:"public_ip"`
	PrivateIP string `yaml:"private_ip"`
}

// Settings is the cloud file layout.
type Settings struct {
	Hosts []Host `yaml:"hosts"`
}

type Provisioner struct {
	template *contracts.InstallationProfile
	hosts    []Host
	logger   *slog.Logger
}

func New(opts provisioner.Options) (contracts.MachineProvisioner, error) {
	var settings Settings
	if err := provisioner.DecodeCloudFile(opts.CloudFile, &settings); err != nil {
		return nil, err
	}
	p, err := NewWithHosts(opts.Template, settings.Hosts, opts.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func NewWithHosts(template *contracts.InstallationProfile, hosts []Host, logger *slog.Logger) (*Provisioner, error) {
	for i, h := range hosts {
		if h.PublicIP == "" && h.PrivateIP == "" {
			return nil, contracts.NewConfigError("host %d has neither public_ip nor private_ip", i)
		}
	}

	return &Provisioner{
		template: template,
		hosts:    hosts,
		logger:   logger.With(slog.String("component", "static")),
	}, nil
}

// StartMachines returns the first count hosts. It never blocks.
func (p *Provisioner) StartMachines(ctx context.Context, count int, budget time.Duration) ([]*contracts.InstallationProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, provisioner.Failed(ctx, err, "static inventory")
	}

	if count > len(p.hosts) {
		return nil, &contracts.StageError{
			Kind:  contracts.ErrProvisioning,
			Stage: contracts.StageProvision,
			Err:   fmt.Errorf("inventory has %d hosts, %d requested", len(p.hosts), count),
		}
	}

	profiles := make([]*contracts.InstallationProfile, 0, count)
	for i, h := range p.hosts[:count] {
		id := h.ID
		if id == "" {
			id = fmt.Sprintf("static-%d", i)
		}
		profiles = append(profiles, provisioner.Machine(p.template, i, id, h.PublicIP, h.PrivateIP))
	}

	p.logger.Info("allocated hosts from inventory",
		slog.Int("count", len(profiles)),
		slog.Duration("budget", budget),
	)
	return profiles, nil
}
