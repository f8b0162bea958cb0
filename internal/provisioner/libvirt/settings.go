package libvirt

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/terabiome/stagehand/internal/contracts"
)

// Settings is the cloud file layout.
type Settings struct {
	URI        string `yaml:"uri"`
	BaseImage  string `yaml:"base_image"`
	PoolDir    string `yaml:"pool_dir"`
	Bridge     string `yaml:"bridge"`
	Network    string `yaml:"network"`
	VCPU       int    `yaml:"vcpu"`
	MemoryMB   int64  `yaml:"memory_mb"`
	DiskSizeGB int64  `yaml:"disk_size_gb"`
	NamePrefix string `yaml:"name_prefix"`

	// PublicKeyFile is injected into the guest. When empty the public half
	// of the profile key file is used.
	PublicKeyFile string   `yaml:"public_key_file"`
	Packages      []string `yaml:"packages"`

	// AddressSource is one of lease, agent or arp.
	AddressSource string        `yaml:"address_source"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

func (s *Settings) setDefaults() {
	if s.URI == "" {
		s.URI = "qemu:///system"
	}
	if s.PoolDir == "" {
		s.PoolDir = "/var/lib/libvirt/images"
	}
	if s.Bridge == "" && s.Network == "" {
		s.Network = "default"
	}
	if s.VCPU == 0 {
		s.VCPU = 2
	}
	if s.MemoryMB == 0 {
		s.MemoryMB = 2048
	}
	if s.NamePrefix == "" {
		s.NamePrefix = "stagehand"
	}
	if s.AddressSource == "" {
		s.AddressSource = "lease"
	}
	if s.PollInterval == 0 {
		s.PollInterval = 2 * time.Second
	}
}

func (s *Settings) validate() error {
	if s.BaseImage == "" {
		return contracts.NewConfigError("libvirt: base_image is required")
	}
	if ext := strings.ToLower(filepath.Ext(s.BaseImage)); ext != ".qcow2" {
		return contracts.NewConfigError("libvirt: unsupported backing file format: %s", ext)
	}
	if s.VCPU < 0 || s.MemoryMB < 0 || s.DiskSizeGB < 0 {
		return contracts.NewConfigError("libvirt: vcpu, memory_mb and disk_size_gb must not be negative")
	}
	switch s.AddressSource {
	case "lease", "agent", "arp":
	default:
		return contracts.NewConfigError("libvirt: invalid address_source %q (valid: lease, agent, arp)", s.AddressSource)
	}
	return nil
}
