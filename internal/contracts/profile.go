package contracts

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const maskedPassword = "***"

// InstallationProfile is the configuration snapshot for installing a single
// machine. It is created by a MachineProvisioner (or derived from a
// MachineRequestConfig for the management machine), mutated only before it is
// handed to an Installer, and discarded afterwards.
type InstallationProfile struct {
	PublicIP  string `json:"public_ip"`
	PrivateIP string `json:"private_ip"`
	// MachineID is the backend assigned identifier of the host.
	MachineID string `json:"machine_id"`

	// Zones is the comma separated list of zones the agent will announce.
	Zones                string `json:"zones"`
	ConnectedToPrivateIP bool   `json:"connected_to_private_ip"`

	Username string `json:"username"`
	Password string `json:"-"`
	KeyFile  string `json:"key_file,omitempty"`

	// Locator is the address of the management services the agent reports
	// to. Empty for the management machine itself.
	Locator      string `json:"locator,omitempty"`
	BootstrapURL string `json:"bootstrap_url"`

	IsManagement bool `json:"is_management"`
	// NoWebServices only matters when IsManagement is set.
	NoWebServices bool `json:"no_web_services"`

	LocalDir            string   `json:"local_dir"`
	RemoteDir           string   `json:"remote_dir"`
	ManagementOnlyFiles []string `json:"management_only_files,omitempty"`

	// Membership is shared with the caller and with every clone. The profile
	// never owns or closes it.
	Membership ClusterMembership `json:"-"`

	CloudFile string `json:"cloud_file,omitempty"`
}

// Clone returns a shallow copy of the profile. Scalar fields are copied; the
// membership handle and the ManagementOnlyFiles slice are shared with the
// original.
func (p *InstallationProfile) Clone() *InstallationProfile {
	c := *p
	return &c
}

// TargetAddress returns the address the installer should connect to.
func (p *InstallationProfile) TargetAddress() string {
	if p.ConnectedToPrivateIP && p.PrivateIP != "" {
		return p.PrivateIP
	}
	if p.PublicIP != "" {
		return p.PublicIP
	}
	return p.PrivateIP
}

func (p *InstallationProfile) String() string {
	return fmt.Sprintf("InstallationProfile[machineID=%s, publicIP=%s, privateIP=%s, locator=%s, username=%s, password=%s, keyFile=%s, localDir=%s, remoteDir=%s, management=%t]",
		p.MachineID, p.PublicIP, p.PrivateIP, p.Locator, p.Username, maskedPassword, p.KeyFile, p.LocalDir, p.RemoteDir, p.IsManagement)
}

// MarshalJSON encodes the profile with the password replaced by a mask.
func (p *InstallationProfile) MarshalJSON() ([]byte, error) {
	type plain InstallationProfile
	return json.Marshal(struct {
		*plain
		Password string `json:"password"`
	}{
		plain:    (*plain)(p),
		Password: maskedPassword,
	})
}

// LogValue implements slog.LogValuer so profiles can be logged without
// leaking the password.
func (p *InstallationProfile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("machine_id", p.MachineID),
		slog.String("public_ip", p.PublicIP),
		slog.String("private_ip", p.PrivateIP),
		slog.String("zones", p.Zones),
		slog.Bool("management", p.IsManagement),
	)
}
