package contracts

// MachineRequestConfig describes how machines for one deployment role are
// obtained and reached. It is supplied by configuration loading and never
// mutated afterwards.
type MachineRequestConfig struct {
	LocalDir  string   `mapstructure:"local_dir" json:"local_dir"`
	RemoteDir string   `mapstructure:"remote_dir" json:"remote_dir"`
	Zones     []string `mapstructure:"zones" json:"zones"`

	// BootstrapURL points at the agent package the installer fetches on the
	// remote machine. It may be a URL or a path inside RemoteDir.
	BootstrapURL string `mapstructure:"bootstrap_url" json:"bootstrap_url"`

	SSHUsername string `mapstructure:"ssh_username" json:"ssh_username"`
	SSHPassword string `mapstructure:"ssh_password" json:"ssh_password,omitempty"`

	// KeyPair names the key pair registered with the backend. The key file is
	// only resolved when KeyPair is set.
	KeyPair string `mapstructure:"key_pair" json:"key_pair,omitempty"`
	// KeyFile is resolved against LocalDir when relative.
	KeyFile string `mapstructure:"key_file" json:"key_file,omitempty"`

	ConnectedToPrivateIP bool `mapstructure:"connected_to_private_ip" json:"connected_to_private_ip"`

	ManagementOnlyFiles []string `mapstructure:"management_only_files" json:"management_only_files,omitempty"`
	NoWebServices       bool     `mapstructure:"no_web_services" json:"no_web_services"`

	// CloudFile references the backend specific settings file.
	CloudFile string `mapstructure:"cloud_file" json:"cloud_file"`
}
