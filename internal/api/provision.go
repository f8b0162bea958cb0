package api

// MachineRequest is the wire form of a machine request config.
type MachineRequest struct {
	LocalDir             string   `json:"local_dir"`
	RemoteDir            string   `json:"remote_dir"`
	Zones                []string `json:"zones"`
	BootstrapURL         string   `json:"bootstrap_url"`
	SSHUsername          string   `json:"ssh_username"`
	SSHPassword          string   `json:"ssh_password,omitempty"`
	KeyPair              string   `json:"key_pair,omitempty"`
	KeyFile              string   `json:"key_file,omitempty"`
	ConnectedToPrivateIP bool     `json:"connected_to_private_ip"`
	ManagementOnlyFiles  []string `json:"management_only_files,omitempty"`
	NoWebServices        bool     `json:"no_web_services"`
	CloudFile            string   `json:"cloud_file"`

	// KeyFileUpload names a key returned by POST /uploads. The uploaded file
	// is used as the key file and takes precedence over KeyFile.
	KeyFileUpload string `json:"key_file_upload,omitempty"`
}

// ProvisionRequest starts machines on a backend and installs the first one.
type ProvisionRequest struct {
	Backend string `json:"backend"`
	Count   int    `json:"count"`
	// Timeout is a Go duration string such as "15m". Empty means the server
	// default.
	Timeout string         `json:"timeout,omitempty"`
	Request MachineRequest `json:"request"`
}

// ProvisionResponse reports the outcome of a provision run.
type ProvisionResponse struct {
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
	Started   int    `json:"started"`
	Elapsed   string `json:"elapsed"`
}

// UploadResponse carries the key of a staged upload.
type UploadResponse struct {
	Key string `json:"key"`
}

// BackendsResponse lists the registered provisioning backends.
type BackendsResponse struct {
	Backends []string `json:"backends"`
}
