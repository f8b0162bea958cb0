package adapter

import (
	"time"

	"github.com/terabiome/stagehand/internal/api"
	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/service"
)

// AdaptMachineRequest converts the wire request to a MachineRequestConfig.
// A non-empty keyFile replaces the request's own key file.
func AdaptMachineRequest(req api.MachineRequest, keyFile string) contracts.MachineRequestConfig {
	cfg := contracts.MachineRequestConfig{
		LocalDir:             req.LocalDir,
		RemoteDir:            req.RemoteDir,
		Zones:                req.Zones,
		BootstrapURL:         req.BootstrapURL,
		SSHUsername:          req.SSHUsername,
		SSHPassword:          req.SSHPassword,
		KeyPair:              req.KeyPair,
		KeyFile:              req.KeyFile,
		ConnectedToPrivateIP: req.ConnectedToPrivateIP,
		ManagementOnlyFiles:  req.ManagementOnlyFiles,
		NoWebServices:        req.NoWebServices,
		CloudFile:            req.CloudFile,
	}
	if keyFile != "" {
		cfg.KeyFile = keyFile
	}
	return cfg
}

// AdaptProvisionRequest converts the wire request to service params. An empty
// timeout falls back to defaultTimeout.
func AdaptProvisionRequest(req api.ProvisionRequest, keyFile string, defaultTimeout time.Duration) (service.ProvisionParams, error) {
	timeout := defaultTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return service.ProvisionParams{}, contracts.NewConfigError("invalid timeout %q: %v", req.Timeout, err)
		}
		timeout = d
	}

	return service.ProvisionParams{
		Backend: req.Backend,
		Count:   req.Count,
		Timeout: timeout,
		Request: AdaptMachineRequest(req.Request, keyFile),
	}, nil
}

// AdaptRunResult converts an orchestration result to the wire response.
func AdaptRunResult(result *service.RunResult) api.ProvisionResponse {
	if result == nil {
		return api.ProvisionResponse{}
	}
	resp := api.ProvisionResponse{
		State:   string(result.State),
		Address: result.Address,
		Started: result.Started,
		Elapsed: result.Elapsed.Round(time.Millisecond).String(),
	}
	if result.Profile != nil {
		resp.MachineID = result.Profile.MachineID
	}
	return resp
}
