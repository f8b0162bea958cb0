package service

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/terabiome/stagehand/internal/contracts"
)

// DeriveManagementProfile builds the installation profile of the management
// machine from a request config. Locator and private address are left empty;
// they are only known once the machine has booted.
//
// The key file is only resolved when a key pair is configured; it is then
// joined to LocalDir when relative and must exist. Credentials are otherwise copied verbatim and left for the
// installer to validate.
func DeriveManagementProfile(cfg contracts.MachineRequestConfig, membership contracts.ClusterMembership) (*contracts.InstallationProfile, error) {
	profile := &contracts.InstallationProfile{
		LocalDir:             cfg.LocalDir,
		RemoteDir:            cfg.RemoteDir,
		Zones:                strings.Join(cfg.Zones, ","),
		Locator:              "",
		PrivateIP:            "",
		IsManagement:         true,
		NoWebServices:        cfg.NoWebServices,
		BootstrapURL:         cfg.BootstrapURL,
		ConnectedToPrivateIP: cfg.ConnectedToPrivateIP,
		ManagementOnlyFiles:  cfg.ManagementOnlyFiles,
		Membership:           membership,
		CloudFile:            cfg.CloudFile,
		Username:             cfg.SSHUsername,
		Password:             cfg.SSHPassword,
	}

	if cfg.KeyPair != "" {
		keyFile, err := resolveKeyFile(cfg)
		if err != nil {
			return nil, err
		}
		profile.KeyFile = keyFile
	}

	return profile, nil
}

func resolveKeyFile(cfg contracts.MachineRequestConfig) (string, error) {
	if cfg.KeyFile == "" {
		return "", contracts.NewConfigError("key pair %q is configured without a key file", cfg.KeyPair)
	}

	keyFile := cfg.KeyFile
	if !filepath.IsAbs(keyFile) {
		keyFile = filepath.Join(cfg.LocalDir, keyFile)
	}

	abs, err := filepath.Abs(keyFile)
	if err != nil {
		return "", contracts.NewConfigError("cannot resolve key file %s: %w", keyFile, err)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return "", contracts.NewConfigError("key file %s not found", abs)
	}

	return abs, nil
}
