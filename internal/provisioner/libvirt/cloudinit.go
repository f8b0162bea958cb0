package libvirt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/pkg/executor"
	"github.com/terabiome/stagehand/pkg/executor/mkisofs"
)

type userData struct {
	Hostname          string    `yaml:"hostname"`
	ManageEtcHosts    bool      `yaml:"manage_etc_hosts"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	DisableRoot       bool      `yaml:"disable_root"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Users             []any     `yaml:"users,omitempty"`
	Chpasswd          *chpasswd `yaml:"chpasswd,omitempty"`
	PackageUpdate     bool      `yaml:"package_update"`
	Packages          []string  `yaml:"packages,omitempty"`
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	PlainTextPasswd   string   `yaml:"plain_text_passwd,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

type chpasswd struct {
	Expire bool `yaml:"expire"`
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// renderUserData builds the #cloud-config document giving the installer
// access to the guest with the profile credentials.
func renderUserData(hostname string, profile *contracts.InstallationProfile, authorizedKey string, packages []string) ([]byte, error) {
	doc := userData{
		Hostname:        hostname,
		ManageEtcHosts:  true,
		SSHPasswordAuth: profile.Password != "",
		DisableRoot:     true,
		PackageUpdate:   len(packages) > 0,
		Packages:        packages,
	}

	var keys []string
	if authorizedKey != "" {
		keys = []string{authorizedKey}
	}

	if profile.Username == "" || profile.Username == "root" {
		doc.DisableRoot = false
		doc.SSHAuthorizedKeys = keys
	} else {
		doc.Users = []any{"default", cloudUser{
			Name:              profile.Username,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			LockPasswd:        profile.Password == "",
			PlainTextPasswd:   profile.Password,
			SSHAuthorizedKeys: keys,
		}}
	}
	if profile.Password != "" {
		doc.Chpasswd = &chpasswd{Expire: false}
	}

	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode user-data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode user-data: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMetaData(instanceID, hostname string) ([]byte, error) {
	out, err := yaml.Marshal(metaData{InstanceID: instanceID, LocalHostname: hostname})
	if err != nil {
		return nil, fmt.Errorf("encode meta-data: %w", err)
	}
	return out, nil
}

// authorizedKey returns the public key line to inject. publicKeyFile wins;
// otherwise the public half of the private key file is derived.
func authorizedKey(publicKeyFile, privateKeyFile string) (string, error) {
	if publicKeyFile != "" {
		raw, err := os.ReadFile(publicKeyFile)
		if err != nil {
			return "", contracts.NewConfigError("read public key %s: %w", publicKeyFile, err)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey(raw); err != nil {
			return "", contracts.NewConfigError("parse public key %s: %w", publicKeyFile, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	if privateKeyFile == "" {
		return "", nil
	}

	raw, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return "", contracts.NewConfigError("read key file %s: %w", privateKeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return "", contracts.NewConfigError("parse key file %s: %w", privateKeyFile, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// createISO writes the NoCloud seed for one guest to isoPath.
func createISO(ctx context.Context, exec executor.Executor, isoPath, instanceID, hostname string, profile *contracts.InstallationProfile, key string, packages []string) error {
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("cloud-init-%s-", hostname))
	if err != nil {
		return fmt.Errorf("failed to create temp dir for cloud-init: %w", err)
	}
	defer os.RemoveAll(tempDir)

	user, err := renderUserData(hostname, profile, key, packages)
	if err != nil {
		return err
	}
	meta, err := renderMetaData(instanceID, hostname)
	if err != nil {
		return err
	}

	userDataPath := filepath.Join(tempDir, "user-data")
	metaDataPath := filepath.Join(tempDir, "meta-data")
	if err := os.WriteFile(userDataPath, user, 0o600); err != nil {
		return fmt.Errorf("failed to write user-data: %w", err)
	}
	if err := os.WriteFile(metaDataPath, meta, 0o600); err != nil {
		return fmt.Errorf("failed to write meta-data: %w", err)
	}

	return mkisofs.CreateISO(ctx, exec, mkisofs.ISOOptions{
		OutputPath: isoPath,
		VolumeID:   "cidata",
		Files:      []string{userDataPath, metaDataPath},
	})
}
