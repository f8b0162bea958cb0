// Package hetzner starts machines as Hetzner Cloud servers.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/provisioner"
)

// Name is the registry name of this backend.
const Name = "hetzner"

const cleanupTimeout = 2 * time.Minute

func init() {
	provisioner.Register(Name, New)
}

// Settings is the cloud file layout.
type Settings struct {
	// Token is read from TokenEnv when empty.
	Token      string            `yaml:"token"`
	TokenEnv   string            `yaml:"token_env"`
	Endpoint   string            `yaml:"endpoint"`
	ServerType string            `yaml:"server_type"`
	Image      string            `yaml:"image"`
	Location   string            `yaml:"location"`
	NetworkID  int64             `yaml:"network_id"`
	SSHKeys    []string          `yaml:"ssh_keys"`
	NamePrefix string            `yaml:"name_prefix"`
	Labels     map[string]string `yaml:"labels"`
	UserData   string            `yaml:"user_data"`
}

func (s *Settings) setDefaults() {
	if s.TokenEnv == "" {
		s.TokenEnv = "HCLOUD_TOKEN"
	}
	if s.NamePrefix == "" {
		s.NamePrefix = "stagehand"
	}
}

func (s *Settings) validate() error {
	if s.ServerType == "" {
		return contracts.NewConfigError("hetzner: server_type is required")
	}
	if s.Image == "" {
		return contracts.NewConfigError("hetzner: image is required")
	}
	return nil
}

type Provisioner struct {
	client   *hcloud.Client
	settings Settings
	template *contracts.InstallationProfile
	logger   *slog.Logger
}

func New(opts provisioner.Options) (contracts.MachineProvisioner, error) {
	var settings Settings
	if err := provisioner.DecodeCloudFile(opts.CloudFile, &settings); err != nil {
		return nil, err
	}

	p, err := NewWithSettings(opts.Template, settings, opts.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func NewWithSettings(template *contracts.InstallationProfile, settings Settings, logger *slog.Logger) (*Provisioner, error) {
	settings.setDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}

	token := settings.Token
	if token == "" {
		token = os.Getenv(settings.TokenEnv)
	}
	if token == "" {
		return nil, contracts.NewConfigError("hetzner: no API token (set token or %s)", settings.TokenEnv)
	}

	clientOpts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("stagehand", ""),
	}
	if settings.Endpoint != "" {
		clientOpts = append(clientOpts, hcloud.WithEndpoint(settings.Endpoint))
	}

	return &Provisioner{
		client:   hcloud.NewClient(clientOpts...),
		settings: settings,
		template: template,
		logger:   logger.With(slog.String("component", "hetzner")),
	}, nil
}

// StartMachines creates count servers in parallel. Either every server is
// created and running or none is left behind.
func (p *Provisioner) StartMachines(ctx context.Context, count int, budget time.Duration) ([]*contracts.InstallationProfile, error) {
	tracer := otel.Tracer("stagehand/provisioner")
	ctx, span := tracer.Start(ctx, "hetzner.StartMachines")
	defer span.End()
	span.SetAttributes(attribute.Int("machine.count", count))

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	sshKeys, err := p.resolveSSHKeys(ctx)
	if err != nil {
		return nil, provisioner.Failed(ctx, err, "resolve ssh keys")
	}

	runID := uuid.New().String()[:8]
	servers := make([]*hcloud.Server, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := range count {
		name := fmt.Sprintf("%s-%s-%d", p.settings.NamePrefix, runID, i)
		g.Go(func() error {
			server, err := p.createServer(gctx, name, runID, sshKeys)
			servers[i] = server
			return err
		})
	}

	if err := g.Wait(); err != nil {
		p.deleteServers(servers)
		return nil, provisioner.Failed(ctx, err, "create servers")
	}

	profiles := make([]*contracts.InstallationProfile, 0, count)
	for i, server := range servers {
		profiles = append(profiles, provisioner.Machine(p.template, i,
			strconv.FormatInt(server.ID, 10), publicIPv4(server), privateIP(server)))
	}

	p.logger.Info("servers running", slog.Int("count", len(profiles)), slog.String("run", runID))
	return profiles, nil
}

func (p *Provisioner) resolveSSHKeys(ctx context.Context) ([]*hcloud.SSHKey, error) {
	keys := make([]*hcloud.SSHKey, 0, len(p.settings.SSHKeys))
	for _, name := range p.settings.SSHKeys {
		key, _, err := p.client.SSHKey.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get ssh key %s: %w", name, err)
		}
		if key == nil {
			return nil, contracts.NewConfigError("hetzner: ssh key not found: %s", name)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// createServer returns the server even when waiting for it fails so the
// caller can clean it up.
func (p *Provisioner) createServer(ctx context.Context, name, runID string, sshKeys []*hcloud.SSHKey) (*hcloud.Server, error) {
	labels := map[string]string{"managed-by": "stagehand", "stagehand-run": runID}
	for k, v := range p.settings.Labels {
		labels[k] = v
	}

	opts := hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: &hcloud.ServerType{Name: p.settings.ServerType},
		Image:      &hcloud.Image{Name: p.settings.Image},
		SSHKeys:    sshKeys,
		Labels:     labels,
		UserData:   p.settings.UserData,
	}
	if p.settings.Location != "" {
		opts.Location = &hcloud.Location{Name: p.settings.Location}
	}
	if p.settings.NetworkID != 0 {
		opts.Networks = []*hcloud.Network{{ID: p.settings.NetworkID}}
	}

	p.logger.Debug("creating server", slog.String("name", name))

	result, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create server %s: %w", name, err)
	}

	actions := append([]*hcloud.Action{result.Action}, result.NextActions...)
	if err := p.client.Action.WaitFor(ctx, actions...); err != nil {
		return result.Server, fmt.Errorf("wait for server %s: %w", name, err)
	}

	// The create response predates the network attach action.
	server, _, err := p.client.Server.GetByID(ctx, result.Server.ID)
	if err != nil {
		return result.Server, fmt.Errorf("refresh server %s: %w", name, err)
	}
	if server == nil {
		return result.Server, fmt.Errorf("server %s (%d) disappeared after creation", name, result.Server.ID)
	}

	p.logger.Info("server created",
		slog.String("name", name),
		slog.Int64("id", server.ID),
		slog.String("public_ip", publicIPv4(server)),
		slog.String("private_ip", privateIP(server)),
	)
	return server, nil
}

// deleteServers runs on its own context because the run context is usually
// done by now.
func (p *Provisioner) deleteServers(servers []*hcloud.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs []error
	for _, server := range servers {
		if server == nil {
			continue
		}
		if _, _, err := p.client.Server.DeleteWithResult(ctx, server); err != nil {
			errs = append(errs, fmt.Errorf("delete server %d: %w", server.ID, err))
			continue
		}
		p.logger.Info("deleted server after failed run", slog.Int64("id", server.ID))
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("failed to clean up servers", slog.String("error", err.Error()))
	}
}

func publicIPv4(s *hcloud.Server) string {
	if s != nil && s.PublicNet.IPv4.IP != nil {
		return s.PublicNet.IPv4.IP.String()
	}
	return ""
}

func privateIP(s *hcloud.Server) string {
	if s != nil && len(s.PrivateNet) > 0 && s.PrivateNet[0].IP != nil {
		return s.PrivateNet[0].IP.String()
	}
	return ""
}
