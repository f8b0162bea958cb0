package service

import (
	"context"
	"io"
	"log/slog"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/provisioner"
)

// BackendFactory builds the provisioner for a run.
type BackendFactory func(name string, opts provisioner.Options) (contracts.MachineProvisioner, error)

// DeploymentOption configures a Deployment.
type DeploymentOption func(*Deployment)

// WithBackendFactory replaces the backend registry lookup.
func WithBackendFactory(factory BackendFactory) DeploymentOption {
	return func(d *Deployment) {
		d.backends = factory
	}
}

// WithOrchestratorOptions passes options to every orchestrator created.
func WithOrchestratorOptions(opts ...Option) DeploymentOption {
	return func(d *Deployment) {
		d.orchestratorOpts = append(d.orchestratorOpts, opts...)
	}
}

// Deployment wires a request config to a backend and an installer and runs
// the orchestration for it.
type Deployment struct {
	installer        contracts.Installer
	membership       contracts.ClusterMembership
	backends         BackendFactory
	orchestratorOpts []Option
	logger           *slog.Logger
}

// NewDeployment creates a Deployment. membership may be nil, in which case
// the installer does not wait for agents to join.
func NewDeployment(installer contracts.Installer, membership contracts.ClusterMembership, logger *slog.Logger, opts ...DeploymentOption) *Deployment {
	d := &Deployment{
		installer:  installer,
		membership: membership,
		backends:   provisioner.New,
		logger:     logger.With(slog.String("service", "deployment")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Profile derives the management profile for cfg without starting anything.
func (d *Deployment) Profile(cfg contracts.MachineRequestConfig) (*contracts.InstallationProfile, error) {
	return DeriveManagementProfile(cfg, d.membership)
}

// Provision starts params.Count machines on params.Backend and installs the
// first one. Configuration problems fail the run before any machine is
// started. Backends implementing io.Closer are closed when the run ends.
func (d *Deployment) Provision(ctx context.Context, params ProvisionParams) (*RunResult, error) {
	log := d.logger.With(slog.String("backend", params.Backend))

	template, err := d.Profile(params.Request)
	if err != nil {
		log.Error("invalid machine request", slog.String("error", err.Error()))
		return &RunResult{State: StateFailed}, err
	}

	backend, err := d.backends(params.Backend, provisioner.Options{
		Template:  template,
		CloudFile: params.Request.CloudFile,
		Logger:    d.logger,
	})
	if err != nil {
		log.Error("failed to create backend", slog.String("error", err.Error()))
		return &RunResult{State: StateFailed}, err
	}
	if closer, ok := backend.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Warn("failed to close backend", slog.String("error", err.Error()))
			}
		}()
	}

	log.Info("provisioning",
		slog.Int("count", params.Count),
		slog.Duration("timeout", params.Timeout),
		slog.Any("template", template),
	)

	return NewOrchestrator(backend, d.installer, d.logger, d.orchestratorOpts...).Run(ctx, params.Count, params.Timeout)
}
