package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terabiome/stagehand/internal/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunResult describes the outcome of a single orchestration run.
type RunResult struct {
	State State
	// Profile is the machine handed to the installer, if provisioning got
	// that far.
	Profile *contracts.InstallationProfile
	Address string
	// Started is the number of profiles the provisioner returned.
	Started int
	Elapsed time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the clock used for deadline arithmetic.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// Orchestrator starts machines through a MachineProvisioner and installs the
// first one through an Installer, bounded by one deadline per run. It holds
// no per-run state and may be used by concurrent callers.
type Orchestrator struct {
	provisioner contracts.MachineProvisioner
	installer   contracts.Installer
	logger      *slog.Logger
	clock       func() time.Time

	runCounter        metric.Int64Counter
	provisionDuration metric.Float64Histogram
	installDuration   metric.Float64Histogram
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	provisioner contracts.MachineProvisioner,
	installer contracts.Installer,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	meter := otel.Meter("stagehand/service")

	runCounter, err := meter.Int64Counter(
		"stagehand.run",
		metric.WithDescription("Number of provision-and-install runs by terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create runCounter metric", slog.String("error", err.Error()))
	}

	provisionDuration, err := meter.Float64Histogram(
		"stagehand.provision.duration",
		metric.WithDescription("Duration of the provisioning stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create provisionDuration metric", slog.String("error", err.Error()))
	}

	installDuration, err := meter.Float64Histogram(
		"stagehand.install.duration",
		metric.WithDescription("Duration of the installation stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create installDuration metric", slog.String("error", err.Error()))
	}

	o := &Orchestrator{
		provisioner:       provisioner,
		installer:         installer,
		logger:            logger.With(slog.String("service", "orchestrator")),
		clock:             time.Now,
		runCounter:        runCounter,
		provisionDuration: provisionDuration,
		installDuration:   installDuration,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts count machines and installs the first one, all within timeout.
//
// Only the first returned profile is installed; any other machine is
// expected to register itself through the cluster membership handle. On
// failure the returned result is in a terminal state and the error is
// classified as contracts.ErrConfig, ErrProvisioning, ErrTimeout or
// ErrInstall. Cancellation of ctx is returned as is and leaves the result in
// the state that was interrupted.
func (o *Orchestrator) Run(ctx context.Context, count int, timeout time.Duration) (*RunResult, error) {
	tracer := otel.Tracer("stagehand/service")
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	span.SetAttributes(
		attribute.Int("machine.count", count),
		attribute.String("timeout", timeout.String()),
	)

	result := &RunResult{State: StateInit}

	if timeout < 0 {
		err := &contracts.StageError{
			Kind:  contracts.ErrTimeout,
			Stage: contracts.StageProvision,
			Err:   fmt.Errorf("starting machines timed out: negative timeout %s", timeout),
		}
		return o.finish(ctx, span, result, err)
	}

	deadline := newDeadline(o.clock(), timeout)
	defer func() {
		result.Elapsed = deadline.Elapsed(o.clock())
	}()

	if count < 1 {
		return o.finish(ctx, span, result, contracts.NewConfigError("machine count must be positive, got %d", count))
	}

	o.logger.Debug("run started", slog.Int("count", count), slog.Duration("timeout", timeout))

	result.State = StateProvisioning
	profiles, err := o.provision(ctx, count, deadline)
	if err != nil {
		if cancelled(ctx, err) {
			return o.interrupted(span, result, err)
		}
		return o.finish(ctx, span, result, err)
	}

	result.State = StateProvisioned
	result.Started = len(profiles)

	target := profiles[0]
	result.Profile = target
	result.Address = target.TargetAddress()

	if len(profiles) > 1 {
		o.logger.Debug("installing first machine only",
			slog.Int("started", len(profiles)),
			slog.String("address", result.Address),
		)
	}

	remaining := deadline.Remaining(o.clock())
	if remaining <= 0 {
		err := &contracts.StageError{
			Kind:    contracts.ErrTimeout,
			Stage:   contracts.StageInstall,
			Address: result.Address,
			Err:     fmt.Errorf("no time left for installation after provisioning (%s over budget)", -remaining),
		}
		return o.finish(ctx, span, result, err)
	}

	result.State = StateInstalling
	if err := o.install(ctx, target, remaining); err != nil {
		if cancelled(ctx, err) {
			return o.interrupted(span, result, err)
		}
		return o.finish(ctx, span, result, err)
	}

	result.State = StateInstalled
	return o.finish(ctx, span, result, nil)
}

func (o *Orchestrator) provision(ctx context.Context, count int, deadline Deadline) ([]*contracts.InstallationProfile, error) {
	budget := deadline.Remaining(o.clock())

	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tracer := otel.Tracer("stagehand/service")
	stageCtx, span := tracer.Start(stageCtx, "Provision")
	defer span.End()

	o.logger.Info("starting machines", slog.Int("count", count), slog.Duration("budget", budget))

	startTime := time.Now()
	profiles, err := o.provisioner.StartMachines(stageCtx, count, budget)
	if o.provisionDuration != nil {
		o.provisionDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		if cancelled(ctx, err) {
			return nil, err
		}
		return nil, classify(stageCtx, contracts.StageProvision, contracts.ErrProvisioning, "", err)
	}

	if len(profiles) == 0 || profiles[0] == nil {
		return nil, &contracts.StageError{
			Kind:  contracts.ErrProvisioning,
			Stage: contracts.StageProvision,
			Err:   errors.New("provisioner returned no machines"),
		}
	}

	span.SetAttributes(attribute.Int("machine.started", len(profiles)))
	o.logger.Info("machines started",
		slog.Int("requested", count),
		slog.Int("started", len(profiles)),
	)
	return profiles, nil
}

func (o *Orchestrator) install(ctx context.Context, profile *contracts.InstallationProfile, budget time.Duration) error {
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tracer := otel.Tracer("stagehand/service")
	stageCtx, span := tracer.Start(stageCtx, "Install")
	defer span.End()

	address := profile.TargetAddress()
	span.SetAttributes(attribute.String("machine.address", address))

	o.logger.Info("installing machine",
		slog.String("address", address),
		slog.Duration("budget", budget),
	)

	startTime := time.Now()
	err := o.installer.Install(stageCtx, profile, budget)
	if o.installDuration != nil {
		o.installDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		if cancelled(ctx, err) {
			return err
		}
		return classify(stageCtx, contracts.StageInstall, contracts.ErrInstall, address, err)
	}

	o.logger.Info("machine installed", slog.String("address", address))
	return nil
}

// finish moves result into its terminal state and records the outcome.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, result *RunResult, err error) (*RunResult, error) {
	switch {
	case err == nil:
		result.State = StateInstalled
	case errors.Is(err, contracts.ErrTimeout):
		result.State = StateTimedOut
	default:
		result.State = StateFailed
	}

	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(result.State)),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("run failed",
			slog.String("state", string(result.State)),
			slog.String("address", result.Address),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	o.logger.Info("run completed",
		slog.String("state", string(result.State)),
		slog.String("address", result.Address),
	)
	return result, nil
}

// interrupted reports a caller cancellation without attempting any further
// transition.
func (o *Orchestrator) interrupted(span trace.Span, result *RunResult, err error) (*RunResult, error) {
	if !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", context.Canceled, err)
	}
	span.SetStatus(codes.Error, "cancelled")
	o.logger.Warn("run cancelled", slog.String("state", string(result.State)))
	return result, err
}

// cancelled reports whether err stems from the caller cancelling ctx.
func cancelled(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}

// classify wraps a stage failure into a StageError. Errors that already
// carry a kind keep it; only their missing stage and address are filled in.
// Unclassified errors become timeouts when the stage deadline has passed.
func classify(stageCtx context.Context, stage contracts.Stage, kind error, address string, err error) error {
	if contracts.KindOf(err) != nil {
		var stageErr *contracts.StageError
		if errors.As(err, &stageErr) {
			if stageErr.Stage == "" {
				stageErr.Stage = stage
			}
			if stageErr.Address == "" {
				stageErr.Address = address
			}
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		kind = contracts.ErrTimeout
	}
	return &contracts.StageError{Kind: kind, Stage: stage, Address: address, Err: err}
}
