// Package installer bootstraps the agent on a started machine over SSH.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/pkg/executor"
	"github.com/terabiome/stagehand/pkg/retry"
)

// DefaultScript is the bootstrap entry point looked up in the remote dir.
const DefaultScript = "bootstrap.sh"

// Session is a connection to one machine.
type Session interface {
	Execute(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (int, error)
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error
	Close() error
}

// Dialer opens a Session.
type Dialer func(ctx context.Context, config executor.SSHConfig, logger *slog.Logger) (Session, error)

// Option configures an SSHInstaller.
type Option func(*SSHInstaller)

// WithDialer replaces the SSH dialer.
func WithDialer(dial Dialer) Option {
	return func(i *SSHInstaller) {
		i.dial = dial
	}
}

// WithPort sets the SSH port. Default 22.
func WithPort(port int) Option {
	return func(i *SSHInstaller) {
		i.port = port
	}
}

// WithScript sets the bootstrap script name relative to the remote dir.
func WithScript(script string) Option {
	return func(i *SSHInstaller) {
		i.script = script
	}
}

// WithRetryDelays bounds the backoff between connection attempts.
func WithRetryDelays(initial, maxDelay time.Duration) Option {
	return func(i *SSHInstaller) {
		i.initialDelay = initial
		i.maxDelay = maxDelay
	}
}

// SSHInstaller implements contracts.Installer by copying the staging
// directory to the machine and running the bootstrap script there.
type SSHInstaller struct {
	dial         Dialer
	port         int
	script       string
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
}

func New(logger *slog.Logger, opts ...Option) *SSHInstaller {
	i := &SSHInstaller{
		dial:         dialSSH,
		port:         22,
		script:       DefaultScript,
		initialDelay: time.Second,
		maxDelay:     10 * time.Second,
		logger:       logger.With(slog.String("service", "installer")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func dialSSH(ctx context.Context, config executor.SSHConfig, logger *slog.Logger) (Session, error) {
	s, err := executor.NewSSH(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Install uploads the staging files, runs the bootstrap script and, when
// the profile carries a membership handle, waits for the agent to join.
func (i *SSHInstaller) Install(ctx context.Context, profile *contracts.InstallationProfile, budget time.Duration) error {
	address := profile.TargetAddress()

	tracer := otel.Tracer("stagehand/installer")
	ctx, span := tracer.Start(ctx, "installer.Install")
	defer span.End()
	span.SetAttributes(attribute.String("machine.address", address))

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if address == "" {
		return i.failed(ctx, address, errors.New("profile has no address"))
	}

	config := executor.SSHConfig{
		Host:     address,
		Port:     i.port,
		User:     profile.Username,
		KeyPath:  profile.KeyFile,
		Password: profile.Password,
	}
	if _, err := executor.AuthMethods(config); err != nil {
		return contracts.NewConfigError("machine %s: %w", address, err)
	}

	log := i.logger.With(slog.String("address", address))

	session, err := i.connect(ctx, config, log)
	if err != nil {
		return i.failed(ctx, address, err)
	}
	defer session.Close()

	files, err := stagedFiles(profile)
	if err != nil {
		return contracts.NewConfigError("machine %s: %w", address, err)
	}

	for _, f := range files {
		if err := i.upload(ctx, session, f); err != nil {
			return i.failed(ctx, address, err)
		}
	}
	log.Info("uploaded staging files", slog.Int("count", len(files)))

	if err := i.bootstrap(ctx, session, profile, log); err != nil {
		return i.failed(ctx, address, err)
	}

	if profile.Membership != nil {
		log.Info("waiting for agent to join")
		if err := profile.Membership.WaitForAgent(ctx, address); err != nil {
			return i.failed(ctx, address, fmt.Errorf("agent did not join: %w", err))
		}
	}

	log.Info("installation finished")
	return nil
}

func (i *SSHInstaller) connect(ctx context.Context, config executor.SSHConfig, log *slog.Logger) (Session, error) {
	var session Session
	attempt := 0

	err := retry.WithExponentialBackoff(ctx, func() error {
		attempt++
		s, err := i.dial(ctx, config, log)
		if err != nil {
			log.Debug("ssh not ready", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		session = s
		return nil
	},
		retry.WithMaxRetries(0),
		retry.WithInitialDelay(i.initialDelay),
		retry.WithMaxDelay(i.maxDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	log.Debug("ssh connected", slog.Int("attempts", attempt))
	return session, nil
}

type stagedFile struct {
	local  string
	remote string
	mode   os.FileMode
}

// stagedFiles lists the regular files under LocalDir. Management only files
// are left out for other machines.
func stagedFiles(profile *contracts.InstallationProfile) ([]stagedFile, error) {
	if profile.LocalDir == "" {
		return nil, nil
	}

	skip := make(map[string]bool)
	if !profile.IsManagement {
		for _, name := range profile.ManagementOnlyFiles {
			skip[filepath.ToSlash(filepath.Clean(name))] = true
		}
	}

	var files []stagedFile
	err := filepath.WalkDir(profile.LocalDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(profile.LocalDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip[rel] || skip[path.Base(rel)] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, stagedFile{
			local:  p,
			remote: path.Join(profile.RemoteDir, rel),
			mode:   info.Mode().Perm(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read staging dir %s: %w", profile.LocalDir, err)
	}
	return files, nil
}

func (i *SSHInstaller) upload(ctx context.Context, session Session, f stagedFile) error {
	file, err := os.Open(f.local)
	if err != nil {
		return err
	}
	defer file.Close()

	return session.Upload(ctx, file, f.remote, f.mode)
}

func (i *SSHInstaller) bootstrap(ctx context.Context, session Session, profile *contracts.InstallationProfile, log *slog.Logger) error {
	command := BootstrapCommand(profile, i.script)

	var stdout, stderr bytes.Buffer
	log.Info("running bootstrap", slog.String("script", i.script))
	exitCode, err := session.Execute(ctx, &stdout, &stderr, command)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("bootstrap exited with code %d: %w\nstderr: %s", exitCode, err, strings.TrimSpace(stderr.String()))
	}

	log.Debug("bootstrap output", slog.String("stdout", stdout.String()))
	return nil
}

// Environment returns the variables the bootstrap script is started with.
func Environment(profile *contracts.InstallationProfile) map[string]string {
	env := map[string]string{
		"STAGEHAND_MACHINE_ID":      profile.MachineID,
		"STAGEHAND_MACHINE_IP":      profile.TargetAddress(),
		"STAGEHAND_PUBLIC_IP":       profile.PublicIP,
		"STAGEHAND_PRIVATE_IP":      profile.PrivateIP,
		"STAGEHAND_ZONES":           profile.Zones,
		"STAGEHAND_LOCATOR":         profile.Locator,
		"STAGEHAND_MANAGEMENT":      strconv.FormatBool(profile.IsManagement),
		"STAGEHAND_NO_WEB_SERVICES": strconv.FormatBool(profile.NoWebServices),
		"STAGEHAND_BOOTSTRAP_URL":   profile.BootstrapURL,
		"STAGEHAND_REMOTE_DIR":      profile.RemoteDir,
	}
	if profile.CloudFile != "" {
		env["STAGEHAND_CLOUD_FILE"] = path.Join(profile.RemoteDir, filepath.Base(profile.CloudFile))
	}
	return env
}

// BootstrapCommand is the shell command run on the machine.
func BootstrapCommand(profile *contracts.InstallationProfile, script string) string {
	env := Environment(profile)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if profile.RemoteDir != "" {
		fmt.Fprintf(&b, "cd %s && ", executor.ShellQuote(profile.RemoteDir))
	}
	fmt.Fprintf(&b, "chmod +x %s && env", executor.ShellQuote(script))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, executor.ShellQuote(env[k]))
	}
	if path.IsAbs(script) {
		fmt.Fprintf(&b, " %s", executor.ShellQuote(script))
	} else {
		fmt.Fprintf(&b, " ./%s", executor.ShellQuote(strings.TrimPrefix(script, "./")))
	}
	return b.String()
}

// failed classifies an install error. Cancellation passes through.
func (i *SSHInstaller) failed(ctx context.Context, address string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if contracts.KindOf(err) != nil {
		return err
	}

	kind := contracts.ErrInstall
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = contracts.ErrTimeout
	}
	return &contracts.StageError{Kind: kind, Stage: contracts.StageInstall, Address: address, Err: err}
}
