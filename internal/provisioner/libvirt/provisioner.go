// Package libvirt starts machines as KVM guests on a libvirt hypervisor.
//
// Every guest gets a qcow2 overlay over the configured base image and a
// NoCloud seed ISO carrying the profile credentials. A machine counts as
// started once the hypervisor reports an IPv4 address for it.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/provisioner"
	"github.com/terabiome/stagehand/pkg/executor"
	"github.com/terabiome/stagehand/pkg/executor/fileops"
	"github.com/terabiome/stagehand/pkg/executor/qemuimg"
	pkglibvirt "github.com/terabiome/stagehand/pkg/libvirt"
)

// Name is the registry name of this backend.
const Name = "libvirt"

const cleanupTimeout = time.Minute

func init() {
	provisioner.Register(Name, New)
}

type Provisioner struct {
	settings Settings
	template *contracts.InstallationProfile
	guests   guest
	exec     executor.Executor
	key      string
	logger   *slog.Logger

	// conn is released by Close. Nil when the guests are not backed by a
	// connection of their own.
	conn io.Closer
}

func New(opts provisioner.Options) (contracts.MachineProvisioner, error) {
	var settings Settings
	if err := provisioner.DecodeCloudFile(opts.CloudFile, &settings); err != nil {
		return nil, err
	}
	settings.setDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}

	log := opts.Logger.With(slog.String("component", "libvirt"))

	connections, err := pkglibvirt.NewConnectionManager(settings.URI, nil, log)
	if err != nil {
		return nil, &contracts.StageError{Kind: contracts.ErrProvisioning, Stage: contracts.StageProvision, Err: err}
	}

	p, err := newProvisioner(settings, opts.Template,
		newHypervisor(connections, settings.AddressSource, log), connections.Executor(), log)
	if err != nil {
		connections.Close()
		return nil, err
	}
	p.conn = connections
	return p, nil
}

// Close releases the hypervisor connection opened by New.
func (p *Provisioner) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func newProvisioner(settings Settings, template *contracts.InstallationProfile, guests guest, exec executor.Executor, logger *slog.Logger) (*Provisioner, error) {
	settings.setDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}

	key, err := authorizedKey(settings.PublicKeyFile, template.KeyFile)
	if err != nil {
		return nil, err
	}

	return &Provisioner{
		settings: settings,
		template: template,
		guests:   guests,
		exec:     exec,
		key:      key,
		logger:   logger,
	}, nil
}

// machine tracks what was created for one guest so a failed run can undo
// it. Fields are written by the guest's goroutine and read after Wait.
type machine struct {
	name     string
	uuid     string
	diskPath string
	isoPath  string
	defined  bool
	address  string
}

// StartMachines boots count guests in parallel and waits for their
// addresses. On any failure every guest of the run is removed again.
func (p *Provisioner) StartMachines(ctx context.Context, count int, budget time.Duration) ([]*contracts.InstallationProfile, error) {
	tracer := otel.Tracer("stagehand/provisioner")
	ctx, span := tracer.Start(ctx, "libvirt.StartMachines")
	defer span.End()
	span.SetAttributes(attribute.Int("machine.count", count))

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	runID := uuid.New().String()[:8]
	machines := make([]*machine, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := range count {
		m := &machine{
			name: fmt.Sprintf("%s-%s-%d", p.settings.NamePrefix, runID, i),
			uuid: uuid.New().String(),
		}
		m.diskPath = filepath.Join(p.settings.PoolDir, m.name+".qcow2")
		m.isoPath = filepath.Join(p.settings.PoolDir, m.name+"-cidata.iso")

		machines[i] = m

		g.Go(func() error {
			return p.startMachine(gctx, m)
		})
	}

	if err := g.Wait(); err != nil {
		p.cleanup(machines)
		return nil, provisioner.Failed(ctx, err, "start guests")
	}

	profiles := make([]*contracts.InstallationProfile, 0, count)
	for i, m := range machines {
		profiles = append(profiles, provisioner.Machine(p.template, i, m.uuid, m.address, m.address))
	}

	p.logger.Info("guests running", slog.Int("count", len(profiles)), slog.String("run", runID))
	return profiles, nil
}

func (p *Provisioner) startMachine(ctx context.Context, m *machine) error {
	p.logger.Info("creating VM disk",
		slog.String("vm", m.name),
		slog.String("uuid", m.uuid),
		slog.String("path", m.diskPath),
		slog.Int64("size_gb", p.settings.DiskSizeGB),
	)

	err := qemuimg.CreateOverlay(ctx, p.exec, qemuimg.OverlayOptions{
		BackingFile:   p.settings.BaseImage,
		BackingFormat: "qcow2",
		OutputPath:    m.diskPath,
		SizeGB:        p.settings.DiskSizeGB,
	})
	if err != nil {
		return fmt.Errorf("vm %s: %w", m.name, err)
	}

	if err := createISO(ctx, p.exec, m.isoPath, m.uuid, m.name, p.template, p.key, p.settings.Packages); err != nil {
		return fmt.Errorf("vm %s: %w", m.name, err)
	}
	p.logger.Debug("created cloud-init ISO", slog.String("vm", m.name), slog.String("path", m.isoPath))

	domainXML, err := domainDefinition(domainSpec{
		Name:     m.name,
		UUID:     m.uuid,
		VCPU:     p.settings.VCPU,
		MemoryMB: p.settings.MemoryMB,
		DiskPath: m.diskPath,
		ISOPath:  m.isoPath,
		Bridge:   p.settings.Bridge,
		Network:  p.settings.Network,
	}).Marshal()
	if err != nil {
		return fmt.Errorf("vm %s: could not serialize Libvirt XML to string: %w", m.name, err)
	}

	if err := p.guests.DefineAndStart(ctx, domainXML); err != nil {
		return fmt.Errorf("vm %s: %w", m.name, err)
	}
	m.defined = true
	p.logger.Info("started VM", slog.String("vm", m.name))

	address, err := p.waitForAddress(ctx, m)
	if err != nil {
		return err
	}

	m.address = address
	p.logger.Info("VM has address", slog.String("vm", m.name), slog.String("address", address))
	return nil
}

func (p *Provisioner) waitForAddress(ctx context.Context, m *machine) (string, error) {
	ticker := time.NewTicker(p.settings.PollInterval)
	defer ticker.Stop()

	for {
		address, err := p.guests.IPv4(ctx, m.uuid)
		if err != nil {
			return "", fmt.Errorf("vm %s: %w", m.name, err)
		}
		if address != "" {
			return address, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("vm %s: waiting for address: %w", m.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Provisioner) cleanup(machines []*machine) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs []error
	for _, m := range machines {
		if m == nil {
			continue
		}
		if m.defined {
			if err := p.guests.Remove(ctx, m.uuid); err != nil {
				errs = append(errs, err)
			}
		}
		if err := fileops.RemoveFile(ctx, p.exec, m.diskPath); err != nil {
			errs = append(errs, err)
		}
		if err := fileops.RemoveFile(ctx, p.exec, m.isoPath); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("failed to clean up VMs", slog.String("error", err.Error()))
	}
}
