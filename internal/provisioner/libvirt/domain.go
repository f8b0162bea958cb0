package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	pkglibvirt "github.com/terabiome/stagehand/pkg/libvirt"
)

// guest is the subset of hypervisor operations a run needs.
type guest interface {
	// DefineAndStart defines the domain and boots it.
	DefineAndStart(ctx context.Context, domainXML string) error
	// IPv4 returns the first IPv4 address of the domain, or "" while none is
	// known yet.
	IPv4(ctx context.Context, uuid string) (string, error)
	// Remove destroys and undefines the domain.
	Remove(ctx context.Context, uuid string) error
}

type domainSpec struct {
	Name     string
	UUID     string
	VCPU     int
	MemoryMB int64
	DiskPath string
	ISOPath  string
	Bridge   string
	Network  string
}

func domainDefinition(spec domainSpec) *libvirtxml.Domain {
	memoryKiB := uint(spec.MemoryMB << 10)

	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if spec.Bridge != "" {
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: spec.Bridge},
		}
	} else {
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: spec.Network},
		}
	}

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: spec.DiskPath},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		},
	}
	if spec.ISOPath != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: spec.ISOPath},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	return &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: memoryKiB,
			Unit:  "KiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: memoryKiB,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPU),
		},
		OS: &libvirtxml.DomainOS{
			Type:        &libvirtxml.DomainOSType{Arch: "x86_64", Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU:        &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks:      disks,
			Interfaces: []libvirtxml.DomainInterface{iface},
			Channels: []libvirtxml.DomainChannel{
				{
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{Mode: "bind"},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: "org.qemu.guest_agent.0"},
					},
				},
			},
		},
	}
}

// hypervisor implements guest on a libvirt connection.
type hypervisor struct {
	connections *pkglibvirt.ConnectionManager
	source      libvirt.DomainInterfaceAddressesSource
	logger      *slog.Logger
}

func newHypervisor(connections *pkglibvirt.ConnectionManager, addressSource string, logger *slog.Logger) *hypervisor {
	source := libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE
	switch addressSource {
	case "agent":
		source = libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_AGENT
	case "arp":
		source = libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_ARP
	}

	return &hypervisor{
		connections: connections,
		source:      source,
		logger:      logger,
	}
}

func (h *hypervisor) DefineAndStart(_ context.Context, domainXML string) error {
	conn, release, err := h.connections.Acquire()
	if err != nil {
		return err
	}
	defer release()

	domain, err := conn.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("could not define VM from Libvirt XML: %w", err)
	}
	defer domain.Free()

	if err := domain.Create(); err != nil {
		if undefineErr := domain.Undefine(); undefineErr != nil {
			h.logger.Warn("failed to undefine VM that did not start", slog.String("error", undefineErr.Error()))
		}
		return fmt.Errorf("could not start VM from Libvirt XML: %w", err)
	}

	return nil
}

func (h *hypervisor) IPv4(_ context.Context, uuid string) (string, error) {
	conn, release, err := h.connections.Acquire()
	if err != nil {
		return "", err
	}
	defer release()

	domain, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return "", fmt.Errorf("could not look up VM %s: %w", uuid, err)
	}
	defer domain.Free()

	ifaces, err := domain.ListAllInterfaceAddresses(h.source)
	if err != nil {
		// The guest agent is not up yet during early boot.
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_AGENT_UNRESPONSIVE {
			return "", nil
		}
		return "", fmt.Errorf("could not list addresses of VM %s: %w", uuid, err)
	}

	return firstIPv4(ifaces), nil
}

func (h *hypervisor) Remove(_ context.Context, uuid string) error {
	conn, release, err := h.connections.Acquire()
	if err != nil {
		return err
	}
	defer release()

	domain, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN {
			return nil
		}
		return fmt.Errorf("could not look up VM %s: %w", uuid, err)
	}
	defer domain.Free()

	if state, _, _ := domain.GetState(); state != libvirt.DOMAIN_SHUTOFF {
		if err := domain.Destroy(); err != nil {
			return fmt.Errorf("could not destroy VM: %w", err)
		}
	}

	if err := domain.Undefine(); err != nil {
		return fmt.Errorf("could not undefine VM: %w", err)
	}
	return nil
}

func firstIPv4(ifaces []libvirt.DomainInterface) string {
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := net.ParseIP(addr.Addr)
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}
