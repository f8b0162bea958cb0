// Package provisioner keeps the set of machine backends a run can use.
package provisioner

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/terabiome/stagehand/internal/contracts"
)

// Options are handed to a backend factory.
type Options struct {
	// Template is cloned for every started machine.
	Template *contracts.InstallationProfile
	// CloudFile is the backend settings file.
	CloudFile string
	Logger    *slog.Logger
}

// Factory builds a provisioner for one request.
type Factory func(opts Options) (contracts.MachineProvisioner, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under name. It panics when name is
// taken or factory is nil.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("provisioner: Register factory is nil for " + name)
	}
	if _, dup := factories[name]; dup {
		panic("provisioner: Register called twice for " + name)
	}
	factories[name] = factory
}

// New builds the backend registered as name. Unknown names and invalid
// options are configuration errors.
func New(name string, opts Options) (contracts.MachineProvisioner, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, contracts.NewConfigError("unknown backend %q (available: %v)", name, Names())
	}
	if opts.Template == nil {
		return nil, contracts.NewConfigError("backend %s: missing template profile", name)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p, err := factory(opts)
	if err != nil {
		if contracts.KindOf(err) == nil {
			err = contracts.NewConfigError("backend %s: %w", name, err)
		}
		return nil, err
	}
	return p, nil
}

// Names lists the registered backends in lexical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(factories, name)
}
