package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/provisioner"
)

type fakeMembership struct{}

func (fakeMembership) WaitForAgent(context.Context, string) error { return nil }

func TestDeploymentProvision(t *testing.T) {
	prov := &fakeProvisioner{profiles: machines(2)}
	inst := &fakeInstaller{}
	membership := fakeMembership{}

	var gotName string
	var gotOpts provisioner.Options
	factory := func(name string, opts provisioner.Options) (contracts.MachineProvisioner, error) {
		gotName, gotOpts = name, opts
		return prov, nil
	}

	d := NewDeployment(inst, membership, testLogger(), WithBackendFactory(factory))
	result, err := d.Provision(context.Background(), ProvisionParams{
		Backend: "static",
		Count:   2,
		Timeout: time.Minute,
		Request: contracts.MachineRequestConfig{
			Zones:       []string{"a", "b"},
			SSHUsername: "ops",
			CloudFile:   "/etc/stagehand/hosts.yaml",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StateInstalled, result.State)
	assert.Equal(t, 2, result.Started)
	assert.Equal(t, "static", gotName)
	assert.Equal(t, "/etc/stagehand/hosts.yaml", gotOpts.CloudFile)
	require.NotNil(t, gotOpts.Template)
	assert.True(t, gotOpts.Template.IsManagement)
	assert.Equal(t, "a,b", gotOpts.Template.Zones)
	assert.Equal(t, membership, gotOpts.Template.Membership)
	assert.Equal(t, 1, inst.calls)
}

type closingProvisioner struct {
	*fakeProvisioner
	closed int
}

func (p *closingProvisioner) Close() error {
	p.closed++
	return nil
}

func TestDeploymentClosesBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend *closingProvisioner
	}{
		{name: "after success", backend: &closingProvisioner{fakeProvisioner: &fakeProvisioner{profiles: machines(1)}}},
		{name: "after provisioning failure", backend: &closingProvisioner{fakeProvisioner: &fakeProvisioner{err: errors.New("quota")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := func(string, provisioner.Options) (contracts.MachineProvisioner, error) {
				return tt.backend, nil
			}

			d := NewDeployment(&fakeInstaller{}, nil, testLogger(), WithBackendFactory(factory))
			_, _ = d.Provision(context.Background(), ProvisionParams{Backend: "libvirt", Count: 1, Timeout: time.Minute})

			assert.Equal(t, 1, tt.backend.calls)
			assert.Equal(t, 1, tt.backend.closed)
		})
	}
}

func TestDeploymentConfigErrorStartsNothing(t *testing.T) {
	called := false
	factory := func(string, provisioner.Options) (contracts.MachineProvisioner, error) {
		called = true
		return &fakeProvisioner{}, nil
	}

	d := NewDeployment(&fakeInstaller{}, nil, testLogger(), WithBackendFactory(factory))
	result, err := d.Provision(context.Background(), ProvisionParams{
		Backend: "static",
		Count:   1,
		Timeout: time.Minute,
		Request: contracts.MachineRequestConfig{KeyPair: "deploy", KeyFile: "/does/not/exist"},
	})

	assert.True(t, errors.Is(err, contracts.ErrConfig))
	assert.Equal(t, StateFailed, result.State)
	assert.False(t, called)
}

func TestDeploymentUnknownBackend(t *testing.T) {
	d := NewDeployment(&fakeInstaller{}, nil, testLogger())
	result, err := d.Provision(context.Background(), ProvisionParams{
		Backend: "no-such-backend",
		Count:   1,
		Timeout: time.Minute,
	})

	assert.True(t, errors.Is(err, contracts.ErrConfig))
	assert.Equal(t, StateFailed, result.State)
}

func TestDeploymentProfile(t *testing.T) {
	d := NewDeployment(&fakeInstaller{}, nil, testLogger())
	profile, err := d.Profile(contracts.MachineRequestConfig{LocalDir: "/stage", SSHPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "/stage", profile.LocalDir)
	assert.Equal(t, "pw", profile.Password)
	assert.Nil(t, profile.Membership)
}
