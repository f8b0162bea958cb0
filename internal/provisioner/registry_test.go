package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terabiome/stagehand/internal/contracts"
)

type nopProvisioner struct{}

func (nopProvisioner) StartMachines(context.Context, int, time.Duration) ([]*contracts.InstallationProfile, error) {
	return nil, nil
}

func TestRegisterAndNew(t *testing.T) {
	var got Options
	Register("test-nop", func(opts Options) (contracts.MachineProvisioner, error) {
		got = opts
		return nopProvisioner{}, nil
	})
	t.Cleanup(func() { unregister("test-nop") })

	template := &contracts.InstallationProfile{Username: "root"}
	p, err := New("test-nop", Options{Template: template, CloudFile: "cloud.yaml"})
	require.NoError(t, err)
	assert.IsType(t, nopProvisioner{}, p)
	assert.Same(t, template, got.Template)
	assert.Equal(t, "cloud.yaml", got.CloudFile)
	assert.NotNil(t, got.Logger)
	assert.Contains(t, Names(), "test-nop")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	factory := func(Options) (contracts.MachineProvisioner, error) { return nopProvisioner{}, nil }
	Register("test-dup", factory)
	t.Cleanup(func() { unregister("test-dup") })

	assert.Panics(t, func() { Register("test-dup", factory) })
	assert.Panics(t, func() { Register("test-nil", nil) })
}

func TestNewErrors(t *testing.T) {
	_, err := New("does-not-exist", Options{Template: &contracts.InstallationProfile{}})
	assert.True(t, errors.Is(err, contracts.ErrConfig))

	Register("test-broken", func(Options) (contracts.MachineProvisioner, error) {
		return nil, errors.New("bad settings")
	})
	t.Cleanup(func() { unregister("test-broken") })

	_, err = New("test-broken", Options{})
	assert.True(t, errors.Is(err, contracts.ErrConfig), "missing template")

	_, err = New("test-broken", Options{Template: &contracts.InstallationProfile{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrConfig))
	assert.Contains(t, err.Error(), "bad settings")
}

func TestFailed(t *testing.T) {
	ctx := context.Background()

	err := Failed(ctx, errors.New("boom"), "start %d", 2)
	assert.True(t, errors.Is(err, contracts.ErrProvisioning))
	assert.Contains(t, err.Error(), "start 2: boom")

	err = Failed(ctx, context.DeadlineExceeded, "wait")
	assert.True(t, errors.Is(err, contracts.ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	err = Failed(expired, errors.New("api said no"), "create")
	assert.True(t, errors.Is(err, contracts.ErrTimeout))

	err = Failed(ctx, context.Canceled, "create")
	assert.Equal(t, context.Canceled, err)
	assert.Nil(t, contracts.KindOf(err))

	assert.NoError(t, Failed(ctx, nil, "noop"))
}

func TestMachine(t *testing.T) {
	template := &contracts.InstallationProfile{
		Username:            "root",
		IsManagement:        true,
		ManagementOnlyFiles: []string{"license"},
	}

	first := Machine(template, 0, "id-0", "203.0.113.1", "10.0.0.1")
	second := Machine(template, 1, "id-1", "203.0.113.2", "10.0.0.2")

	assert.True(t, first.IsManagement)
	assert.False(t, second.IsManagement)
	assert.Equal(t, "id-1", second.MachineID)
	assert.Equal(t, "10.0.0.2", second.PrivateIP)
	assert.Equal(t, "root", second.Username)
	assert.Empty(t, template.MachineID, "template untouched")
}

func TestDecodeCloudFile(t *testing.T) {
	type settings struct {
		Image string `yaml:"image"`
		Count int    `yaml:"count"`
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "cloud.yaml")
	require.NoError(t, os.WriteFile(path, []byte("image: ubuntu-24.04\ncount: 3\n"), 0o600))

	var s settings
	require.NoError(t, DecodeCloudFile(path, &s))
	assert.Equal(t, settings{Image: "ubuntu-24.04", Count: 3}, s)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("imag: typo\n"), 0o600))
	assert.True(t, errors.Is(DecodeCloudFile(unknown, &s), contracts.ErrConfig))

	assert.True(t, errors.Is(DecodeCloudFile("", &s), contracts.ErrConfig))
	assert.True(t, errors.Is(DecodeCloudFile(filepath.Join(dir, "missing.yaml"), &s), contracts.ErrConfig))
}
