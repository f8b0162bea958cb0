package contracts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMembership struct{ calls int }

func (s *stubMembership) WaitForAgent(context.Context, string) error {
	s.calls++
	return nil
}

func sampleProfile(membership ClusterMembership) *InstallationProfile {
	return &InstallationProfile{
		PublicIP:            "203.0.113.10",
		PrivateIP:           "10.0.0.10",
		MachineID:           "vm-1",
		Zones:               "web,db",
		Username:            "root",
		Password:            "hunter2",
		KeyFile:             "/keys/id_ed25519",
		BootstrapURL:        "https://example.com/agent.tar.gz",
		IsManagement:        true,
		LocalDir:            "/srv/stage",
		RemoteDir:           "/opt/agent",
		ManagementOnlyFiles: []string{"manager.env"},
		Membership:          membership,
		CloudFile:           "/etc/stagehand/libvirt.yaml",
	}
}

func TestClone_SharesMembershipHandle(t *testing.T) {
	membership := &stubMembership{}
	original := sampleProfile(membership)

	first := original.Clone()
	second := first.Clone()

	opts := cmpopts.IgnoreFields(InstallationProfile{}, "Membership")
	if diff := cmp.Diff(original, first, opts); diff != "" {
		t.Errorf("clone differs from original (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first, second, opts); diff != "" {
		t.Errorf("clone of clone differs (-want +got):\n%s", diff)
	}

	assert.Same(t, membership, original.Membership)
	assert.Same(t, membership, first.Membership)
	assert.Same(t, membership, second.Membership)
	assert.NotSame(t, original, first)
}

func TestClone_IsShallow(t *testing.T) {
	original := sampleProfile(nil)
	clone := original.Clone()

	clone.PublicIP = "198.51.100.7"
	assert.Equal(t, "203.0.113.10", original.PublicIP)

	clone.ManagementOnlyFiles[0] = "changed"
	assert.Equal(t, "changed", original.ManagementOnlyFiles[0])
}

func TestClone_ZonesDefaultEmpty(t *testing.T) {
	p := &InstallationProfile{}
	assert.Equal(t, "", p.Clone().Zones)
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		name    string
		profile InstallationProfile
		want    string
	}{
		{"public by default", InstallationProfile{PublicIP: "1.1.1.1", PrivateIP: "10.0.0.1"}, "1.1.1.1"},
		{"private when connected", InstallationProfile{PublicIP: "1.1.1.1", PrivateIP: "10.0.0.1", ConnectedToPrivateIP: true}, "10.0.0.1"},
		{"connected without private ip", InstallationProfile{PublicIP: "1.1.1.1", ConnectedToPrivateIP: true}, "1.1.1.1"},
		{"only private known", InstallationProfile{PrivateIP: "10.0.0.1"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.TargetAddress())
		})
	}
}

func TestString_MasksPassword(t *testing.T) {
	s := sampleProfile(nil).String()
	require.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "password=***")
}

func TestMarshalJSON_MasksPassword(t *testing.T) {
	profile := sampleProfile(&stubMembership{})
	profile.Password = "hunter2"

	data, err := json.Marshal(profile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "***", decoded["password"])
	assert.Equal(t, profile.MachineID, decoded["machine_id"])
	assert.NotContains(t, decoded, "Membership")
}
