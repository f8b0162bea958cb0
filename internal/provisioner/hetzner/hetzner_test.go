package hetzner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/pkg/logger"
)

type apiMock struct {
	mux     *http.ServeMux
	server  *httptest.Server
	mu      sync.Mutex
	deleted []string
	created []schema.ServerCreateRequest
	// servers is what GET /servers/{id} returns once creation finished.
	servers map[string]schema.Server
}

func newAPIMock(t *testing.T) *apiMock {
	t.Helper()
	m := &apiMock{mux: http.NewServeMux(), servers: map[string]schema.Server{}}
	m.server = httptest.NewServer(m.mux)
	t.Cleanup(m.server.Close)

	m.mux.HandleFunc("/ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "deploy" {
			jsonResponse(w, http.StatusOK, schema.SSHKeyListResponse{
				SSHKeys: []schema.SSHKey{{ID: 7, Name: "deploy"}},
			})
			return
		}
		jsonResponse(w, http.StatusOK, schema.SSHKeyListResponse{SSHKeys: []schema.SSHKey{}})
	})
	m.mux.HandleFunc("/servers/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/servers/")
		switch r.Method {
		case http.MethodGet:
			m.mu.Lock()
			server, ok := m.servers[id]
			m.mu.Unlock()
			if !ok {
				jsonResponse(w, http.StatusNotFound, schema.ErrorResponse{
					Error: schema.Error{Code: "not_found", Message: "server not found"},
				})
				return
			}
			jsonResponse(w, http.StatusOK, schema.ServerGetResponse{Server: server})
			return
		case http.MethodDelete:
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.mu.Lock()
		m.deleted = append(m.deleted, id)
		m.mu.Unlock()
		jsonResponse(w, http.StatusOK, schema.ServerDeleteResponse{
			Action: schema.Action{ID: 99, Status: "success", Progress: 100},
		})
	})
	return m
}

func (m *apiMock) handleCreate(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, req schema.ServerCreateRequest)) {
	m.mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req schema.ServerCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create request: %v", err)
		}
		m.mu.Lock()
		m.created = append(m.created, req)
		m.mu.Unlock()
		respond(w, r, req)
	})
}

// register makes server visible to GET /servers/{id}.
func (m *apiMock) register(server schema.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[strconv.FormatInt(server.ID, 10)] = server
}

func (m *apiMock) provisioner(t *testing.T, template *contracts.InstallationProfile) *Provisioner {
	t.Helper()
	p, err := NewWithSettings(template, Settings{
		Token:      "test-token",
		Endpoint:   m.server.URL,
		ServerType: "cx22",
		Image:      "ubuntu-24.04",
		Location:   "fsn1",
		SSHKeys:    []string{"deploy"},
		NamePrefix: "test",
	}, logger.Discard())
	require.NoError(t, err)
	return p
}

func jsonResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func createdServer(id int64, name, publicIP, privateIP, actionStatus string) schema.ServerCreateResponse {
	action := schema.Action{ID: id * 10, Status: actionStatus, Progress: 100}
	if actionStatus == "error" {
		action.Error = &schema.ActionError{Code: "action_failed", Message: "server did not boot"}
	}
	return schema.ServerCreateResponse{
		Server:      serverSchema(id, name, publicIP, privateIP),
		Action:      action,
		NextActions: []schema.Action{},
	}
}

func serverSchema(id int64, name, publicIP, privateIP string) schema.Server {
	server := schema.Server{
		ID:     id,
		Name:   name,
		Status: "running",
		PublicNet: schema.ServerPublicNet{
			IPv4: schema.ServerPublicNetIPv4{IP: publicIP},
		},
	}
	if privateIP != "" {
		server.PrivateNet = []schema.ServerPrivateNet{{Network: 1, IP: privateIP}}
	}
	return server
}

func TestStartMachines(t *testing.T) {
	m := newAPIMock(t)
	var ids atomic.Int64
	m.handleCreate(t, func(w http.ResponseWriter, _ *http.Request, req schema.ServerCreateRequest) {
		id := 100 + ids.Add(1)
		// The network is attached by a follow-up action, so only the
		// refreshed server carries the private address.
		m.register(serverSchema(id, req.Name, "203.0.113.5", "10.0.0.5"))
		jsonResponse(w, http.StatusCreated, createdServer(id, req.Name, "203.0.113.5", "", "success"))
	})

	template := &contracts.InstallationProfile{Username: "root", IsManagement: true, Zones: "eu"}
	profiles, err := m.provisioner(t, template).StartMachines(context.Background(), 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.True(t, profiles[0].IsManagement)
	assert.False(t, profiles[1].IsManagement)
	for _, p := range profiles {
		assert.Equal(t, "203.0.113.5", p.PublicIP)
		assert.Equal(t, "10.0.0.5", p.PrivateIP)
		assert.Equal(t, "root", p.Username)
		assert.Equal(t, "eu", p.Zones)
		assert.Contains(t, []string{"101", "102"}, p.MachineID)
	}

	require.Len(t, m.created, 2)
	for _, req := range m.created {
		assert.True(t, strings.HasPrefix(req.Name, "test-"), req.Name)
	}
	assert.Empty(t, m.deleted)
}

func TestStartMachinesDeletesServerThatDisappears(t *testing.T) {
	m := newAPIMock(t)
	m.handleCreate(t, func(w http.ResponseWriter, _ *http.Request, req schema.ServerCreateRequest) {
		jsonResponse(w, http.StatusCreated, createdServer(55, req.Name, "203.0.113.8", "", "success"))
	})

	profiles, err := m.provisioner(t, &contracts.InstallationProfile{}).StartMachines(context.Background(), 1, time.Minute)
	assert.Nil(t, profiles)
	assert.True(t, errors.Is(err, contracts.ErrProvisioning))
	assert.Equal(t, []string{"55"}, m.deleted)
}

func TestStartMachinesDeletesServerWhenActionFails(t *testing.T) {
	m := newAPIMock(t)
	m.handleCreate(t, func(w http.ResponseWriter, _ *http.Request, req schema.ServerCreateRequest) {
		jsonResponse(w, http.StatusCreated, createdServer(42, req.Name, "203.0.113.9", "", "error"))
	})

	profiles, err := m.provisioner(t, &contracts.InstallationProfile{}).StartMachines(context.Background(), 1, time.Minute)
	assert.Nil(t, profiles)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrProvisioning))
	assert.Equal(t, []string{"42"}, m.deleted)
}

func TestStartMachinesAPIError(t *testing.T) {
	m := newAPIMock(t)
	m.handleCreate(t, func(w http.ResponseWriter, _ *http.Request, _ schema.ServerCreateRequest) {
		jsonResponse(w, http.StatusUnprocessableEntity, schema.ErrorResponse{
			Error: schema.Error{Code: "invalid_input", Message: "invalid server type"},
		})
	})

	_, err := m.provisioner(t, &contracts.InstallationProfile{}).StartMachines(context.Background(), 1, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrProvisioning))
	assert.Contains(t, err.Error(), "invalid server type")
}

func TestStartMachinesTimeout(t *testing.T) {
	m := newAPIMock(t)
	m.handleCreate(t, func(w http.ResponseWriter, r *http.Request, _ schema.ServerCreateRequest) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		http.Error(w, "too slow", http.StatusServiceUnavailable)
	})

	start := time.Now()
	_, err := m.provisioner(t, &contracts.InstallationProfile{}).StartMachines(context.Background(), 1, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrTimeout), err.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStartMachinesUnknownSSHKey(t *testing.T) {
	m := newAPIMock(t)
	p := m.provisioner(t, &contracts.InstallationProfile{})
	p.settings.SSHKeys = []string{"missing"}

	_, err := p.StartMachines(context.Background(), 1, time.Minute)
	assert.True(t, errors.Is(err, contracts.ErrConfig))
	assert.Empty(t, m.created)
}

func TestNewWithSettingsValidation(t *testing.T) {
	t.Setenv("HCLOUD_TOKEN", "")

	_, err := NewWithSettings(&contracts.InstallationProfile{}, Settings{Image: "ubuntu-24.04"}, logger.Discard())
	assert.True(t, errors.Is(err, contracts.ErrConfig))

	_, err = NewWithSettings(&contracts.InstallationProfile{}, Settings{ServerType: "cx22", Image: "ubuntu-24.04"}, logger.Discard())
	assert.True(t, errors.Is(err, contracts.ErrConfig))
	assert.Contains(t, err.Error(), "HCLOUD_TOKEN")

	t.Setenv("STAGEHAND_TEST_TOKEN", "from-env")
	p, err := NewWithSettings(&contracts.InstallationProfile{}, Settings{
		ServerType: "cx22", Image: "ubuntu-24.04", TokenEnv: "STAGEHAND_TEST_TOKEN",
	}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "stagehand", p.settings.NamePrefix)
}
