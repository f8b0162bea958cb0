package libvirt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/terabiome/stagehand/pkg/executor"
	"libvirt.org/go/libvirt"
)

// ConnectionManager shares one hypervisor connection between goroutines and
// reconnects when it goes stale. Calls on the connection are serialized.
type ConnectionManager struct {
	conn     *libvirt.Connect
	executor executor.Executor
	mu       sync.Mutex
	uri      string
	logger   *slog.Logger
}

// NewConnectionManager opens uri. Host side commands (disk and ISO creation)
// run through exec; nil means the local machine.
func NewConnectionManager(uri string, exec executor.Executor, logger *slog.Logger) (*ConnectionManager, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	if exec == nil {
		exec = executor.NewLocal(logger)
	}

	logger.Info("libvirt connection established", slog.String("uri", uri))

	return &ConnectionManager{
		conn:     conn,
		executor: exec,
		uri:      uri,
		logger:   logger,
	}, nil
}

// Acquire returns the live connection. The caller must call release once it
// is done with the connection.
func (cm *ConnectionManager) Acquire() (*libvirt.Connect, func(), error) {
	cm.mu.Lock()

	healthy := false
	if cm.conn != nil {
		alive, err := cm.conn.IsAlive()
		healthy = err == nil && alive
	}
	if !healthy {
		cm.logger.Warn("connection unhealthy, attempting reconnect")
		if err := cm.reconnect(); err != nil {
			cm.mu.Unlock()
			return nil, nil, err
		}
	}

	return cm.conn, cm.mu.Unlock, nil
}

// Executor runs commands on the hypervisor host.
func (cm *ConnectionManager) Executor() executor.Executor {
	return cm.executor
}

func (cm *ConnectionManager) reconnect() error {
	if cm.conn != nil {
		cm.conn.Close()
	}

	conn, err := libvirt.NewConnect(cm.uri)
	if err != nil {
		return fmt.Errorf("reconnection failed: %w", err)
	}

	cm.conn = conn
	cm.logger.Info("libvirt reconnected", slog.String("uri", cm.uri))
	return nil
}

// Close closes the connection. A later Acquire reconnects.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil {
		cm.logger.Info("closing libvirt connection")
		_, err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}
