package membership

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/pkg/logger"
)

var _ contracts.ClusterMembership = (*PortProbe)(nil)

func TestWaitForAgentReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	probe := NewPortProbe(port, 10*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, probe.WaitForAgent(ctx, "127.0.0.1"))
}

func TestWaitForAgentComesUpLater(t *testing.T) {
	// Reserve a port, release it, and start listening on it after a delay.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	go func() {
		time.Sleep(50 * time.Millisecond)
		late, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		defer late.Close()
		conn, err := late.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, NewPortProbe(port, 10*time.Millisecond, logger.Discard()).WaitForAgent(ctx, "127.0.0.1"))
}

func TestWaitForAgentDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = NewPortProbe(port, 10*time.Millisecond, logger.Discard()).WaitForAgent(ctx, "127.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
