// Package membership detects agents that have come up on installed machines.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// PortProbe considers an agent joined once its port accepts TCP
// connections.
type PortProbe struct {
	port     int
	interval time.Duration
	dialer   net.Dialer
	logger   *slog.Logger
}

func NewPortProbe(port int, interval time.Duration, logger *slog.Logger) *PortProbe {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PortProbe{
		port:     port,
		interval: interval,
		dialer:   net.Dialer{Timeout: interval},
		logger:   logger.With(slog.String("component", "membership")),
	}
}

// WaitForAgent blocks until host accepts connections on the agent port or
// ctx ends.
func (p *PortProbe) WaitForAgent(ctx context.Context, host string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			p.logger.Info("agent is reachable", slog.String("addr", addr), slog.Int("attempts", attempt))
			return nil
		}
		p.logger.Debug("agent not reachable yet", slog.String("addr", addr), slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("agent at %s unreachable after %d attempts: %w", addr, attempt, ctx.Err())
		case <-ticker.C:
		}
	}
}
