package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort     = 22
	defaultDialTimeout = 10 * time.Second
)

// ErrNoAuthMethod is returned when an SSHConfig has neither a key nor a
// password.
var ErrNoAuthMethod = errors.New("no SSH key file or password configured")

// SSH executes commands on a remote host via SSH.
// It maintains a persistent connection that can be reused across multiple Execute calls.
type SSH struct {
	client *ssh.Client
	host   string
	logger *slog.Logger
}

// SSHConfig contains SSH connection parameters. KeyPath takes precedence
// over Password when both are set.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string

	// DialTimeout bounds the TCP connect and handshake. Zero uses
	// defaultDialTimeout; the context deadline still applies.
	DialTimeout time.Duration

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey, machines are
	// freshly provisioned and have no known host key yet.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSH creates a new SSH executor with an established connection.
func NewSSH(ctx context.Context, config SSHConfig, logger *slog.Logger) (*SSH, error) {
	log := logger.With(slog.String("executor", "ssh"), slog.String("host", config.Host))

	client, err := createSSHClient(ctx, config, log)
	if err != nil {
		return nil, err
	}

	return &SSH{
		client: client,
		host:   config.Host,
		logger: log,
	}, nil
}

// Close closes the SSH connection.
func (e *SSH) Close() error {
	if e.client != nil {
		e.logger.Debug("closing SSH connection")
		return e.client.Close()
	}
	return nil
}

func (e *SSH) Name() string {
	return fmt.Sprintf("ssh-%s", e.host)
}

// Execute runs the command in a new session. Cancelling ctx closes the
// session and returns ctx.Err().
func (e *SSH) Execute(
	ctx context.Context,
	stdout, stderr io.Writer,
	command string, args ...string,
) (int, error) {
	cmdStr := buildCommandString(command, args)
	e.logger.Debug("executing command via SSH", slog.String("cmd", cmdStr))

	session, err := e.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	return e.run(ctx, session, cmdStr)
}

// Upload streams r into remotePath and applies mode.
func (e *SSH) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	session, err := e.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	session.Stdin = r

	quoted := ShellQuote(remotePath)
	cmdStr := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %s %s",
		ShellQuote(filepath.ToSlash(filepath.Dir(remotePath))), quoted, strconv.FormatUint(uint64(mode.Perm()), 8), quoted)

	e.logger.Debug("uploading file via SSH", slog.String("path", remotePath))
	if _, err := e.run(ctx, session, cmdStr); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

func (e *SSH) run(ctx context.Context, session *ssh.Session, cmdStr string) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdStr)
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		e.logger.Warn("SSH command interrupted", slog.String("cmd", cmdStr))
		return -1, ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode := exitErr.ExitStatus()
			e.logger.Warn("SSH command failed",
				slog.String("cmd", cmdStr),
				slog.Int("exit_code", exitCode),
			)
			return exitCode, fmt.Errorf("command exited with code %d: %w", exitCode, err)
		}

		e.logger.Error("SSH command execution error",
			slog.String("cmd", cmdStr),
			slog.String("error", err.Error()),
		)
		return -1, fmt.Errorf("command execution failed: %w", err)
	}

	e.logger.Debug("SSH command succeeded", slog.String("cmd", cmdStr))
	return 0, nil
}

// AuthMethods returns the SSH authentication methods configured in config.
func AuthMethods(config SSHConfig) ([]ssh.AuthMethod, error) {
	if config.KeyPath != "" {
		keyPath := config.KeyPath
		if strings.HasPrefix(keyPath, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			keyPath = filepath.Join(home, keyPath[2:])
		}

		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key %s: %w", keyPath, err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if config.Password != "" {
		return []ssh.AuthMethod{ssh.Password(config.Password)}, nil
	}

	return nil, ErrNoAuthMethod
}

// createSSHClient establishes an SSH connection from the given config.
func createSSHClient(ctx context.Context, config SSHConfig, logger *slog.Logger) (*ssh.Client, error) {
	port := config.Port
	if port == 0 {
		port = defaultSSHPort
	}
	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	hostKeyCallback := config.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // freshly provisioned hosts
	}

	auth, err := AuthMethods(config)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(port))
	logger.Debug("establishing SSH connection", slog.String("addr", addr))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("SSH connection established", slog.String("addr", addr))
	return ssh.NewClient(clientConn, chans, reqs), nil
}
