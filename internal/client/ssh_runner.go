package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Result is the captured outcome of a remote command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes a command on a node. A non-zero exit code is reported in
// the Result; the error is reserved for transport failures.
type Runner interface {
	Run(ctx context.Context, node *model.Node, command string) (*Result, error)
}

// SSHConfig holds the remote execution settings
type SSHConfig struct {
	User           string
	Port           int
	PrivateKeyPath string
	KnownHostsPath string
	ConnectTimeout time.Duration
}

// SSHRunner runs commands over SSH with public key authentication
type SSHRunner struct {
	config       SSHConfig
	clientConfig *ssh.ClientConfig
	logger       *zap.Logger
}

// NewSSHRunner loads the private key and host key database. Without a known
// hosts file host keys are not verified.
func NewSSHRunner(cfg SSHConfig, logger *zap.Logger) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", cfg.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsPath, err)
		}
	} else {
		logger.Warn("No known hosts file configured, host keys will not be verified")
	}

	if cfg.Port == 0 {
		cfg.Port = 22
	}

	return &SSHRunner{
		config: cfg,
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.ConnectTimeout,
		},
		logger: logger,
	}, nil
}

// Run executes command on node and waits for it to finish. Only the connect
// phase is bounded; the command itself runs until it exits or ctx is done.
func (r *SSHRunner) Run(ctx context.Context, node *model.Node, command string) (*Result, error) {
	addr := net.JoinHostPort(node.Host(), strconv.Itoa(r.config.Port))

	dialer := &net.Dialer{Timeout: r.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, r.clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	r.logger.Debug("Running remote command",
		zap.String("node", node.Name),
		zap.String("command", command))

	err = session.Run(command)
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("remote command on %s failed: %w", node.Name, err)
	}
}

var _ Runner = (*SSHRunner)(nil)
