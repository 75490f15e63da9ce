package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 30 * time.Second
)

// SSHConfig describes how to authenticate against deployment hosts.
type SSHConfig struct {
	User string
	Port int

	// KeyFile is a private key used for public-key authentication. When empty,
	// the agent reachable through SSH_AUTH_SOCK is used instead.
	KeyFile       string
	KeyPassphrase string

	// KnownHostsFile verifies host keys. It is required unless
	// InsecureIgnoreHostKey is set.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// Timeout bounds the TCP connect and SSH handshake. Defaults to 30s.
	Timeout time.Duration
}

func (c SSHConfig) port() int {
	if c.Port <= 0 {
		return defaultSSHPort
	}
	return c.Port
}

func (c SSHConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultSSHTimeout
	}
	return c.Timeout
}

// NewSSHClientConfig builds the client configuration shared by every host of
// a run.
func NewSSHClientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	auth, err := authMethod(cfg)
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	case cfg.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("known_hosts file is required unless host key checking is disabled")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.timeout(),
	}, nil
}

func authMethod(cfg SSHConfig) (ssh.AuthMethod, error) {
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}

		var signer ssh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("ssh key file is required when no ssh agent is running")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// SSHExecutor runs commands on one remote host over a single SSH connection,
// opening a new session per command.
type SSHExecutor struct {
	host   string
	client *ssh.Client
	log    *slog.Logger
}

// DialSSH connects to host. A port in host takes precedence over cfg.Port.
func DialSSH(ctx context.Context, host string, cfg SSHConfig, clientConfig *ssh.ClientConfig, logger *slog.Logger) (*SSHExecutor, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(cfg.port()))
	}

	dialer := net.Dialer{Timeout: cfg.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	if logger != nil {
		logger.Debug("connected", "host", host, "addr", addr)
	}

	return &SSHExecutor{host: host, client: ssh.NewClient(c, chans, reqs), log: logger}, nil
}

func (e *SSHExecutor) Host() string { return e.host }

func (e *SSHExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *SSHExecutor) Run(ctx context.Context, dir, command string, onLine LineFunc) error {
	full := command
	if dir != "" {
		full = fmt.Sprintf("cd %s && %s", Quote(dir), command)
	}

	if e.log != nil {
		e.log.Debug("running command", "host", e.host, "command", full)
	}

	output := newTailBuffer(maxCapturedOutput)
	cmdErr := func(err error, status int) *CommandError {
		return &CommandError{
			Host:       e.host,
			Dir:        dir,
			Command:    command,
			ExitStatus: status,
			Output:     output.String(),
			Err:        err,
		}
	}

	session, err := e.client.NewSession()
	if err != nil {
		return cmdErr(fmt.Errorf("open session: %w", err), -1)
	}
	defer session.Close()

	stdout := &lineWriter{onLine: logLines(e.log, e.host, onLine), tail: output}
	session.Stdout = stdout
	session.Stderr = output

	if err := session.Start(full); err != nil {
		return cmdErr(err, -1)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		stdout.flush()
		if err == nil {
			return nil
		}
		status := -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		}
		return cmdErr(err, status)
	}
}
