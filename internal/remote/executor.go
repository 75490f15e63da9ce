package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LineFunc receives one line of command stdout, without the trailing newline.
type LineFunc func(line string)

// Executor runs shell commands on a single host. Implementations are bound to
// one host and must not share mutable state with executors for other hosts.
type Executor interface {
	// Run executes command inside dir (no directory change when dir is empty)
	// and blocks until the command exits. Every stdout line is delivered to
	// onLine before Run returns. A non-zero exit status yields *CommandError.
	Run(ctx context.Context, dir, command string, onLine LineFunc) error
	Host() string
	Close() error
}

// ConnectOptions controls how Connect reaches a host.
type ConnectOptions struct {
	SSH    SSHConfig
	Logger *slog.Logger
}

// Connect returns an Executor for host. Local host names run through the
// system shell; everything else is reached over SSH.
func Connect(ctx context.Context, host string, opts ConnectOptions) (Executor, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}

	if IsLocalHost(host) {
		return NewShellExecutor(opts.Logger), nil
	}

	clientConfig, err := NewSSHClientConfig(opts.SSH)
	if err != nil {
		return nil, fmt.Errorf("ssh config for %s: %w", host, err)
	}

	return DialSSH(ctx, host, opts.SSH, clientConfig, opts.Logger)
}

// IsLocalHost reports whether host designates the machine running the deploy.
func IsLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "local", "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func logLines(log *slog.Logger, host string, onLine LineFunc) LineFunc {
	return func(line string) {
		if log != nil {
			log.Debug("remote output", "host", host, "line", line)
		}
		if onLine != nil {
			onLine(line)
		}
	}
}
