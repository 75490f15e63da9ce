package remote

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
)

const localHostName = "localhost"

// ShellExecutor runs commands through the local system shell. It serves hosts
// configured as localhost and end-to-end tests against real repositories.
type ShellExecutor struct {
	// Shell is the shell binary. Defaults to "sh" when empty.
	Shell string

	// Env, when set, replaces the environment of every command.
	Env []string

	log *slog.Logger
}

// NewShellExecutor returns an Executor backed by the local shell.
func NewShellExecutor(logger *slog.Logger) *ShellExecutor {
	return &ShellExecutor{log: logger}
}

func (e *ShellExecutor) shell() string {
	if e.Shell == "" {
		return "sh"
	}
	return e.Shell
}

func (e *ShellExecutor) Host() string { return localHostName }

func (e *ShellExecutor) Close() error { return nil }

func (e *ShellExecutor) Run(ctx context.Context, dir, command string, onLine LineFunc) error {
	if e.log != nil {
		e.log.Debug("running command", "host", localHostName, "dir", dir, "command", command)
	}

	cmd := exec.Command(e.shell(), "-c", command)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	setProcessGroup(cmd)

	output := newTailBuffer(maxCapturedOutput)
	stdout := &lineWriter{onLine: logLines(e.log, localHostName, onLine), tail: output}
	cmd.Stdout = stdout
	cmd.Stderr = output

	cmdErr := func(err error, status int) *CommandError {
		return &CommandError{
			Host:       localHostName,
			Dir:        dir,
			Command:    command,
			ExitStatus: status,
			Output:     output.String(),
			Err:        err,
		}
	}

	if err := cmd.Start(); err != nil {
		return cmdErr(err, -1)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		<-done
		return ctx.Err()
	case err := <-done:
		stdout.flush()
		if err == nil {
			return nil
		}
		status := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		}
		return cmdErr(err, status)
	}
}
