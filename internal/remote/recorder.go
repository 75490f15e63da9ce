package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one command observed by a Recorder.
type Call struct {
	Dir     string
	Command string
}

type scripted struct {
	prefix string
	lines  []string
	status int
	output string
}

// Recorder is a scripted Executor. It records every command and answers with
// canned stdout or failures matched by command prefix. It never touches a
// real host.
type Recorder struct {
	host string

	mu        sync.Mutex
	calls     []Call
	responses []scripted
	failures  []scripted
}

// NewRecorder returns a Recorder that reports host as its host name.
func NewRecorder(host string) *Recorder {
	return &Recorder{host: host}
}

// Respond makes commands starting with prefix print lines on stdout.
func (r *Recorder) Respond(prefix string, lines ...string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, scripted{prefix: prefix, lines: lines})
	return r
}

// Fail makes commands starting with prefix exit with status, printing output
// on stderr.
func (r *Recorder) Fail(prefix string, status int, output string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, scripted{prefix: prefix, status: status, output: output})
	return r
}

func (r *Recorder) Host() string { return r.host }

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Run(ctx context.Context, dir, command string, onLine LineFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Dir: dir, Command: command})
	failure, failed := match(r.failures, command)
	response, responded := match(r.responses, command)
	r.mu.Unlock()

	if failed {
		return &CommandError{
			Host:       r.host,
			Dir:        dir,
			Command:    command,
			ExitStatus: failure.status,
			Output:     failure.output,
			Err:        fmt.Errorf("exit status %d", failure.status),
		}
	}

	if responded && onLine != nil {
		for _, line := range response.lines {
			onLine(line)
		}
	}
	return nil
}

// Calls returns a copy of the recorded commands in execution order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns the recorded command strings in execution order.
func (r *Recorder) Commands() []string {
	calls := r.Calls()
	commands := make([]string, len(calls))
	for i, c := range calls {
		commands[i] = c.Command
	}
	return commands
}

func match(entries []scripted, command string) (scripted, bool) {
	for _, e := range entries {
		if strings.HasPrefix(command, e.prefix) {
			return e, true
		}
	}
	return scripted{}, false
}
