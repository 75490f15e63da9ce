package remote

import (
	"fmt"
	"strings"
)

// CommandError reports a remote command that could not be run or exited with
// a non-zero status.
type CommandError struct {
	Host       string
	Dir        string
	Command    string
	ExitStatus int
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %q failed", e.Host, e.Command)
	if e.ExitStatus > 0 {
		msg = fmt.Sprintf("%s with exit status %d", msg, e.ExitStatus)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
