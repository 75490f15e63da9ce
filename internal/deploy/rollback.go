package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marc/cap-git-deploy/internal/remote"
)

// describe reports these when HEAD^ has no checkpoint ancestor or does not
// exist (HEAD is the root commit).
var noCheckpointMarkers = []string{
	"no names found",
	"no tags can describe",
	"cannot describe",
	"not a valid object name",
	"unknown revision",
	"needed a single revision",
}

// RollbackLocator finds the checkpoint preceding the deployed one.
type RollbackLocator struct {
	exec   remote.Executor
	target Target
}

func NewRollbackLocator(exec remote.Executor, target Target) *RollbackLocator {
	return &RollbackLocator{exec: exec, target: target}
}

// FindPrevious returns the closest checkpoint tag reachable from the parent
// of HEAD, skipping the checkpoint of the current deploy. It returns
// ErrCheckpointNotFound when there is none.
func (l *RollbackLocator) FindPrevious(ctx context.Context) (string, error) {
	var lines []string
	err := l.exec.Run(ctx, l.target.Path, gitDescribePrevious(), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		if isNoCheckpoint(err) {
			return "", ErrCheckpointNotFound
		}
		return "", fmt.Errorf("describe previous checkpoint: %w", err)
	}

	tag, ok := ParseCheckpoint(lines)
	if !ok {
		return "", fmt.Errorf("describe previous checkpoint on %s: unexpected output %q", l.exec.Host(), lines)
	}
	return tag, nil
}

func isNoCheckpoint(err error) bool {
	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	out := strings.ToLower(cmdErr.Output)
	for _, marker := range noCheckpointMarkers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}
