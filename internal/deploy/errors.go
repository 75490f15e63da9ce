package deploy

import (
	"errors"
	"fmt"
)

// ErrCheckpointNotFound reports that no checkpoint precedes the deployed one.
// It is a warning condition: nothing was changed on the target.
var ErrCheckpointNotFound = errors.New("no prior checkpoint to roll back to")

// BranchDetectionError reports that the current branch of a target could not
// be read from git status output. Resetting against an unknown upstream ref
// is unsafe, so forward updates stop here.
type BranchDetectionError struct {
	Host string
	Path string
}

func (e *BranchDetectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("could not detect the current branch in %s on %s", e.Path, e.Host)
}
