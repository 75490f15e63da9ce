package deploy

import (
	"path"
	"time"

	"github.com/google/uuid"
)

// Target is the single live working directory on a host that the repository
// is checked out into and updated in place.
type Target struct {
	Host       string
	Path       string
	Repository string

	// DeployTo, SharedPath and SharedChildren describe the directory layout
	// created by Setup around Path.
	DeployTo       string
	SharedPath     string
	SharedChildren []string
}

// LogPath is the directory receiving application logs.
func (t Target) LogPath() string {
	return path.Join(t.Path, "log")
}

func (t Target) setupDirs() []string {
	dirs := make([]string, 0, 2+len(t.SharedChildren))
	if t.DeployTo != "" {
		dirs = append(dirs, t.DeployTo)
	}
	if t.SharedPath != "" {
		dirs = append(dirs, t.SharedPath)
		for _, child := range t.SharedChildren {
			dirs = append(dirs, path.Join(t.SharedPath, child))
		}
	}
	return dirs
}

// Session is the per-invocation deployment state. It is built once by
// Orchestrator.NewSession and passed explicitly to every operation.
type Session struct {
	ID          string
	Branch      string
	RollingBack bool
	LoggedUser  string
	StartedAt   time.Time
}

func newSession(branch, user string, now time.Time) Session {
	return Session{
		ID:         uuid.NewString(),
		Branch:     branch,
		LoggedUser: user,
		StartedAt:  now,
	}
}

// Rollback returns a copy of the session that targets the checkpoint tag in
// rollback mode.
func (s Session) Rollback(tag string) Session {
	s.Branch = tag
	s.RollingBack = true
	return s
}
