package app

import (
	"context"
	"os"
	"os/user"
	"strings"

	"github.com/marc/cap-git-deploy/internal/remote"
)

const unknownUser = "unknown"

// lookupGitUser reads the git identity of the operator's machine.
var lookupGitUser = func(ctx context.Context) string {
	var name string
	err := remote.NewShellExecutor(nil).Run(ctx, "", "git config user.name", func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			name = line
		}
	})
	if err != nil {
		return ""
	}
	return name
}

// lookupOSUser reads the login name of the process owner.
var lookupOSUser = func() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// OperatorIdentity returns who runs the deploy: DEPLOY_USER, else the
// GitHub Actions actor, else the local git user name, else the OS login. It
// is resolved once per run and attached to every session.
func OperatorIdentity(ctx context.Context, cfg Config) string {
	if cfg.User != "" {
		return cfg.User
	}
	if actor := strings.TrimSpace(os.Getenv("GITHUB_ACTOR")); actor != "" {
		return actor
	}
	if name := lookupGitUser(ctx); name != "" {
		return name
	}
	if name := strings.TrimSpace(lookupOSUser()); name != "" {
		return name
	}
	return unknownUser
}
