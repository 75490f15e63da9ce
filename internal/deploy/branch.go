package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marc/cap-git-deploy/internal/remote"
)

// BranchResolver decides which ref the target should track and reads the
// branch it is currently on.
type BranchResolver struct {
	// Configured is the explicitly configured branch; it wins over everything.
	Configured string

	// Override comes from the invocation (environment or command line).
	Override string

	// Default is the repository default branch, used for targets that have
	// no checkout yet.
	Default string

	exec   remote.Executor
	target Target
	log    *slog.Logger
}

// NewBranchResolver returns a resolver reading the target through exec.
func NewBranchResolver(exec remote.Executor, target Target, configured, override, defaultBranch string, logger *slog.Logger) *BranchResolver {
	return &BranchResolver{
		Configured: strings.TrimSpace(configured),
		Override:   strings.TrimSpace(override),
		Default:    strings.TrimSpace(defaultBranch),
		exec:       exec,
		target:     target,
		log:        logger,
	}
}

// ResolveTargetBranch returns the configured branch, else the override, else
// the branch currently checked out in the target. When the target cannot be
// read (not set up yet) the default branch is used.
func (r *BranchResolver) ResolveTargetBranch(ctx context.Context) (string, error) {
	if r.Configured != "" {
		return r.Configured, nil
	}
	if r.Override != "" {
		return r.Override, nil
	}

	current, err := r.DetectCurrentBranch(ctx)
	if err == nil {
		return current, nil
	}

	var detectErr *BranchDetectionError
	var cmdErr *remote.CommandError
	if r.Default != "" && (errors.As(err, &detectErr) || errors.As(err, &cmdErr)) {
		if r.log != nil {
			r.log.Warn("current branch unavailable, using default branch", "host", r.target.Host, "default_branch", r.Default, "error", err)
		}
		return r.Default, nil
	}

	return "", fmt.Errorf("resolve target branch: %w", err)
}

// DetectCurrentBranch runs git status in the target and parses the branch.
// It fails with *BranchDetectionError when the output names no branch.
func (r *BranchResolver) DetectCurrentBranch(ctx context.Context) (string, error) {
	var lines []string
	err := r.exec.Run(ctx, r.target.Path, gitStatus(), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return "", err
	}

	branch, ok := ParseCurrentBranch(lines)
	if !ok {
		return "", &BranchDetectionError{Host: r.target.Host, Path: r.target.Path}
	}
	return branch, nil
}
