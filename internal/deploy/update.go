package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marc/cap-git-deploy/internal/remote"
)

// UpdateEngine brings the target working directory to the session ref,
// either moving forward along a branch or resetting to a checkpoint.
type UpdateEngine struct {
	exec     remote.Executor
	target   Target
	resolver *BranchResolver
	hooks    []Hook
	log      *slog.Logger
}

// NewUpdateEngine returns an engine for target. hooks run after every update.
func NewUpdateEngine(exec remote.Executor, target Target, resolver *BranchResolver, hooks []Hook, logger *slog.Logger) *UpdateEngine {
	return &UpdateEngine{exec: exec, target: target, resolver: resolver, hooks: hooks, log: logger}
}

// Update runs the rollback or forward sequence for sess, then the hooks. The
// first failing command stops the engine.
func (e *UpdateEngine) Update(ctx context.Context, sess Session) error {
	if sess.Branch == "" {
		return fmt.Errorf("no target ref in session")
	}

	if sess.RollingBack {
		if err := e.run(ctx, gitResetHard(sess.Branch)); err != nil {
			return fmt.Errorf("reset to %s: %w", sess.Branch, err)
		}
	} else if err := e.forward(ctx, sess.Branch); err != nil {
		return err
	}

	for _, hook := range e.hooks {
		if e.log != nil {
			e.log.Info("running post-update hook", "host", e.target.Host, "hook", hook.Name())
		}
		if err := hook.Run(ctx, e.exec, e.target, sess); err != nil {
			return fmt.Errorf("post-update hook %q: %w", hook.Name(), err)
		}
	}
	return nil
}

func (e *UpdateEngine) forward(ctx context.Context, branch string) error {
	current, err := e.resolver.DetectCurrentBranch(ctx)
	if err != nil {
		return err
	}

	if e.log != nil {
		e.log.Info("updating working directory", "host", e.target.Host, "current_branch", current, "branch", branch)
	}

	// Reset against the upstream of the branch we are on, not the target
	// branch: local drift is discarded before switching.
	if err := e.run(ctx, gitResetHard(originRef(current))); err != nil {
		return fmt.Errorf("reset to %s: %w", originRef(current), err)
	}
	if err := e.run(ctx, gitFetch()); err != nil {
		return fmt.Errorf("fetch %s: %w", originRemote, err)
	}
	if err := e.run(ctx, gitCheckout(branch)); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	// Checking out the branch we are already on does not fast-forward it.
	if err := e.run(ctx, gitPull(branch)); err != nil {
		return fmt.Errorf("pull %s: %w", branch, err)
	}
	return nil
}

func (e *UpdateEngine) run(ctx context.Context, command string) error {
	return e.exec.Run(ctx, e.target.Path, command, nil)
}
