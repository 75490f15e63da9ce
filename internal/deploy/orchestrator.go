package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marc/cap-git-deploy/internal/remote"
	"github.com/marc/cap-git-deploy/internal/transaction"
)

const defaultBranchName = "master"

// Operation names a public deployment operation.
type Operation string

const (
	OperationSetup    Operation = "setup"
	OperationUpdate   Operation = "update"
	OperationRollback Operation = "rollback"
)

// Config holds the per-host settings of an Orchestrator.
type Config struct {
	Target Target

	// Branch is the explicitly configured branch. BranchOverride is the
	// invocation-level override used when Branch is empty.
	Branch         string
	BranchOverride string

	// DefaultBranch is the branch a fresh clone lands on. Defaults to master.
	DefaultBranch string

	// Hooks run after every successful code update.
	Hooks []Hook

	// Clock stamps checkpoints. Defaults to time.Now.
	Clock func() time.Time
}

// Result describes a finished operation on one host.
type Result struct {
	Operation   Operation
	Host        string
	Ref         string
	RollingBack bool
	Checkpoint  string
}

// Orchestrator sequences setup, update and rollback against one target.
type Orchestrator struct {
	cfg      Config
	exec     remote.Executor
	resolver *BranchResolver
	engine   *UpdateEngine
	tagger   *CheckpointTagger
	locator  *RollbackLocator
	tx       *transaction.Runner
	log      *slog.Logger
}

// New returns an Orchestrator operating on cfg.Target through exec.
func New(cfg Config, exec remote.Executor, logger *slog.Logger) *Orchestrator {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = defaultBranchName
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Target.Host == "" {
		cfg.Target.Host = exec.Host()
	}

	resolver := NewBranchResolver(exec, cfg.Target, cfg.Branch, cfg.BranchOverride, cfg.DefaultBranch, logger)

	return &Orchestrator{
		cfg:      cfg,
		exec:     exec,
		resolver: resolver,
		engine:   NewUpdateEngine(exec, cfg.Target, resolver, cfg.Hooks, logger),
		tagger:   NewCheckpointTagger(exec, cfg.Target, logger),
		locator:  NewRollbackLocator(exec, cfg.Target),
		tx:       transaction.New(logger),
		log:      logger,
	}
}

// NewSession resolves the target branch once and returns the session every
// operation of this invocation receives.
func (o *Orchestrator) NewSession(ctx context.Context, user string) (Session, error) {
	branch, err := o.resolver.ResolveTargetBranch(ctx)
	if err != nil {
		return Session{}, err
	}
	return newSession(branch, user, o.cfg.Clock()), nil
}

// Setup prepares the directory layout, clones the repository into the target
// and checks out the session branch when it is not the default branch.
func (o *Orchestrator) Setup(ctx context.Context, sess Session) (Result, error) {
	target := o.cfg.Target
	result := Result{Operation: OperationSetup, Host: target.Host, Ref: sess.Branch}
	log := o.sessionLog(sess)

	if target.Repository == "" {
		return result, fmt.Errorf("repository is required for setup")
	}
	if target.Path == "" {
		return result, fmt.Errorf("target path is required for setup")
	}

	if dirs := target.setupDirs(); len(dirs) > 0 {
		if err := o.exec.Run(ctx, "", mkdirGroupWritable(dirs), nil); err != nil {
			return result, fmt.Errorf("create directories: %w", err)
		}
	}

	if err := o.exec.Run(ctx, "", gitClone(target.Repository, target.Path), nil); err != nil {
		return result, fmt.Errorf("clone %s: %w", target.Repository, err)
	}

	if err := o.exec.Run(ctx, "", remote.Join("mkdir", "-p", target.LogPath()), nil); err != nil && log != nil {
		log.Warn("could not create log directory", "host", target.Host, "path", target.LogPath(), "error", err)
	}

	if sess.Branch != "" && sess.Branch != o.cfg.DefaultBranch {
		if err := o.exec.Run(ctx, target.Path, gitCheckout(sess.Branch), nil); err != nil {
			return result, fmt.Errorf("checkout %s: %w", sess.Branch, err)
		}
	}

	if log != nil {
		log.Info("setup finished", "host", target.Host, "path", target.Path, "branch", sess.Branch)
	}
	return result, nil
}

// Update runs the code update and the checkpoint insertion as one
// transaction. When the tag step fails the working directory has already
// moved; no corrective action is taken.
func (o *Orchestrator) Update(ctx context.Context, sess Session) (Result, error) {
	result := Result{
		Operation:   OperationUpdate,
		Host:        o.cfg.Target.Host,
		Ref:         sess.Branch,
		RollingBack: sess.RollingBack,
	}
	if sess.RollingBack {
		result.Operation = OperationRollback
	}
	log := o.sessionLog(sess)

	if log != nil {
		log.Info("update started", "host", result.Host, "ref", sess.Branch, "rolling_back", sess.RollingBack)
	}

	var checkpoint string
	err := o.tx.Run(ctx,
		transaction.Step{Name: "update_code", Run: func(ctx context.Context) error {
			return o.engine.Update(ctx, sess)
		}},
		transaction.Step{Name: "insert_tag", Run: func(ctx context.Context) error {
			name, err := o.tagger.Insert(ctx, sess, o.cfg.Clock())
			checkpoint = name
			return err
		}},
	)
	if err != nil {
		return result, fmt.Errorf("update %s: %w", result.Host, err)
	}

	result.Checkpoint = checkpoint
	if log != nil {
		log.Info("update finished", "host", result.Host, "ref", sess.Branch, "checkpoint", checkpoint)
	}
	return result, nil
}

// Rollback resets the target to the checkpoint before the current one by
// running Update in rollback mode. ErrCheckpointNotFound is returned, with
// no change to the target, when there is no such checkpoint.
func (o *Orchestrator) Rollback(ctx context.Context, sess Session) (Result, error) {
	result := Result{Operation: OperationRollback, Host: o.cfg.Target.Host, RollingBack: true}

	tag, err := o.locator.FindPrevious(ctx)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			if log := o.sessionLog(sess); log != nil {
				log.Warn("couldn't find tag to roll back to, maybe already at the oldest checkpoint", "host", result.Host)
			}
		}
		return result, err
	}

	return o.Update(ctx, sess.Rollback(tag))
}

// Checkpoints lists the checkpoint tags reachable from HEAD, newest first.
func (o *Orchestrator) Checkpoints(ctx context.Context) ([]string, error) {
	var tags []string
	err := o.exec.Run(ctx, o.cfg.Target.Path, gitListCheckpoints(), func(line string) {
		if tag := strings.TrimSpace(line); tag != "" {
			tags = append(tags, tag)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return tags, nil
}

// Revision returns the commit currently checked out in the target.
func (o *Orchestrator) Revision(ctx context.Context) (string, error) {
	var revision string
	err := o.exec.Run(ctx, o.cfg.Target.Path, gitRevParseHead(), func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			revision = line
		}
	})
	if err != nil {
		return "", fmt.Errorf("read revision: %w", err)
	}
	if revision == "" {
		return "", fmt.Errorf("read revision: empty output from %s", o.cfg.Target.Host)
	}
	return revision, nil
}

func (o *Orchestrator) sessionLog(sess Session) *slog.Logger {
	if o.log == nil {
		return nil
	}
	return o.log.With("session", sess.ID, "user", sess.LoggedUser)
}
