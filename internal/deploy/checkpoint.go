package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marc/cap-git-deploy/internal/remote"
)

// CheckpointTagger marks the deployed HEAD with a timestamped tag.
type CheckpointTagger struct {
	exec   remote.Executor
	target Target
	log    *slog.Logger
}

func NewCheckpointTagger(exec remote.Executor, target Target, logger *slog.Logger) *CheckpointTagger {
	return &CheckpointTagger{exec: exec, target: target, log: logger}
}

// Insert tags HEAD as deploy_<timestamp> and returns the tag name. Rollbacks
// create no checkpoint and return "".
func (t *CheckpointTagger) Insert(ctx context.Context, sess Session, now time.Time) (string, error) {
	if sess.RollingBack {
		return "", nil
	}

	name := CheckpointName(now)
	if err := t.exec.Run(ctx, t.target.Path, gitTag(name), nil); err != nil {
		return "", fmt.Errorf("tag %s: %w", name, err)
	}

	if t.log != nil {
		t.log.Info("inserted checkpoint", "host", t.target.Host, "checkpoint", name)
	}
	return name, nil
}
