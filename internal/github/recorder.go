package gh

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultRecordAttempts = 3
	defaultRecordBackoff  = 2 * time.Second
	maxDescriptionLength  = 140
)

// Outcome is a finished host operation to publish as a deployment.
type Outcome struct {
	Ref         string
	Environment string
	Description string
	Succeeded   bool
}

// DeploymentRecorder publishes deploy outcomes to the GitHub Deployments API
// of one repository.
type DeploymentRecorder struct {
	Owner    string
	Repo     string
	Attempts int
	Backoff  time.Duration

	client Client
	log    *slog.Logger
}

// NewDeploymentRecorder returns a recorder for owner/repo.
func NewDeploymentRecorder(client Client, owner, repo string, logger *slog.Logger) *DeploymentRecorder {
	return &DeploymentRecorder{
		Owner:    owner,
		Repo:     repo,
		Attempts: defaultRecordAttempts,
		Backoff:  defaultRecordBackoff,
		client:   client,
		log:      logger,
	}
}

// Record creates a deployment for outcome.Ref and sets its final status.
func (r *DeploymentRecorder) Record(ctx context.Context, outcome Outcome) (Deployment, error) {
	req := DeploymentRequest{
		Ref:         outcome.Ref,
		Environment: outcome.Environment,
		Description: truncate(outcome.Description),
	}

	var deployment Deployment
	err := r.retry(ctx, "create deployment", func() error {
		var err error
		deployment, err = r.client.CreateDeployment(ctx, r.Owner, r.Repo, req)
		return err
	})
	if err != nil {
		return Deployment{}, err
	}

	state := StateSuccess
	if !outcome.Succeeded {
		state = StateFailure
	}
	err = r.retry(ctx, "set deployment status", func() error {
		return r.client.SetDeploymentStatus(ctx, r.Owner, r.Repo, deployment.ID, state, req.Description)
	})
	if err != nil {
		return deployment, err
	}

	if r.log != nil {
		r.log.Debug("recorded github deployment", "repo", r.Owner+"/"+r.Repo, "id", deployment.ID, "ref", outcome.Ref, "state", state)
	}
	return deployment, nil
}

func (r *DeploymentRecorder) retry(ctx context.Context, what string, fn func() error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if r.log != nil {
			r.log.Warn("github request failed, retrying", "operation", what, "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", what, attempts, err)
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxDescriptionLength {
		return s
	}
	return string(runes[:maxDescriptionLength-3]) + "..."
}
