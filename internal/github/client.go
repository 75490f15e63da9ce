package gh

import (
	"context"
	"errors"
)

// DeploymentState is a GitHub deployment status state.
type DeploymentState string

const (
	StateInProgress DeploymentState = "in_progress"
	StateSuccess    DeploymentState = "success"
	StateFailure    DeploymentState = "failure"
	StateError      DeploymentState = "error"
)

// DeploymentRequest describes a deployment to register for a ref.
type DeploymentRequest struct {
	Ref         string
	Environment string
	Description string
	Task        string
}

// Deployment is a deployment registered on GitHub.
type Deployment struct {
	ID          int64
	URL         string
	Ref         string
	Environment string
}

// Client exposes the GitHub operations the deploy runner needs.
type Client interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	CreateDeployment(ctx context.Context, owner, repo string, req DeploymentRequest) (Deployment, error)
	SetDeploymentStatus(ctx context.Context, owner, repo string, id int64, state DeploymentState, description string) error
}

// Factory builds concrete GitHub clients (e.g., REST-backed).
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// ErrRepositoryNotFound indicates the configured repository does not exist or
// is not visible to the token.
var ErrRepositoryNotFound = errors.New("github: repository not found")

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
