package gh

import (
	"context"
	"fmt"
)

// NewNoopFactory returns a Factory that builds noop clients. It is used when
// no repository is configured for deployment records.
func NewNoopFactory() Factory {
	return noopFactory{}
}

type noopFactory struct{}

func (noopFactory) New(ctx context.Context, token string) (Client, error) {
	return noopClient{}, nil
}

type noopClient struct{}

func (noopClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "", fmt.Errorf("noop github client cannot look up %s/%s", owner, repo)
}

func (noopClient) CreateDeployment(ctx context.Context, owner, repo string, req DeploymentRequest) (Deployment, error) {
	return Deployment{Ref: req.Ref, Environment: req.Environment}, nil
}

func (noopClient) SetDeploymentStatus(ctx context.Context, owner, repo string, id int64, state DeploymentState, description string) error {
	return nil
}
