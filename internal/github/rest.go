package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultUserAgent = "cap-git-deploy"

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. A
// non-empty base URL targets a GitHub Enterprise instance; the upload URL defaults to it.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client *github.Client
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if f.baseURL == "" && f.uploadURL != "" {
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	}

	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	ghClient := github.NewClient(tc)

	if f.baseURL != "" {
		baseURL, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}

		// Enterprise servers usually serve uploads from the API host.
		uploadURL := baseURL
		if f.uploadURL != "" {
			if uploadURL, err = normalizeGitHubURL(f.uploadURL); err != nil {
				return nil, fmt.Errorf("parse github upload url: %w", err)
			}
		}

		if ghClient, err = ghClient.WithEnterpriseURLs(baseURL, uploadURL); err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	repository, resp, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if isNotFound(resp, err) {
			return "", fmt.Errorf("%s/%s: %w", owner, repo, ErrRepositoryNotFound)
		}
		err = classifyGitHubError(err)
		return "", fmt.Errorf("get repository: %w", err)
	}

	branch := repository.GetDefaultBranch()
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}
	return branch, nil
}

func (c *restClient) CreateDeployment(ctx context.Context, owner, repo string, req DeploymentRequest) (Deployment, error) {
	if strings.TrimSpace(req.Ref) == "" {
		return Deployment{}, fmt.Errorf("deployment ref is required")
	}
	task := req.Task
	if task == "" {
		task = "deploy"
	}

	// No required contexts: the record must not depend on commit status checks.
	deployment, _, err := c.client.Repositories.CreateDeployment(ctx, owner, repo, &github.DeploymentRequest{
		Ref:              github.String(req.Ref),
		Task:             github.String(task),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &[]string{},
		Environment:      github.String(req.Environment),
		Description:      github.String(req.Description),
	})
	if err != nil {
		err = classifyGitHubError(err)
		return Deployment{}, fmt.Errorf("create deployment: %w", err)
	}

	return Deployment{
		ID:          deployment.GetID(),
		URL:         deployment.GetURL(),
		Ref:         deployment.GetRef(),
		Environment: deployment.GetEnvironment(),
	}, nil
}

func (c *restClient) SetDeploymentStatus(ctx context.Context, owner, repo string, id int64, state DeploymentState, description string) error {
	_, _, err := c.client.Repositories.CreateDeploymentStatus(ctx, owner, repo, id, &github.DeploymentStatusRequest{
		State:       github.String(string(state)),
		Description: github.String(description),
	})
	if err != nil {
		err = classifyGitHubError(err)
		return fmt.Errorf("create deployment status: %w", err)
	}
	return nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var githubErr *github.ErrorResponse
	if errors.As(err, &githubErr) {
		if githubErr.Response != nil && githubErr.Response.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		if respErr.Response != nil {
			code := respErr.Response.StatusCode
			if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
				return true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
