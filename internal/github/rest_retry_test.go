package gh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	github "github.com/google/go-github/v55/github"
)

type stubNetError struct {
	msg     string
	timeout bool
}

func (e stubNetError) Error() string   { return e.msg }
func (e stubNetError) Timeout() bool   { return e.timeout }
func (e stubNetError) Temporary() bool { return false }

func TestClassifyGitHubError(t *testing.T) {
	tests := map[string]struct {
		err       error
		retryable bool
	}{
		"rate limit":      {err: &github.RateLimitError{Message: "rate limit exceeded"}, retryable: true},
		"abuse limit":     {err: &github.AbuseRateLimitError{Message: "slow down"}, retryable: true},
		"bad gateway":     {err: &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusBadGateway}}, retryable: true},
		"too many":        {err: &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}, retryable: true},
		"network timeout": {err: stubNetError{msg: "timeout", timeout: true}, retryable: true},
		"validation":      {err: &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusUnprocessableEntity}}},
		"network refused": {err: stubNetError{msg: "connection refused"}},
		"plain":           {err: errors.New("fatal error")},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := classifyGitHubError(tc.err)
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("expected retryable=%v for %v", tc.retryable, tc.err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected original error to be wrapped")
			}
		})
	}

	if classifyGitHubError(nil) != nil || IsRetryable(nil) {
		t.Fatalf("expected nil to stay nil")
	}
}

func TestRESTClientMarksServerErrorsRetryable(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/api/v3/repos/acme/shop/deployments", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"unavailable"}`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := NewRESTFactory(server.URL, "").New(context.Background(), "token")
	if err != nil {
		t.Fatalf("factory.New returned error: %v", err)
	}

	_, err = client.CreateDeployment(context.Background(), "acme", "shop", DeploymentRequest{Ref: "abc"})
	if err == nil || !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
