package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/marc/cap-git-deploy/internal/audit"
	"github.com/marc/cap-git-deploy/internal/deploy"
	gh "github.com/marc/cap-git-deploy/internal/github"
	"github.com/marc/cap-git-deploy/internal/remote"
)

// ConnectFunc opens an executor for one host.
type ConnectFunc func(ctx context.Context, host string) (remote.Executor, error)

// HostResult is the outcome of one operation on one host.
type HostResult struct {
	Host       string
	SessionID  string
	Ref        string
	Checkpoint string
	Revision   string
	Status     audit.Status
	StartedAt  time.Time
	Err        error
}

// RunResult collects the host outcomes of a run in execution order.
type RunResult struct {
	Operation deploy.Operation
	User      string
	Hosts     []HostResult
}

// Status summarises the run: failed when any host failed, skipped when every
// host was skipped, succeeded otherwise.
func (r RunResult) Status() audit.Status {
	if len(r.Hosts) == 0 {
		return audit.StatusSkipped
	}
	skipped := 0
	for _, h := range r.Hosts {
		switch h.Status {
		case audit.StatusFailed:
			return audit.StatusFailed
		case audit.StatusSkipped:
			skipped++
		}
	}
	if skipped == len(r.Hosts) {
		return audit.StatusSkipped
	}
	return audit.StatusSucceeded
}

// Runner glues configuration, executors and the deploy orchestrator together
// and runs one operation across the configured hosts.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	connect   ConnectFunc
	ghFactory gh.Factory
	clock     func() time.Time
}

// NewRunner constructs a Runner with the supplied configuration.
func NewRunner(cfg Config) (*Runner, error) {
	logger, err := NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	factory := gh.NewNoopFactory()
	if cfg.GitHub.Enabled() {
		factory = gh.NewRESTFactory(cfg.GitHub.BaseURL, cfg.GitHub.UploadURL)
	}

	sshCfg := cfg.RemoteSSH()
	connect := func(ctx context.Context, host string) (remote.Executor, error) {
		return remote.Connect(ctx, host, remote.ConnectOptions{SSH: sshCfg, Logger: logger})
	}

	return NewRunnerWithDeps(cfg, logger, connect, factory), nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, connect ConnectFunc, ghFactory gh.Factory) *Runner {
	return &Runner{cfg: cfg, log: log, connect: connect, ghFactory: ghFactory, clock: time.Now}
}

// Logger returns the run logger.
func (r *Runner) Logger() *slog.Logger { return r.log }

// Run executes op on every selected host, sequentially and in configuration
// order. The first host failure aborts the remaining hosts. A rollback that
// finds no checkpoint on a host leaves it untouched and the run continues; the
// returned error then wraps deploy.ErrCheckpointNotFound.
func (r *Runner) Run(ctx context.Context, op deploy.Operation) (RunResult, error) {
	hosts, err := r.cfg.SelectedHosts()
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{Operation: op, User: OperatorIdentity(ctx, r.cfg)}
	if r.log != nil {
		r.log.Info("starting deploy run", "operation", op, "hosts", strings.Join(hosts, ","), "user", result.User)
	}

	journal, err := r.openJournal()
	if err != nil {
		return result, err
	}
	if journal != nil {
		defer func() {
			if err := journal.Close(); err != nil && r.log != nil {
				r.log.Warn("failed to close journal", "error", err)
			}
		}()
	}

	recorder := r.deploymentRecorder(ctx)
	defaultBranch := r.defaultBranch(ctx)

	var skipped *multierror.Error
	var runErr error
	for _, host := range hosts {
		hr := r.runHost(ctx, op, host, result.User, defaultBranch, recorder != nil)
		result.Hosts = append(result.Hosts, hr)

		r.recordJournal(ctx, journal, op, result.User, hr)
		r.recordDeployment(ctx, recorder, op, hr)

		if hr.Err == nil {
			continue
		}
		if errors.Is(hr.Err, deploy.ErrCheckpointNotFound) {
			skipped = multierror.Append(skipped, fmt.Errorf("%s: %w", host, hr.Err))
			continue
		}
		runErr = hr.Err
		break
	}

	if err := r.writeStepSummary(result); err != nil && r.log != nil {
		r.log.Warn("failed to write step summary", "error", err)
	}
	if err := r.writeGitHubOutputs(result); err != nil && r.log != nil {
		r.log.Warn("failed to write action outputs", "error", err)
	}

	if runErr != nil {
		return result, runErr
	}
	if err := skipped.ErrorOrNil(); err != nil {
		return result, err
	}

	if r.log != nil {
		r.log.Info("deploy run finished", "operation", op, "status", result.Status())
	}
	return result, nil
}

func (r *Runner) runHost(ctx context.Context, op deploy.Operation, host, user, defaultBranch string, wantRevision bool) (hr HostResult) {
	hr = HostResult{Host: host, Status: audit.StatusFailed, StartedAt: r.clock()}

	exec, err := r.connect(ctx, host)
	if err != nil {
		hr.SessionID = uuid.NewString()
		hr.Err = fmt.Errorf("connect %s: %w", host, err)
		return hr
	}
	defer func() {
		if err := exec.Close(); err != nil && r.log != nil {
			r.log.Warn("failed to close connection", "host", host, "error", err)
		}
	}()

	orch := deploy.New(deploy.Config{
		Target:         r.cfg.Target(host),
		Branch:         r.cfg.Branch,
		BranchOverride: r.cfg.BranchOverride,
		DefaultBranch:  defaultBranch,
		Hooks:          r.cfg.DeployHooks(),
		Clock:          r.clock,
	}, exec, r.log)

	sess, err := orch.NewSession(ctx, user)
	if err != nil {
		hr.SessionID = uuid.NewString()
		hr.Err = fmt.Errorf("%s: %w", host, err)
		return hr
	}
	hr.SessionID = sess.ID
	hr.Ref = sess.Branch
	hr.StartedAt = sess.StartedAt

	var res deploy.Result
	switch op {
	case deploy.OperationSetup:
		res, err = orch.Setup(ctx, sess)
	case deploy.OperationUpdate:
		res, err = orch.Update(ctx, sess)
	case deploy.OperationRollback:
		res, err = orch.Rollback(ctx, sess)
	default:
		err = fmt.Errorf("unsupported operation %q", op)
	}

	if res.Ref != "" {
		hr.Ref = res.Ref
	}
	hr.Checkpoint = res.Checkpoint

	switch {
	case err == nil:
		hr.Status = audit.StatusSucceeded
	case errors.Is(err, deploy.ErrCheckpointNotFound):
		hr.Status = audit.StatusSkipped
		hr.Err = err
		return hr
	default:
		hr.Err = err
	}

	if wantRevision && op != deploy.OperationSetup {
		revision, revErr := orch.Revision(ctx)
		if revErr != nil {
			if r.log != nil {
				r.log.Warn("could not read deployed revision", "host", host, "error", revErr)
			}
		} else {
			hr.Revision = revision
		}
	}
	return hr
}

func (r *Runner) openJournal() (*audit.Journal, error) {
	if r.cfg.Journal == "" {
		return nil, nil
	}
	journal, err := audit.Open(r.cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", r.cfg.Journal, err)
	}
	return journal, nil
}

func (r *Runner) recordJournal(ctx context.Context, journal *audit.Journal, op deploy.Operation, user string, hr HostResult) {
	if journal == nil {
		return
	}
	entry := audit.Entry{
		SessionID:  hr.SessionID,
		Operation:  string(op),
		Host:       hr.Host,
		User:       user,
		Ref:        hr.Ref,
		Checkpoint: hr.Checkpoint,
		Status:     hr.Status,
		StartedAt:  hr.StartedAt,
		FinishedAt: r.clock(),
	}
	if hr.Err != nil {
		entry.Message = hr.Err.Error()
	}
	if _, err := journal.Record(ctx, entry); err != nil && r.log != nil {
		r.log.Warn("failed to record operation in journal", "host", hr.Host, "error", err)
	}
}

func (r *Runner) deploymentRecorder(ctx context.Context) *gh.DeploymentRecorder {
	if !r.cfg.GitHub.Enabled() {
		return nil
	}
	if r.cfg.GitHubToken == "" {
		if r.log != nil {
			r.log.Warn("github deployment records disabled: GITHUB_TOKEN is not set")
		}
		return nil
	}
	client, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
	if err != nil {
		if r.log != nil {
			r.log.Warn("github deployment records disabled", "error", err)
		}
		return nil
	}
	return gh.NewDeploymentRecorder(client, r.cfg.GitHub.Owner, r.cfg.GitHub.Repo, r.log)
}

func (r *Runner) recordDeployment(ctx context.Context, recorder *gh.DeploymentRecorder, op deploy.Operation, hr HostResult) {
	if recorder == nil || op == deploy.OperationSetup || hr.Status == audit.StatusSkipped {
		return
	}
	if hr.Revision == "" {
		if r.log != nil {
			r.log.Warn("skipping github deployment record: revision unknown", "host", hr.Host)
		}
		return
	}

	description := fmt.Sprintf("%s %s on %s", op, hr.Ref, hr.Host)
	if hr.Err != nil {
		description += ": " + hr.Err.Error()
	}

	deployment, err := recorder.Record(ctx, gh.Outcome{
		Ref:         hr.Revision,
		Environment: r.cfg.GitHub.Environment,
		Description: description,
		Succeeded:   hr.Err == nil,
	})
	if err != nil {
		if r.log != nil {
			r.log.Warn("failed to record github deployment", "host", hr.Host, "error", err)
		}
		return
	}
	if r.log != nil {
		r.log.Info("recorded github deployment", "host", hr.Host, "id", deployment.ID, "environment", deployment.Environment)
	}
}

// defaultBranch is the branch a fresh clone lands on: configured, else looked
// up on GitHub, else master.
func (r *Runner) defaultBranch(ctx context.Context) string {
	if r.cfg.DefaultBranch != "" {
		return r.cfg.DefaultBranch
	}
	if r.cfg.GitHub.Enabled() && r.cfg.GitHubToken != "" {
		client, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
		if err == nil {
			var branch string
			branch, err = client.DefaultBranch(ctx, r.cfg.GitHub.Owner, r.cfg.GitHub.Repo)
			if err == nil {
				return branch
			}
		}
		if r.log != nil {
			r.log.Warn("could not look up default branch, assuming master", "error", err)
		}
	}
	return defaultFallbackBranch
}

// History returns journal entries newest first.
func (r *Runner) History(ctx context.Context, host string, limit int) ([]audit.Entry, error) {
	if r.cfg.Journal == "" {
		return nil, fmt.Errorf("journal is not configured")
	}
	journal, err := r.openJournal()
	if err != nil {
		return nil, err
	}
	defer journal.Close()

	return journal.List(ctx, audit.Filter{Host: host, Limit: limit})
}

// HostCheckpoints lists the checkpoints reachable from HEAD on one host.
type HostCheckpoints struct {
	Host        string
	Checkpoints []string
}

// Checkpoints reads checkpoint tags from every selected host. Hosts that
// cannot be read are reported in the aggregated error; the others are
// still returned.
func (r *Runner) Checkpoints(ctx context.Context) ([]HostCheckpoints, error) {
	hosts, err := r.cfg.SelectedHosts()
	if err != nil {
		return nil, err
	}

	var errs *multierror.Error
	var results []HostCheckpoints
	for _, host := range hosts {
		tags, err := r.hostCheckpoints(ctx, host)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		results = append(results, HostCheckpoints{Host: host, Checkpoints: tags})
	}
	return results, errs.ErrorOrNil()
}

func (r *Runner) hostCheckpoints(ctx context.Context, host string) (tags []string, err error) {
	exec, err := r.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := exec.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()

	orch := deploy.New(deploy.Config{Target: r.cfg.Target(host)}, exec, r.log)
	return orch.Checkpoints(ctx)
}
