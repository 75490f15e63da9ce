package deploy_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marc/cap-git-deploy/internal/deploy"
	"github.com/marc/cap-git-deploy/internal/remote"
	"github.com/marc/cap-git-deploy/internal/transaction"
)

const (
	statusCmd   = "LC_ALL=C git status"
	describeCmd = "LC_ALL=C git describe --tags --match 'deploy_*' --abbrev=0 'HEAD^'"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		recorder *remote.Recorder
		cfg      deploy.Config
		now      time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		recorder = remote.NewRecorder("web1")
		now = time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
		cfg = deploy.Config{
			Target: deploy.Target{
				Host:           "web1",
				Path:           "/srv/shop/current",
				Repository:     "git@github.com:acme/shop.git",
				DeployTo:       "/srv/shop",
				SharedPath:     "/srv/shop/shared",
				SharedChildren: []string{"log", "tmp/pids"},
			},
			Clock: func() time.Time { return now },
		}
	})

	newSession := func(orch *deploy.Orchestrator) deploy.Session {
		sess, err := orch.NewSession(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		return sess
	}

	Describe("NewSession", func() {
		It("prefers the configured branch without touching the target", func() {
			cfg.Branch = "develop"
			cfg.BranchOverride = "feature/x"
			sess := newSession(deploy.New(cfg, recorder, nil))

			Expect(sess.Branch).To(Equal("develop"))
			Expect(sess.RollingBack).To(BeFalse())
			Expect(sess.LoggedUser).To(Equal("alice"))
			Expect(sess.ID).NotTo(BeEmpty())
			Expect(sess.StartedAt).To(Equal(now))
			Expect(recorder.Calls()).To(BeEmpty())
		})

		It("uses the override when no branch is configured", func() {
			cfg.BranchOverride = "feature/x"
			sess := newSession(deploy.New(cfg, recorder, nil))

			Expect(sess.Branch).To(Equal("feature/x"))
			Expect(recorder.Calls()).To(BeEmpty())
		})

		It("falls back to the branch checked out in the target", func() {
			recorder.Respond(statusCmd, "On branch staging", "nothing to commit, working tree clean")
			sess := newSession(deploy.New(cfg, recorder, nil))

			Expect(sess.Branch).To(Equal("staging"))
			Expect(recorder.Calls()).To(ConsistOf(remote.Call{Dir: "/srv/shop/current", Command: statusCmd}))
		})

		It("uses the default branch when the target has no checkout yet", func() {
			recorder.Fail(statusCmd, 2, "sh: cd: /srv/shop/current: No such file or directory")
			cfg.DefaultBranch = "main"
			sess := newSession(deploy.New(cfg, recorder, nil))

			Expect(sess.Branch).To(Equal("main"))
		})
	})

	Describe("Update in forward mode", func() {
		BeforeEach(func() {
			cfg.Branch = "develop"
		})

		It("resets, fetches, checks out, pulls and tags in order", func() {
			recorder.Respond(statusCmd, "On branch develop", "Your branch is up to date with 'origin/develop'.")
			orch := deploy.New(cfg, recorder, nil)

			result, err := orch.Update(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())

			Expect(recorder.Commands()).To(Equal([]string{
				statusCmd,
				"git reset --hard origin/develop",
				"git fetch origin",
				"git checkout develop",
				"git pull origin develop",
				"git tag deploy_20240501123045",
			}))
			for _, call := range recorder.Calls() {
				Expect(call.Dir).To(Equal("/srv/shop/current"))
			}

			Expect(result.Operation).To(Equal(deploy.OperationUpdate))
			Expect(result.Host).To(Equal("web1"))
			Expect(result.Ref).To(Equal("develop"))
			Expect(result.RollingBack).To(BeFalse())
			Expect(result.Checkpoint).To(Equal("deploy_20240501123045"))
			Expect(deploy.IsCheckpoint(result.Checkpoint)).To(BeTrue())
		})

		It("resets against the upstream of the current branch before switching", func() {
			recorder.Respond(statusCmd, "On branch master")
			cfg.Branch = "release"
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())

			Expect(recorder.Commands()).To(Equal([]string{
				statusCmd,
				"git reset --hard origin/master",
				"git fetch origin",
				"git checkout release",
				"git pull origin release",
				"git tag deploy_20240501123045",
			}))
		})

		It("fails with BranchDetectionError before mutating the target", func() {
			recorder.Respond(statusCmd, "HEAD detached at deploy_20240430100000", "nothing to commit, working tree clean")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch))
			Expect(err).To(HaveOccurred())

			var detectErr *deploy.BranchDetectionError
			Expect(errors.As(err, &detectErr)).To(BeTrue())
			Expect(detectErr.Path).To(Equal("/srv/shop/current"))
			Expect(recorder.Commands()).To(Equal([]string{statusCmd}))
		})

		It("stops at the first failing command and creates no checkpoint", func() {
			recorder.Respond(statusCmd, "On branch develop")
			recorder.Fail("git fetch", 128, "fatal: unable to access 'https://github.com/acme/shop.git/'")
			orch := deploy.New(cfg, recorder, nil)

			result, err := orch.Update(ctx, newSession(orch))
			Expect(err).To(HaveOccurred())
			Expect(result.Checkpoint).To(BeEmpty())

			var stepErr *transaction.StepError
			Expect(errors.As(err, &stepErr)).To(BeTrue())
			Expect(stepErr.Step).To(Equal("update_code"))

			var cmdErr *remote.CommandError
			Expect(errors.As(err, &cmdErr)).To(BeTrue())
			Expect(cmdErr.ExitStatus).To(Equal(128))

			Expect(recorder.Commands()).To(Equal([]string{
				statusCmd,
				"git reset --hard origin/develop",
				"git fetch origin",
			}))
		})

		It("reports the update failed when tagging fails after the code moved", func() {
			recorder.Respond(statusCmd, "On branch develop")
			recorder.Fail("git tag", 128, "fatal: tag 'deploy_20240501123045' already exists")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch))

			var stepErr *transaction.StepError
			Expect(errors.As(err, &stepErr)).To(BeTrue())
			Expect(stepErr.Step).To(Equal("insert_tag"))
			Expect(recorder.Commands()).To(ContainElement("git pull origin develop"))
		})

		It("creates a distinct checkpoint for every successive update", func() {
			recorder.Respond(statusCmd, "On branch develop")
			orch := deploy.New(cfg, recorder, nil)
			sess := newSession(orch)

			first, err := orch.Update(ctx, sess)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(90 * time.Second)
			second, err := orch.Update(ctx, sess)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Checkpoint).To(Equal("deploy_20240501123045"))
			Expect(second.Checkpoint).To(Equal("deploy_20240501123215"))
		})
	})

	Describe("Update in rollback mode", func() {
		It("hard resets to the session ref and creates no checkpoint", func() {
			cfg.Branch = "develop"
			orch := deploy.New(cfg, recorder, nil)
			sess := newSession(orch).Rollback("deploy_20240430100000")

			result, err := orch.Update(ctx, sess)
			Expect(err).NotTo(HaveOccurred())

			Expect(recorder.Commands()).To(Equal([]string{"git reset --hard deploy_20240430100000"}))
			Expect(result.Operation).To(Equal(deploy.OperationRollback))
			Expect(result.RollingBack).To(BeTrue())
			Expect(result.Checkpoint).To(BeEmpty())
		})
	})

	Describe("post-update hooks", func() {
		BeforeEach(func() {
			cfg.Branch = "develop"
			recorder.Respond(statusCmd, "On branch develop")
		})

		It("runs declared hooks after the code update and before tagging", func() {
			cfg.Hooks = []deploy.Hook{deploy.CommandHook{Command: "bundle install --deployment --quiet"}}
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())

			commands := recorder.Commands()
			Expect(commands[len(commands)-2]).To(Equal("bundle install --deployment --quiet"))
			Expect(commands[len(commands)-1]).To(HavePrefix("git tag deploy_"))
		})

		It("runs hooks in rollback mode too", func() {
			var seen []deploy.Session
			cfg.Hooks = []deploy.Hook{deploy.HookFunc("record", func(_ context.Context, _ remote.Executor, _ deploy.Target, sess deploy.Session) error {
				seen = append(seen, sess)
				return nil
			})}
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch).Rollback("deploy_20240430100000"))
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(HaveLen(1))
			Expect(seen[0].RollingBack).To(BeTrue())
			Expect(seen[0].Branch).To(Equal("deploy_20240430100000"))
		})

		It("fails the update without tagging when a hook fails", func() {
			cfg.Hooks = []deploy.Hook{deploy.HookFunc("migrate", func(context.Context, remote.Executor, deploy.Target, deploy.Session) error {
				return errors.New("migration failed")
			})}
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Update(ctx, newSession(orch))
			Expect(err).To(MatchError(ContainSubstring("migration failed")))
			for _, cmd := range recorder.Commands() {
				Expect(cmd).NotTo(HavePrefix("git tag"))
			}
		})
	})

	Describe("Rollback", func() {
		BeforeEach(func() {
			cfg.Branch = "develop"
		})

		It("resets to the checkpoint preceding the current one", func() {
			recorder.Respond(describeCmd, "deploy_20240420080000")
			orch := deploy.New(cfg, recorder, nil)
			sess := newSession(orch)

			result, err := orch.Rollback(ctx, sess)
			Expect(err).NotTo(HaveOccurred())

			Expect(recorder.Commands()).To(Equal([]string{
				describeCmd,
				"git reset --hard deploy_20240420080000",
			}))
			Expect(result.Operation).To(Equal(deploy.OperationRollback))
			Expect(result.Ref).To(Equal("deploy_20240420080000"))
			Expect(result.RollingBack).To(BeTrue())
			Expect(result.Checkpoint).To(BeEmpty())

			Expect(sess.Branch).To(Equal("develop"))
			Expect(sess.RollingBack).To(BeFalse())
		})

		DescribeTable("reports CheckpointNotFound without mutating the target",
			func(output string) {
				recorder.Fail(describeCmd, 128, output)
				orch := deploy.New(cfg, recorder, nil)

				_, err := orch.Rollback(ctx, newSession(orch))
				Expect(errors.Is(err, deploy.ErrCheckpointNotFound)).To(BeTrue())
				Expect(recorder.Commands()).To(Equal([]string{describeCmd}))
			},
			Entry("no checkpoints at all", "fatal: No names found, cannot describe anything.\n"),
			Entry("only the current checkpoint", "fatal: No tags can describe '4b825dc642cb6eb9a060e54bf8d69288fbee4904'.\nTry --always, or create some tags.\n"),
			Entry("HEAD is the root commit", "fatal: Not a valid object name HEAD^\n"),
		)

		It("propagates other describe failures", func() {
			recorder.Fail(describeCmd, 255, "ssh: connection reset by peer")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Rollback(ctx, newSession(orch))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, deploy.ErrCheckpointNotFound)).To(BeFalse())

			var cmdErr *remote.CommandError
			Expect(errors.As(err, &cmdErr)).To(BeTrue())
		})

		DescribeTable("fails on unreadable describe output without mutating the target",
			func(lines ...string) {
				if len(lines) > 0 {
					recorder.Respond(describeCmd, lines...)
				}
				orch := deploy.New(cfg, recorder, nil)

				_, err := orch.Rollback(ctx, newSession(orch))
				Expect(err).To(MatchError(ContainSubstring("unexpected output")))
				Expect(errors.Is(err, deploy.ErrCheckpointNotFound)).To(BeFalse())
				Expect(recorder.Commands()).To(Equal([]string{describeCmd}))
			},
			Entry("empty output"),
			Entry("malformed checkpoint name", "deploy_foo"),
		)
	})

	Describe("Setup", func() {
		mkdirCmd := "mkdir -p /srv/shop /srv/shop/shared /srv/shop/shared/log /srv/shop/shared/tmp/pids && " +
			"chmod g+w /srv/shop /srv/shop/shared /srv/shop/shared/log /srv/shop/shared/tmp/pids"

		It("clones and checks out a non-default branch", func() {
			cfg.Branch = "release"
			orch := deploy.New(cfg, recorder, nil)

			result, err := orch.Setup(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Operation).To(Equal(deploy.OperationSetup))

			Expect(recorder.Calls()).To(Equal([]remote.Call{
				{Dir: "", Command: mkdirCmd},
				{Dir: "", Command: "git clone git@github.com:acme/shop.git /srv/shop/current"},
				{Dir: "", Command: "mkdir -p /srv/shop/current/log"},
				{Dir: "/srv/shop/current", Command: "git checkout release"},
			}))
		})

		It("skips the checkout on the default branch", func() {
			recorder.Fail(statusCmd, 2, "sh: cd: /srv/shop/current: No such file or directory")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Setup(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())
			Expect(recorder.Commands()).NotTo(ContainElement(HavePrefix("git checkout")))
		})

		It("tolerates a failure to create the log directory", func() {
			cfg.Branch = "release"
			recorder.Fail("mkdir -p /srv/shop/current/log", 1, "mkdir: cannot create directory: Permission denied")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Setup(ctx, newSession(orch))
			Expect(err).NotTo(HaveOccurred())
			Expect(recorder.Commands()).To(ContainElement("git checkout release"))
		})

		It("aborts when the clone fails", func() {
			cfg.Branch = "release"
			recorder.Fail("git clone", 128, "fatal: repository not found")
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Setup(ctx, newSession(orch))
			Expect(err).To(MatchError(ContainSubstring("clone git@github.com:acme/shop.git")))
			Expect(recorder.Commands()).To(HaveLen(2))
		})
	})

	Describe("Checkpoints", func() {
		It("lists reachable checkpoints newest first", func() {
			recorder.Respond("git tag --merged HEAD", "deploy_20240501123045", "", "deploy_20240420080000")
			orch := deploy.New(cfg, recorder, nil)

			tags, err := orch.Checkpoints(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tags).To(Equal([]string{"deploy_20240501123045", "deploy_20240420080000"}))
			Expect(recorder.Commands()).To(Equal([]string{"git tag --merged HEAD --list 'deploy_*' --sort=-refname"}))
		})
	})

	Describe("Revision", func() {
		It("reads HEAD inside the target", func() {
			recorder.Respond("git rev-parse HEAD", "9fceb02d0ae598e95dc970b74767f19372d61af8")
			orch := deploy.New(cfg, recorder, nil)

			revision, err := orch.Revision(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(revision).To(Equal("9fceb02d0ae598e95dc970b74767f19372d61af8"))
			Expect(recorder.Calls()).To(ConsistOf(remote.Call{Dir: "/srv/shop/current", Command: "git rev-parse HEAD"}))
		})

		It("fails on empty output", func() {
			orch := deploy.New(cfg, recorder, nil)

			_, err := orch.Revision(ctx)
			Expect(err).To(MatchError(ContainSubstring("empty output")))
		})
	})
})
