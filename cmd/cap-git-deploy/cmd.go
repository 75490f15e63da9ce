package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marc/cap-git-deploy/internal/app"
	"github.com/marc/cap-git-deploy/internal/deploy"
)

type rootOptions struct {
	configFile string
	branch     string
	hosts      []string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "cap-git-deploy",
		Short:         "deploy a git checkout in place and roll back to tagged checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", app.DefaultConfigFile, "deployment config file")
	flags.StringVarP(&opts.branch, "branch", "b", "", "branch to deploy when the config names none (overrides $branch/$BRANCH)")
	flags.StringSliceVar(&opts.hosts, "host", nil, "restrict the run to these configured hosts")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text, json")

	root.AddCommand(
		newOperationCmd(opts, deploy.OperationSetup, "prepare directories and clone the repository into the target"),
		newOperationCmd(opts, deploy.OperationUpdate, "update the target to the branch head and tag a checkpoint"),
		newOperationCmd(opts, deploy.OperationRollback, "reset the target to the previous checkpoint"),
		newHistoryCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (app.Config, error) {
	cfg, err := app.LoadConfig(o.configFile)
	if err != nil {
		return app.Config{}, err
	}
	if b := strings.TrimSpace(o.branch); b != "" {
		cfg.BranchOverride = b
	}
	if o.logLevel != "" {
		cfg.Log.Level = strings.ToLower(o.logLevel)
	}
	if o.logFormat != "" {
		cfg.Log.Format = strings.ToLower(o.logFormat)
	}
	cfg.HostFilter = o.hosts
	return cfg, nil
}

func (o *rootOptions) runner() (*app.Runner, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.NewRunner(cfg)
}

func newOperationCmd(opts *rootOptions, op deploy.Operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(op),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := opts.runner()
			if err != nil {
				return err
			}

			result, err := runner.Run(cmd.Context(), op)
			printResult(cmd.OutOrStdout(), result)
			return err
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var checkpoints bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "show journaled operations, or checkpoints on each host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := opts.runner()
			if err != nil {
				return err
			}

			if checkpoints {
				hosts, err := runner.Checkpoints(cmd.Context())
				printCheckpoints(cmd.OutOrStdout(), hosts)
				return err
			}

			host := ""
			if len(opts.hosts) == 1 {
				host = opts.hosts[0]
			}
			entries, err := runner.History(cmd.Context(), host, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOPERATION\tHOST\tUSER\tREF\tCHECKPOINT\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format(time.DateTime), e.Operation, e.Host, e.User,
					dash(e.Ref), dash(e.Checkpoint), e.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&checkpoints, "checkpoints", false, "list checkpoint tags reachable from HEAD on each host")
	return cmd
}

func printResult(out io.Writer, result app.RunResult) {
	for _, h := range result.Hosts {
		line := fmt.Sprintf("%s\t%s\t%s", h.Host, h.Status, dash(h.Ref))
		if h.Checkpoint != "" {
			line += "\t" + h.Checkpoint
		}
		fmt.Fprintln(out, line)
	}
}

func printCheckpoints(out io.Writer, hosts []app.HostCheckpoints) {
	for _, h := range hosts {
		fmt.Fprintf(out, "%s:\n", h.Host)
		if len(h.Checkpoints) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, tag := range h.Checkpoints {
			when := ""
			if t, ok := deploy.CheckpointTime(tag); ok {
				when = "  " + t.Local().Format(time.DateTime)
			}
			fmt.Fprintf(out, "  %s%s\n", tag, when)
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
