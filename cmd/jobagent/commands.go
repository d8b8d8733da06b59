package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/apd/v3"
	"github.com/spf13/cobra"

	"github.com/jobagent/jobagent/internal/coordinator"
	"github.com/jobagent/jobagent/internal/scheduler"
	"github.com/jobagent/jobagent/internal/seal"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run lifecycle cycles until interrupted",
		Long: `Run one cycle immediately and then one every cycle period until
SIGINT or SIGTERM. A cycle in flight when the signal arrives completes
before the process exits.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			loop, err := scheduler.New(a.coord, opts.cfg.CyclePeriod, slog.Default())
			if err != nil {
				return err
			}
			slog.Info("jobagent started",
				"simulated", a.coord.Simulated(),
				"index_url", opts.cfg.IndexURL,
				"marketplace", opts.cfg.Marketplace.String(),
				"content_store", opts.cfg.ContentStore,
			)
			return loop.Run(ctx)
		},
	}
}

func newOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "once",
		Short:         "Run a single cycle and print its report",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.coord.RunCycle(context.WithoutCancel(cmd.Context()))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the sync cursor and job counts by state",
		Long: `Print the sync cursor and job counts by state. With --job, print that
job's record and its transition history instead.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			if jobID != "" {
				r, err := a.coord.Inspect(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			}
			st, err := a.coord.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "show one job and its history")
	return cmd
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	var identityFile string
	cmd := &cobra.Command{
		Use:   "fetch <content-id>",
		Short: "Print a published job description or deliverable",
		Long: `Read content by id from the configured content store and write it to
stdout. Deliverables sealed to age recipients are decrypted with
--identity-file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var identities []byte
			if identityFile != "" {
				var err error
				if identities, err = os.ReadFile(identityFile); err != nil {
					return fmt.Errorf("identity file: %w", err)
				}
			}

			a, err := newApp(opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.content.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if identities != nil {
				if data, err = seal.Open(data, string(identities)); err != nil {
					return err
				}
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "age identity file for sealed deliverables")
	return cmd
}

type postOptions struct {
	title    string
	content  string
	tags     []string
	amount   string
	maxTime  uint32
	delivery string
}

func newPostCommand(opts *rootOptions) *cobra.Command {
	def := coordinator.DefaultPost()
	po := &postOptions{}

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Publish a job to the marketplace",
		Long: `Publish a job description to the content store, submit it to the
marketplace and record it locally as open. Unset flags fall back to the
sample job.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := def
			p.Title = po.title
			p.Content = po.content
			p.Tags = po.tags
			p.MaxTime = po.maxTime
			p.DeliveryMethod = po.delivery
			amount, _, err := apd.NewFromString(po.amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q", po.amount)
			}
			p.Amount = amount

			a, err := newApp(opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.coord.CreateJob(context.WithoutCancel(cmd.Context()), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}

	cmd.Flags().StringVar(&po.title, "title", def.Title, "job title")
	cmd.Flags().StringVar(&po.content, "content", def.Content, "job description")
	cmd.Flags().StringSliceVar(&po.tags, "tag", def.Tags, "job tag (repeatable)")
	cmd.Flags().StringVar(&po.amount, "amount", def.Amount.String(), "reward in whole tokens")
	cmd.Flags().Uint32Var(&po.maxTime, "max-time", def.MaxTime, "maximum completion time in seconds")
	cmd.Flags().StringVar(&po.delivery, "delivery", def.DeliveryMethod, "delivery method")
	return cmd
}
