package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobagent/jobagent/internal/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	// logOutput receives structured logs; stderr unless a test overrides it.
	logOutput io.Writer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stderr}

	cmd := &cobra.Command{
		Use:   "jobagent",
		Short: "Autonomous worker for an on-chain job marketplace",
		Long: `jobagent syncs job-creation events from the marketplace index, takes
eligible jobs and delivers results once their cooling-off window passes.

Configuration comes from JOBAGENT_* environment variables, optionally
layered over a YAML file (--config or JOBAGENT_CONFIG).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = os.Getenv("JOBAGENT_CONFIG")
			}
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			opts.cfg = cfg
			slog.SetDefault(newLogger(cfg, opts.logOutput))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newOnceCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPostCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
