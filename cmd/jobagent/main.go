// Command jobagent is an autonomous worker for an on-chain job
// marketplace.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("jobagent", "error", err)
		os.Exit(1)
	}
}
