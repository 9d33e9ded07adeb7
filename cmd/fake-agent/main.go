// ABOUTME: Scripted stand-in for the agent CLI, speaking newline-delimited JSON-RPC on stdio.
// ABOUTME: Usage: point agent.command at this binary to develop against the live client path.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/2389/coven-sidecar/internal/agent"
)

func main() {
	debug := pflag.Bool("debug", false, "log protocol traffic to stderr")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.ServeFake(ctx, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("fake agent stopped", "error", err)
		os.Exit(1)
	}
}
