package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"mailstore/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line. An interrupt cancels ctx, which aborts
// in-flight copies and sweeps; their partial output is never published.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if cfg.TrustedProjectConfigPath != "" {
		fmt.Fprintf(stderr, "warning: using trusted project config from %s\n", cfg.TrustedProjectConfigPath)
	}

	cmd := newRootCmd(cfg)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		for _, line := range formatCLIError(err) {
			fmt.Fprintln(stderr, line)
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return exitInterrupted
		}
		return exitFailure
	}
	return 0
}
