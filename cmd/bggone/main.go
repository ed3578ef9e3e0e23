// Command bggone removes image backgrounds through a running relay.
//
//	bggone [-server URL] [-out DIR] [-timeout D] FILE...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/bggone/internal/logging"
	"github.com/example/bggone/internal/removal"
	"github.com/example/bggone/internal/workflow"
)

func main() {
	server := flag.String("server", envOr("BGGONE_SERVER", "http://localhost:3001"), "relay base URL")
	outDir := flag.String("out", ".", "directory for the cut-out images")
	timeout := flag.Duration("timeout", workflow.DefaultTimeout, "per-image processing bound")
	verbose := flag.Bool("v", false, "log every state change")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.NewCLILogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &processor{
		registry: workflow.NewRegistry(workflow.Options{
			Remover: removal.NewClient(*server, *timeout, logger),
			Timeout: *timeout,
			Logger:  logger,
		}),
		outDir: *outDir,
		out:    os.Stdout,
		logger: logger,
	}

	if *verbose {
		unsubscribe, err := p.registry.Subscribe(func(s workflow.Snapshot) {
			logger.Debug("state changed",
				zap.String("session", s.SessionID),
				zap.String("state", string(s.State)),
				zap.Uint64("generation", s.Generation),
			)
		})
		if err == nil {
			defer unsubscribe()
		}
	}

	failed := p.run(ctx, flag.Args(), time.Now)
	if failed > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
