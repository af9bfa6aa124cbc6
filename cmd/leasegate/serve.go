package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/leasegate/pkg/config"
	"github.com/Mindburn-Labs/leasegate/pkg/controlplane"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string, _, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (overrides LISTEN_ADDR)")
	policyFile := fs.String("policy", "", "policy YAML file (overrides POLICY_FILE)")
	workers := fs.Int("review-workers", 4, "intents reviewed concurrently")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.Load()
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *policyFile != "" {
		cfg.PolicyFile = *policyFile
	}
	installLogger(stderr, cfg.LogLevel)

	pol := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		var err error
		if pol, err = config.LoadPolicy(cfg.PolicyFile); err != nil {
			return fail(stderr, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, pol, *workers, nil); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// serve runs the control plane until ctx is done. ready, if set, receives
// the bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, pol *config.Policy, workers int, ready func(net.Addr)) error {
	logger := slog.Default().With("component", "server")

	cp, err := controlplane.Build(ctx, cfg, pol)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	cp.Start(runCtx, workers)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = cp.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           cp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.InfoContext(ctx, "leasegate listening", "addr", ln.Addr().String())
	if ready != nil {
		ready(ln.Addr())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WarnContext(shutdownCtx, "http shutdown", "error", err)
	}
	// In-flight rollouts stop at their next poll.
	cancel()
	closeErr := cp.Close(shutdownCtx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, closeErr)
}
