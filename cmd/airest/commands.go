package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, expiry reconciler and confirmation sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, stderr)
		},
	}
}

func runServe(ctx context.Context, _, stderr io.Writer) error {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("airest listening", "addr", srv.Addr, "lite_mode", cfg.LiteMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.reconciler.Run(gctx, cfg.ReconcileInterval) })
	g.Go(func() error { return a.confirm.Run(gctx, cfg.ReconcileInterval) })

	err = g.Wait()
	slog.Info("airest stopped")
	return err
}

func newMigrateCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(stderr)
			if err != nil {
				return err
			}
			db, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			_, err = fmt.Fprintln(stdout, "schema up to date")
			return err
		},
	}
}

func newReconcileCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Revert changes whose effective window has closed, then expire stale confirmations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			reverted, err := a.reconciler.RunOnce(ctx)
			if err != nil {
				return err
			}
			expired, err := a.confirm.ExpireStale(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "reverted %d expired changes, expired %d pending intents\n", reverted, expired)
			return err
		},
	}
}

func newHealthCmd(stdout, stderr io.Writer) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return usageError{err}
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			_, err = fmt.Fprintln(stdout, "OK")
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/health", "health endpoint to probe")
	return cmd
}
