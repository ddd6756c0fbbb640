// Package main provides the CLI entry point for the Signaling Hub: the
// namespaced websocket event router Agents and Computers join to exchange
// tool calls, desktop snapshots, and tool-list updates.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/a2c-smcp/internal/auth"
	"github.com/haasonsaas/a2c-smcp/internal/hub"
	"github.com/haasonsaas/a2c-smcp/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "a2c-hub",
		Short:   "a2c-hub - Signaling Hub for the Agent-to-Computer protocol",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		addr      string
		jwtSecret string
		jwtExpiry time.Duration
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Signaling Hub websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				addr:      addr,
				jwtSecret: jwtSecret,
				jwtExpiry: jwtExpiry,
				logLevel:  logLevel,
				logFormat: logFormat,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8765", "address to listen on")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", os.Getenv("A2C_SMCP_JWT_SECRET"), "HMAC secret for peer JWTs (empty disables auth)")
	cmd.Flags().DurationVar(&jwtExpiry, "jwt-expiry", 24*time.Hour, "JWT expiry")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	return cmd
}

type serveOptions struct {
	addr      string
	jwtSecret string
	jwtExpiry time.Duration
	logLevel  string
	logFormat string
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: os.Stderr,
	})

	jwtSvc := auth.NewJWTService(opts.jwtSecret, opts.jwtExpiry)
	h := hub.New(auth.HubAuthenticator(jwtSvc), logger.Slog())
	h.SetMetrics(observability.NewMetrics())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", h)

	server := &http.Server{Addr: opts.addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "signaling hub listening", "addr", opts.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info(ctx, "shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub: server shutdown: %w", err)
	}
	return h.Shutdown(shutdownCtx)
}
