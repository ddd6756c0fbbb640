// Package main provides the CLI entry point for a Computer process: it
// loads a config file describing its MCP servers and Input Definitions,
// boots the Computer Facade against them, and joins a Signaling Hub to
// serve Agent requests.
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

	"github.com/haasonsaas/a2c-smcp/internal/computer"
	"github.com/haasonsaas/a2c-smcp/internal/computerclient"
	"github.com/haasonsaas/a2c-smcp/internal/config"
	"github.com/haasonsaas/a2c-smcp/internal/observability"
	"github.com/haasonsaas/a2c-smcp/internal/render"
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
		Use:     "a2c-computer",
		Short:   "a2c-computer - Computer process for the Agent-to-Computer protocol",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath, metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot up configured MCP servers and join a Signaling Hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "computer.yaml", "path to the Computer config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")
	return cmd
}

func runServe(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("a2c-computer: load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	resolver := render.NewResolver(cfg.InputDefs(), render.EnvIOSurface{})
	confirm := func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error) {
		// Headless Computers auto-approve: interactive confirmation is an
		// out-of-scope external collaborator a GUI front end would supply.
		return true, nil
	}
	facade := computer.New(resolver, confirm, cfg.HistoryCap, logger.Slog())
	facade.SetName(cfg.Hub.Name)
	facade.Manager().SetMetrics(observability.NewMetrics())
	facade.SetInitialConfig(cfg.Servers)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(ctx, "metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := facade.BootUp(ctx); err != nil {
		return fmt.Errorf("a2c-computer: boot_up: %w", err)
	}

	client, err := computerclient.ConnectToServer(ctx, cfg.Hub.URL, cfg.Hub.OfficeID, cfg.Hub.Name, facade, logger.Slog())
	if err != nil {
		return fmt.Errorf("a2c-computer: join hub: %w", err)
	}
	defer client.Close()

	if cfg.Watch.Enabled {
		watcher := config.NewWatcher(configPath, cfg.Watch.Debounce, func(newCfg *config.Config) {
			if err := facade.ApplyConfig(ctx, newCfg.Servers); err != nil {
				logger.Error(ctx, "config reload failed", "error", err)
				return
			}
			logger.Info(ctx, "config reloaded", "path", configPath)
		}, logger.Slog())
		if err := watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "config watch disabled: failed to start", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	logger.Info(ctx, "computer ready", "name", cfg.Hub.Name, "office_id", cfg.Hub.OfficeID)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return client.LeaveOffice(shutdownCtx)
}
