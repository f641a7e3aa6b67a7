package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Bakeneko/n8n/internal/config"
	"github.com/Bakeneko/n8n/internal/license"
	"github.com/Bakeneko/n8n/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			addr = os.Getenv(config.EnvMetricsAddr)
		}
		if addr == "" {
			addr = config.DefaultMetricsAddr
		}
		return fetchStatus(cmd.OutOrStdout(), statusURL(addr))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Load entitlements once and print a signed management token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := issueToken(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "address of the coordinator's HTTP endpoint")
}

func loadConfig() (*config.Config, error) {
	// Baseline logging for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "licensed",
	})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "licensed",
	})
	return cfg, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := newCoordinator(cfg, reg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "off" {
		startHTTPServer(ctx, cfg.MetricsAddr, newHandler(c, reg))
	}

	log.Info().
		Str("instance", cfg.License.InstanceID).
		Str("role", string(cfg.License.Role)).
		Bool("multiMain", cfg.License.MultiInstanceEnabled).
		Msg("Starting license coordinator")

	if err := c.start(ctx, cfg); err != nil {
		return err
	}
	log.Info().Str("license", c.svc.Info()).Msg("License loaded")

	var keyWatcher *license.KeyWatcher
	if cfg.KeyFile != "" {
		keyWatcher, err = license.NewKeyWatcher(cfg.KeyFile, c.svc, nil, logging.Scoped("license-keywatch"))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create license key watcher, key changes will require restart")
		} else if err := keyWatcher.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to start license key watcher")
		} else {
			defer keyWatcher.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	defer signal.Stop(reloadChan)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reinitializing license")
			if err := c.svc.Reinit(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to reinitialize license")
			}

		case <-sigChan:
			log.Info().Msg("Shutting down license coordinator...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.License.ShutdownGrace+httpShutdownTimeout)
			defer shutdownCancel()
			if err := c.svc.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("License coordinator did not stop cleanly")
			}
			log.Info().Msg("License coordinator stopped")
			return nil
		}
	}
}

// issueToken loads entitlements with a dedicated coordinator and signs one
// management token from them.
func issueToken(ctx context.Context, cfg *config.Config) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := newCoordinator(cfg, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.License.ShutdownGrace+time.Second)
		defer cancel()
		_ = c.svc.Shutdown(shutdownCtx)
	}()

	if err := c.start(ctx, cfg); err != nil {
		return "", err
	}
	return c.svc.IssueManagementToken()
}

func statusURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/status"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/status"
}

func fetchStatus(out io.Writer, url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query coordinator status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query coordinator status: unexpected status %s", resp.Status)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
