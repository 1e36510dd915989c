package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"airthings-bridge/internal/auth"
	"airthings-bridge/internal/client"
	"airthings-bridge/internal/config"
	"airthings-bridge/internal/devices"
	"airthings-bridge/internal/events"
	"airthings-bridge/internal/feed"
	"airthings-bridge/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "airthings-bridge",
	Short: "Airthings Bridge - Watch your Airthings devices from the cloud API",
	Long: `A lightweight local agent that authenticates against the Airthings
cloud API, periodically fetches the registered devices and their current
sensor readings, and notifies observers of additions, removals, and updates.
An optional WebSocket feed exposes the device events to local consumers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge()
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the authenticated account profile and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProfile()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging, and bootstraps the
// authenticated client. A failed login surfaces immediately.
func setup(ctx context.Context) (*config.Config, *logrus.Logger, *client.HTTPClient, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up file logging: %w", err)
	}

	tokens, err := auth.NewManager(cfg, auth.LoginDetails{
		Username: cfg.Username,
		Password: cfg.Password,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	// Bootstrap login so credential problems fail setup outright
	if err := tokens.ForceRenew(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("login failed: %w", err)
	}

	apiClient, err := client.NewHTTPClient(cfg, tokens, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create API client: %w", err)
	}

	return cfg, logger, apiClient, nil
}

func runBridge() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, logger, apiClient, err := setup(ctx)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	hub := events.NewHub(logger)
	registry := devices.NewRegistry(logger)

	pollerCfg := devices.DefaultPollerConfig()
	pollerCfg.Interval = time.Duration(cfg.PollInterval) * time.Second

	poller := devices.NewPoller(pollerCfg, apiClient, registry, hub,
		devices.WithPollerLogger(logger))

	// The feed subscribes to the hub when constructed, so it must exist
	// before the poller's initial cycle announces the starting device set.
	var feedServer *feed.Server
	if cfg.FeedEnabled {
		feedServer = feed.NewServer(cfg, registry, hub, logger)
	}

	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	if feedServer != nil {
		if err := feedServer.Start(); err != nil {
			return fmt.Errorf("failed to start event feed: %w", err)
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if feedServer != nil {
		if err := feedServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Event feed shutdown failed")
		}
	}

	return poller.Stop(shutdownCtx)
}

func runProfile() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, _, apiClient, err := setup(ctx)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	me, err := apiClient.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch profile: %w", err)
	}

	fmt.Printf("Name:  %s\nEmail: %s\nUnits: %s\n", me.Name, me.Email, me.Preferences.MeasurementUnits)
	return nil
}
