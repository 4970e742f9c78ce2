package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/surf-session-core/internal/aggregator"
	"github.com/surf-session-core/internal/api"
	"github.com/surf-session-core/internal/browser"
	"github.com/surf-session-core/internal/checker"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/engine"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/profile"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/selector"
	"github.com/surf-session-core/internal/session"
	"github.com/surf-session-core/internal/storage"
	"github.com/surf-session-core/internal/types"
)

const version = "1.0.0"

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "surf-session",
	Short:         "Browser session profiles and proxy rotation",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFormatter(&log.JSONFormatter{})
		log.SetLevel(log.InfoLevel)

		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded

		if cfg.Logging.Format == "text" {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}
		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		if parsed, err := log.ParseLevel(level); err == nil {
			log.SetLevel(parsed)
		}
		return nil
	},
}

// serveCmd runs the API server with every background component
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proxiesCmd)
	rootCmd.AddCommand(profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing default file falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		log.Infof("No %s found, using defaults", configPath)
		return config.Default(), nil
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return loaded, nil
}

// openRegistry builds the proxy registry on the configured storage backend with the connectivity checker
func openRegistry(collector *metrics.Collector) (*registry.Registry, error) {
	store, err := storage.NewStorage(cfg.Proxies.Storage.Type, cfg.Proxies.Storage.Path, cfg.Proxies.Storage.Key)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	chk := checker.NewChecker(cfg.Checker, collector)
	reg, err := registry.New(store, chk, registry.WithMetrics(collector))
	if err != nil {
		store.Close()
		return nil, err
	}
	return reg, nil
}

func openProfiles(collector *metrics.Collector) (*profile.Store, error) {
	return profile.NewStore(cfg.Profiles.Dir, profile.WithMetrics(collector))
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Infof("Starting surf-session v%s", version)

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	reg, err := openRegistry(metricsCollector)
	if err != nil {
		return err
	}
	defer reg.Close()

	sel := selector.New(reg, selector.WithMetrics(metricsCollector))
	reg.AttachBinder(sel)

	profiles, err := openProfiles(metricsCollector)
	if err != nil {
		return err
	}
	if cfg.Profiles.RetentionDays > 0 {
		if _, err := profiles.CleanupOlderThan(cfg.Profiles.RetentionDays); err != nil {
			log.Warnf("Profile cleanup failed: %v", err)
		}
	}

	eng := engine.New(cfg.Engine)
	if err := eng.Start(); err != nil {
		log.Warnf("Browser engine unavailable, session operations will fail: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Errorf("Browser engine shutdown error: %v", err)
		}
	}()

	contexts := browser.EngineFunc(func(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (browser.Context, error) {
		c, err := eng.NewContext(ctx, launch, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	manager := browser.NewManager(contexts, profiles, sel, session.NewTable[browser.Context](metricsCollector))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var agg *aggregator.Aggregator
	if cfg.Aggregator.Enabled {
		agg = aggregator.NewAggregator(cfg.Aggregator, reg, metricsCollector)
		go agg.Run(ctx)
	} else {
		log.Info("Source aggregation is disabled")
	}

	apiServer := api.NewServer(cfg, api.Services{
		Profiles:   profiles,
		Proxies:    reg,
		Selector:   sel,
		Browser:    manager,
		Aggregator: agg,
	}, metricsCollector)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server failed: %v", err)
		}
	}

	log.Info("Shutting down gracefully...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	if err := manager.CloseAll(); err != nil {
		log.Errorf("Closing browser contexts: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
