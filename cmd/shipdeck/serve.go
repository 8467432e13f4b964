package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"shipdeck/internal/analytics"
	"shipdeck/internal/ci"
	"shipdeck/internal/config"
	"shipdeck/internal/history"
	"shipdeck/internal/model"
	"shipdeck/internal/refresh"
	"shipdeck/internal/server"
	"shipdeck/internal/state"
	"shipdeck/internal/storefront"
	"shipdeck/internal/vcs"
	"shipdeck/pkg/fileutil"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	logFile    string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the HTTP server and the background refresh engine.

The server polls the configured CI, store, repository and analytics
backends on the refresh interval and serves the aggregated state.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("SHIPDECK_CONFIG_FILE", ""), "Path to shipdeck.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("SHIPDECK_LOG_FILE", "./shipdeck.log"), "Path to log file")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("SHIPDECK_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("SHIPDECK_PORT", 0), "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("SHIPDECK_TEST_MODE") == "1", "Enable test mode (no rate limits, no audit database)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		// Search in default locations using pkg/fileutil
		searchPaths := fileutil.DefaultConfigPaths("shipdeck.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting shipdeck", "version", version)

	// Load configuration
	logger.Info("Loading configuration", "config", configFile)
	cfg, projects, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	logger.Info("Configuration validated successfully", "projects", len(projects))
	if len(projects) == 0 {
		logger.Warn("No projects configured in config file", "config", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// State owner with snapshot persistence
	persister := state.NewPersister(cfg.CachePath, 0, logger)
	owner := state.NewOwner(persister, logger)
	owner.LoadSnapshot()
	go persister.Run(ctx)

	// Refresh engine with every configured backend
	ciClient := ci.NewClient(cfg.CI.URL, cfg.CI.User, cfg.CI.Token(), logger)
	engine := refresh.New(ciClient, owner, projects, logger)
	engine.Interval = cfg.RefreshInterval.Std()
	engine.CommitLimit = cfg.CommitLimit
	engine.AnalyticsDays = cfg.AnalyticsDays

	var appStore *storefront.AppStoreClient
	if cfg.AppStore.URL != "" {
		appStore = storefront.NewAppStoreClient(cfg.AppStore.URL, staticToken(cfg.AppStore), logger)
		engine.Stores[model.PlatformIOS] = appStore
	}
	var play *storefront.PlayClient
	if cfg.Play.URL != "" {
		play = storefront.NewPlayClient(cfg.Play.URL, staticToken(cfg.Play), logger)
		engine.Stores[model.PlatformAndroid] = play
	}
	if cfg.GitHub.TokenEnv != "" || hasRepos(projects) {
		engine.VCS = vcs.NewClient(cfg.GitHub.Token(), logger)
	}
	if cfg.Analytics.URL != "" {
		engine.Analytics = analytics.NewClient(cfg.Analytics.URL, cfg.Analytics.Token(), logger)
	}

	// Audit database
	var auditLog *history.Store
	if !testMode {
		logger.Info("Opening audit database", "db", cfg.DBPath)
		auditLog, err = history.Open(cfg.DBPath, logger)
		if err != nil {
			logger.Error("Failed to open audit database", "error", err)
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer auditLog.Close()
		engine.Audit = auditLog
	}

	go engine.Run(ctx)

	// HTTP server
	srv := server.NewServer(owner, engine, projects, logger)
	srv.CI = ciClient
	if appStore != nil {
		srv.Stores[model.PlatformIOS] = appStore
	}
	if play != nil {
		srv.Stores[model.PlatformAndroid] = play
	}
	if auditLog != nil {
		srv.History = auditLog
	}
	srv.TestMode = testMode

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(cfg.Host, cfg.Port)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err)
	}
	persister.Flush()
	return nil
}

// staticToken adapts a config provider into the token callback the
// store clients expect.
func staticToken(p config.Provider) func() (string, error) {
	return func() (string, error) {
		token := p.Token()
		if token == "" {
			return "", fmt.Errorf("environment variable %s is not set", p.TokenEnv)
		}
		return token, nil
	}
}

func hasRepos(projects []config.Project) bool {
	for _, p := range projects {
		if p.Repo != "" {
			return true
		}
	}
	return false
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
