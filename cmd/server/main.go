package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/server"
)

// Version information
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "config/config.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	logger := initLogger()
	defer logger.Sync()

	if showVersion {
		logger.Info("DMARC Dashboard API",
			zap.String("version", Version),
			zap.String("git_commit", GitCommit),
			zap.String("build_time", BuildTime))
		return
	}

	logger.Info("Starting DMARC Dashboard API",
		zap.String("config_path", configPath),
		zap.String("version", Version))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.Strings("elasticsearch", cfg.Elasticsearch.Addresses),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("ingest_consumer", cfg.Kafka.Enabled))

	if err := validateEnvironment(cfg); err != nil {
		logger.Fatal("Environment validation failed", zap.Error(err))
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// initLogger initializes the application logger
func initLogger() *zap.Logger {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	var logger *zap.Logger
	var err error

	if env == "production" {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logger, err = config.Build()
	} else {
		config := zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logger, err = config.Build()
	}

	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	return logger
}

// validateEnvironment validates the runtime configuration
func validateEnvironment(cfg *config.Config) error {
	if len(cfg.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses not configured")
	}
	if cfg.Server.HTTP.Port == 0 {
		return fmt.Errorf("HTTP port not configured")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	return nil
}
