package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/gateway"
	"github.com/microbank/gateway/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Edge Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	os.Exit(run(*configPath, cfg, func() {
		logging.Sync()
		if closer != nil {
			closer.Close()
		}
	}))
}

func run(configPath string, cfg *config.Config, cleanup func()) int {
	defer cleanup()

	logging.Info("Starting edge gateway",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("listen", cfg.Listener.Address),
		zap.String("registry", cfg.Registry.Type),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg, configPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return 1
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		return 1
	}

	logging.Info("Gateway stopped")
	return 0
}
