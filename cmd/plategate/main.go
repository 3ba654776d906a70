// Package main is the plategate orchestrator: it owns the device registry,
// launches local detection workers, receives their detections and serves
// the operator API
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Spatial-NVR/plategate/internal/config"
	"github.com/Spatial-NVR/plategate/internal/logging"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	encryptOnly := flag.Bool("encrypt-config", false, "encrypt secrets in the config file and exit")
	flag.Parse()

	path := findConfigFile(*configPath)
	var err error
	if *encryptOnly {
		err = encryptConfig(path)
	} else {
		err = run(path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "plategate:", err)
		os.Exit(1)
	}
}

// encryptConfig rewrites the config file with its secrets encrypted
func encryptConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Println("Encrypted secrets in", path)
	return nil
}

func run(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	logger, logs, err := logging.Setup(cfg.System.Logging.Level, cfg.System.Logging.Format, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("Starting plategate",
		"version", version,
		"config_path", configPath,
		"data_path", cfg.System.DataPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger, logs)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		shutdown(app)
		return err
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
	shutdown(app)
	slog.Info("Stopped")
	return nil
}

func shutdown(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Shutdown(ctx)
}

// findConfigFile returns the first config file found, checking the flag,
// then PLATEGATE_CONFIG, then the usual locations
func findConfigFile(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}

	dataPath := os.Getenv(config.EnvPrefix + "DATA_PATH")
	if dataPath == "" {
		dataPath = "data"
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/etc/plategate/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	// Default fallback
	return locations[0]
}
