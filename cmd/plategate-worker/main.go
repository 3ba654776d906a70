// Package main is the detection worker. The orchestrator spawns one per
// LOCAL device; on other hosts it runs as the daemon behind a REMOTE device.
// All settings come from PLATEGATE_WORKER_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Spatial-NVR/plategate/internal/detector"
	"github.com/Spatial-NVR/plategate/internal/logging"
	"github.com/Spatial-NVR/plategate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "plategate-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := worker.LoadSettings()
	if err != nil {
		return err
	}

	// stdout and stderr are captured by the supervisor
	logger, _, err := logging.Setup(settings.LogLevel, settings.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.New(settings, detector.NewALPR, logger).Run(ctx)
}
