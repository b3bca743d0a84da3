package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/server"
	"github.com/GriffinCanCode/scripthost/internal/sandbox/engine"
)

func main() {
	worker := flag.Bool("worker", false, "Run as a sandbox worker on stdin/stdout")
	port := flag.String("port", "", "Server port (overrides PORT)")
	configFile := flag.String("config", "", "YAML or TOML config file (overrides "+config.FileEnv+")")
	flag.Parse()

	if *worker {
		os.Exit(runWorker())
	}

	if *configFile != "" {
		os.Setenv(config.FileEnv, *configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	logger := srv.Logger()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.ShutdownTimeout.Std()+cfg.Sandbox.ExecuteTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		os.Exit(1)
	}
}

// runWorker serves the sandbox protocol until the host closes stdin.
func runWorker() int {
	logger := logging.NewWorker()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	// The host owns the worker's lifetime; ignore terminal interrupts aimed
	// at the process group.
	signal.Ignore(os.Interrupt)

	if err := engine.Serve(ctx, os.Stdin, os.Stdout, logger.Logger); err != nil {
		logger.Error("Worker stopped", zap.Error(err))
		return 1
	}
	return 0
}
