// Package main runs a single service module inside the managed runtime and
// drives it through a simulated node, exposing the node API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/service_bridge/internal/config"
	"github.com/R3E-Network/service_bridge/internal/runtime"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults to the embedded counter service)")
		envFile    = flag.String("env", ".env", "Optional .env file with BRIDGE_* overrides")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	root := logger.New("servicenode", logger.Config{Level: cfg.LogLevel(), Format: cfg.Log.Format})

	rt, err := runtime.New(cfg, runtime.WithLogger(root))
	if err != nil {
		root.WithError(err).Fatal("failed to boot service runtime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := rt.NewNode()
	defer n.Close()

	info, err := rt.Register(ctx, n)
	if err != nil {
		root.WithError(err).Fatal("failed to register service")
	}
	root.WithFields(map[string]interface{}{"service_id": info.ID, "service": info.Name}).Info("service created")

	if err := n.Start(ctx); err != nil {
		// The failed service stays registered and is reported by /services.
		root.WithError(err).Warn("service failed to start")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		root.Info("shutting down")
		cancel()
	}()

	if err := rt.Serve(ctx, n); err != nil {
		root.WithError(err).Fatal("node API failed")
	}
}
