/*
 *
 * Copyright 2025 The tiny-llm-server Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// The gateway process: owns the HTTP socket and the shared-memory region,
// spawns the worker fleet, and streams generated tokens back to clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/entropicemergence/tiny-llm-server/internal/config"
	"github.com/entropicemergence/tiny-llm-server/internal/dispatch"
	"github.com/entropicemergence/tiny-llm-server/internal/httpserver"
	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
	"github.com/entropicemergence/tiny-llm-server/internal/manager"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "gateway.conf", "path to the key=value config file")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.String(config.KeyLogLevel, "info"))

	listenPort := cfg.Int(config.KeyPort, 8080)
	if *port != 0 {
		listenPort = *port
	}

	regionName := cfg.String(config.KeyShmName, ipc.DefaultRegionName)
	ep, err := ipc.NewServer(regionName)
	if err != nil {
		logger.Error().Err(err).Str("region", regionName).Msg("failed to create shared region")
		return 1
	}
	defer ep.Close()
	logger.Info().Str("region", regionName).Msg("shared region created")

	mgr := manager.New(ep, manager.Config{
		WorkerPath: cfg.String(config.KeyWorkerExecutable, "./build/worker"),
		MinWorkers: cfg.Int(config.KeyMinWorkers, 2),
		MaxWorkers: cfg.Int(config.KeyMaxWorkers, 4),
		RegionName: regionName,
	}, logger)
	if err := mgr.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start worker fleet")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	mon := manager.NewMonitor(mgr, manager.DefaultScaleInterval, logger)
	go mon.Run(ctx)

	disp := dispatch.New(ep, mgr, logger)
	front := httpserver.New(disp, int64(cfg.Int(config.KeyMaxConcurrent, 64)), logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", listenPort),
		Handler: front.Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", listenPort).Int("workers", mgr.Deployed()).Msg("gateway listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	// Orderly teardown: stop accepting, unblock the workers, terminate the
	// fleet, then unlink the region so no IPC names survive.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	ep.RequestShutdown()
	mgr.Shutdown()

	if err := ep.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove shared region")
	}
	logger.Info().Msg("gateway stopped")
	return 0
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
