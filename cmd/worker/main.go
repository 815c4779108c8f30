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

// The worker process: attaches to the gateway's shared region, posts its
// readiness probe, and serves inference requests until the gateway requests
// shutdown or sends SIGTERM. Invoked by the gateway as "worker --index=<i>".
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/entropicemergence/tiny-llm-server/internal/config"
	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
	"github.com/entropicemergence/tiny-llm-server/internal/model"
	"github.com/entropicemergence/tiny-llm-server/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	index := flag.Int("index", -1, "worker slot index assigned by the gateway")
	flag.Parse()

	cfg, err := config.LoadOrDefault("gateway.conf")
	if err != nil {
		cfg = config.New()
	}

	logger := newLogger(cfg.String(config.KeyLogLevel, "info")).With().
		Int("worker", *index).Logger()

	if *index < 0 || *index >= ipc.MaxWorkers {
		logger.Error().Msg("missing or out-of-range --index argument")
		return 1
	}

	regionName := cfg.String(config.KeyShmName, ipc.DefaultRegionName)
	ep, err := ipc.NewWorker(regionName, *index)
	if err != nil {
		logger.Error().Err(err).Str("region", regionName).Msg("failed to attach shared region")
		return 1
	}
	defer ep.Close()

	// Tell the gateway this process has the region mapped and is about to
	// start dequeuing.
	ep.PostReady(*index)

	// SIGTERM only flips this process-local context; shared memory is never
	// touched from the signal path.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGTERM)
	defer stop()

	rt := worker.New(ep, model.NewTinyLM(), *index, logger)
	if err := rt.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker loop failed")
		return 1
	}
	return 0
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
