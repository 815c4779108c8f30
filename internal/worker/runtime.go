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

// Package worker implements the per-process serving loop that runs inside
// each worker: dequeue a request, run the model, stream the generated chunks
// back through the shared region.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
	"github.com/entropicemergence/tiny-llm-server/internal/model"
)

// maxTokensCap bounds a single generation regardless of what the request
// asks for.
const maxTokensCap = 50

// payloadSep separates the token budget from the prompt in a request payload.
const payloadSep = 0x01

// Runtime is one worker process's serving loop.
type Runtime struct {
	ep    *ipc.Endpoint
	mdl   model.Model
	index int
	log   zerolog.Logger

	processed int
}

// New builds a runtime for worker index on an attached endpoint.
func New(ep *ipc.Endpoint, mdl model.Model, index int, log zerolog.Logger) *Runtime {
	return &Runtime{
		ep:    ep,
		mdl:   mdl,
		index: index,
		log:   log.With().Int("worker", index).Logger(),
	}
}

// Run serves requests until the gateway requests shutdown or ctx is canceled
// (the SIGTERM path). Transient dequeue failures are retried.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info().Msg("worker ready, waiting for tasks")
	for {
		req, err := r.ep.Dequeue(ctx, r.index)
		switch {
		case err == nil:
		case errors.Is(err, ipc.ErrShutdown):
			r.log.Info().Int("processed", r.processed).Msg("shutdown requested, worker exiting")
			return nil
		case errors.Is(err, context.Canceled):
			r.log.Info().Int("processed", r.processed).Msg("terminated, worker exiting")
			return nil
		default:
			r.log.Warn().Err(err).Msg("dequeue failed, retrying")
			continue
		}

		r.serve(ctx, req)
		r.processed++
	}
}

// serve runs one task. Exactly one SignalRequestHandled per dequeue, on
// every path except a shutdown abort, where the gateway recreates the region
// anyway.
func (r *Runtime) serve(ctx context.Context, req *ipc.Request) {
	handled := false
	defer func() {
		if !handled {
			r.ep.SignalRequestHandled(r.index)
		}
	}()

	if req.Canceled {
		r.log.Debug().Uint64("task", req.TaskID).Msg("skipping canceled task")
		return
	}

	maxTokens, prompt, err := parsePayload(req.Payload)
	if err != nil {
		r.log.Warn().Uint64("task", req.TaskID).Err(err).Msg("malformed request payload")
		return
	}
	if maxTokens > maxTokensCap {
		maxTokens = maxTokensCap
	}

	r.log.Debug().Uint64("task", req.TaskID).Int("max_tokens", maxTokens).Msg("processing task")

	r.mdl.Init(prompt)
	prev := model.Start
	for t := 0; t < maxTokens; t++ {
		next := r.mdl.NextToken(prev)
		if next == r.mdl.EOS() {
			if err := r.ep.SendChunk(ctx, r.index, req.TaskID, nil, true); err != nil {
				r.log.Warn().Uint64("task", req.TaskID).Err(err).Msg("failed to send final chunk")
			}
			return
		}

		last := t == maxTokens-1
		piece := r.mdl.Decode(next)
		if err := r.ep.SendChunk(ctx, r.index, req.TaskID, []byte(piece), last); err != nil {
			if errors.Is(err, ipc.ErrShutdown) {
				handled = true // process is going down with the region
			}
			r.log.Warn().Uint64("task", req.TaskID).Err(err).Msg("failed to send chunk")
			return
		}
		if r.ep.ShutdownRequested() {
			handled = true
			return
		}
		prev = next
	}

	if maxTokens <= 0 {
		// Zero-budget request still gets its terminating empty chunk.
		if err := r.ep.SendChunk(ctx, r.index, req.TaskID, nil, true); err != nil {
			r.log.Warn().Uint64("task", req.TaskID).Err(err).Msg("failed to send empty final chunk")
		}
	}
}

// parsePayload splits "<max_tokens>\x01<prompt>".
func parsePayload(payload []byte) (int, string, error) {
	sep := bytes.IndexByte(payload, payloadSep)
	if sep < 0 {
		return 0, "", fmt.Errorf("missing separator in payload of %d bytes", len(payload))
	}
	maxTokens, err := strconv.Atoi(string(payload[:sep]))
	if err != nil {
		return 0, "", fmt.Errorf("bad max_tokens prefix: %w", err)
	}
	return maxTokens, string(payload[sep+1:]), nil
}
