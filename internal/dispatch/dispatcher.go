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

// Package dispatch is the gateway-side front end of the dispatch fabric: it
// assigns a request to a worker, enqueues it, and pumps the streamed
// response chunks back to the HTTP layer's callback.
package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// payloadSep separates the token budget from the prompt on the wire.
const payloadSep = 0x01

const (
	// defaultChunkTimeout bounds the silence between two chunks of one
	// task; past it the worker is presumed dead.
	defaultChunkTimeout = 30 * time.Second

	// defaultKeepAlive is the cadence of empty probe callbacks while a
	// chunk is pending, letting the HTTP layer notice dead clients.
	defaultKeepAlive = time.Second
)

// transport is the slice of the IPC endpoint the dispatcher drives.
type transport interface {
	chunkSource
	Enqueue(ctx context.Context, w int, payload []byte) (uint64, error)
	Cancel(w int, taskID uint64) bool
}

// workerPool is the slice of the worker manager the dispatcher drives.
type workerPool interface {
	Assign() (int, error)
	OnRequestStart(int)
	OnRequestComplete(int)
}

// Dispatcher fans requests out to workers and streams their chunks back.
// Safe for concurrent use by any number of request goroutines.
type Dispatcher struct {
	tr   transport
	pool workerPool
	mux  *respMux
	log  zerolog.Logger

	chunkTimeout time.Duration
	keepAlive    time.Duration
}

// New builds a dispatcher over an IPC endpoint and a worker pool.
func New(tr transport, pool workerPool, log zerolog.Logger) *Dispatcher {
	l := log.With().Str("component", "dispatch").Logger()
	return &Dispatcher{
		tr:           tr,
		pool:         pool,
		mux:          newRespMux(tr, l),
		log:          l,
		chunkTimeout: defaultChunkTimeout,
		keepAlive:    defaultKeepAlive,
	}
}

// Process runs one request end to end: assign a worker, enqueue, stream
// every chunk into onChunk as {"chunk":…,"is_last":…} objects.
//
// onChunk returning false means the client is gone; the stream keeps
// draining internally until is_last so the worker's mailbox never wedges,
// but nothing further is delivered. A zero-length onChunk invocation is a
// keep-alive probe, not data. Once a worker is assigned, OnRequestComplete
// fires exactly once, whatever the outcome; when no worker can be assigned,
// neither lifecycle hook runs.
func (d *Dispatcher) Process(onChunk func([]byte) bool, message string, maxTokens int) {
	w, err := d.pool.Assign()
	if err != nil {
		onChunk(ErrorChunk("no workers available"))
		return
	}
	d.pool.OnRequestStart(w)
	defer d.pool.OnRequestComplete(w)

	taskID, err := d.tr.Enqueue(context.Background(), w, encodePayload(maxTokens, message))
	if err != nil {
		d.log.Warn().Int("worker", w).Err(err).Msg("enqueue failed")
		onChunk(ErrorChunk("failed to enqueue request - server may be overloaded"))
		return
	}

	ch := d.mux.register(w, taskID)
	defer d.mux.unregister(w, taskID)

	d.log.Debug().Int("worker", w).Uint64("task", taskID).Msg("task dispatched")

	disconnected := false
	keepAlive := time.NewTicker(d.keepAlive)
	defer keepAlive.Stop()
	deadline := time.NewTimer(d.chunkTimeout)
	defer deadline.Stop()

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				// Mailbox gone (shutdown): the task cannot finish.
				if !disconnected {
					onChunk(ErrorChunk("failed to receive response from worker"))
				}
				return
			}
			resetTimer(deadline, d.chunkTimeout)
			if !disconnected && !onChunk(FrameChunk(c.Payload, c.Last)) {
				disconnected = true
				d.tr.Cancel(w, taskID)
				d.log.Debug().Uint64("task", taskID).Msg("client disconnected, draining")
			}
			if c.Last {
				return
			}

		case <-keepAlive.C:
			if !disconnected && !onChunk(nil) {
				disconnected = true
				d.tr.Cancel(w, taskID)
				d.log.Debug().Uint64("task", taskID).Msg("client disconnected on keep-alive, draining")
			}

		case <-deadline.C:
			d.log.Warn().Int("worker", w).Uint64("task", taskID).Msg("no chunk within deadline, presuming worker crashed")
			if !disconnected {
				onChunk(ErrorChunk("worker crashed"))
			}
			return
		}
	}
}

// encodePayload builds the "<max_tokens>\x01<prompt>" request record.
func encodePayload(maxTokens int, message string) []byte {
	buf := make([]byte, 0, len(message)+8)
	buf = strconv.AppendInt(buf, int64(maxTokens), 10)
	buf = append(buf, payloadSep)
	buf = append(buf, message...)
	return buf
}

// resetTimer safely re-arms a timer whose expiry may be pending.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
