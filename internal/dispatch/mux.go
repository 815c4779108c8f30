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

package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
)

// pumpPoll is the pump's mailbox wait granularity: short enough to notice an
// empty task table and shut the pump down, long enough to stay off the CPU.
const pumpPoll = 500 * time.Millisecond

// taskBuffer sizes each per-task channel above the worker's hard token cap,
// so the pump can never block behind a slow reader of a live task.
const taskBuffer = 64

// respMux demultiplexes one worker mailbox onto the concurrent requests
// multiplexed over it. Each in-flight task registers a channel keyed by its
// task id; one pump goroutine per active worker drains the mailbox and
// routes chunks by id. This replaces re-post-and-yield contention among
// request goroutines with a single reader per mailbox.
type respMux struct {
	src chunkSource
	log zerolog.Logger

	mu    sync.Mutex
	pumps map[int]*pump
}

// chunkSource is the slice of the IPC endpoint the mux pumps.
type chunkSource interface {
	RecvChunk(w int, timeout time.Duration) (ipc.Chunk, error)
}

type pump struct {
	tasks map[uint64]chan ipc.Chunk
}

func newRespMux(src chunkSource, log zerolog.Logger) *respMux {
	return &respMux{
		src:   src,
		log:   log,
		pumps: make(map[int]*pump),
	}
}

// register announces an in-flight task on worker w and returns its chunk
// channel. The channel is closed by the pump only when the worker's mailbox
// becomes unusable (shutdown); a crashed-but-silent worker is the caller's
// deadline to detect.
func (m *respMux) register(w int, taskID uint64) <-chan ipc.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pumps[w]
	if p == nil {
		p = &pump{tasks: make(map[uint64]chan ipc.Chunk)}
		m.pumps[w] = p
		go m.run(w, p)
	}
	ch := make(chan ipc.Chunk, taskBuffer)
	p.tasks[taskID] = ch
	return ch
}

// unregister drops a task's route. Chunks that arrive afterwards for that id
// are consumed and discarded so the worker is never blocked on a dead
// client's mailbox slot.
func (m *respMux) unregister(w int, taskID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pumps[w]; p != nil {
		delete(p.tasks, taskID)
	}
}

func (m *respMux) run(w int, p *pump) {
	for {
		c, err := m.src.RecvChunk(w, pumpPoll)
		if err != nil {
			if errors.Is(err, ipc.ErrTimeout) {
				m.mu.Lock()
				if len(p.tasks) == 0 {
					// Nothing in flight: retire the pump.
					delete(m.pumps, w)
					m.mu.Unlock()
					return
				}
				m.mu.Unlock()
				continue
			}

			// Shutdown or a broken mailbox: fail every waiter and retire.
			m.mu.Lock()
			for id, ch := range p.tasks {
				close(ch)
				delete(p.tasks, id)
			}
			delete(m.pumps, w)
			m.mu.Unlock()
			if !errors.Is(err, ipc.ErrShutdown) {
				m.log.Warn().Int("worker", w).Err(err).Msg("response pump failed")
			}
			return
		}

		m.mu.Lock()
		ch, ok := p.tasks[c.TaskID]
		if !ok {
			// Stale task: the waiter gave up or the client vanished before
			// enqueue bookkeeping landed. The chunk was already consumed
			// off the mailbox, which is exactly what unblocks the worker.
			m.mu.Unlock()
			m.log.Debug().Int("worker", w).Uint64("task", c.TaskID).Msg("dropping chunk for unknown task")
			continue
		}
		if c.Last {
			delete(p.tasks, c.TaskID)
		}
		select {
		case ch <- c:
		default:
			// Buffer sized above the token cap; overflow means the waiter
			// is gone without unregistering. Drop rather than wedge the
			// pump.
			m.log.Warn().Int("worker", w).Uint64("task", c.TaskID).Msg("task channel overflow, dropping chunk")
		}
		m.mu.Unlock()
	}
}
