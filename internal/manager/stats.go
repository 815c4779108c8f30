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

package manager

import (
	"time"

	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
)

// WorkerStats is one worker's row in a fleet snapshot.
type WorkerStats struct {
	Index     int
	PID       int
	Busy      bool
	Processed uint64
	Idle      time.Duration
	Queue     int
}

// Stats is a point-in-time view of the fleet for the monitor's dashboard
// output.
type Stats struct {
	Deployed  int
	Pending   int
	Processed uint64
	Workers   []WorkerStats
}

// Snapshot collects the current fleet state.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Deployed:  int(m.deployed.Load()),
		Pending:   int(m.pending.Load()),
		Processed: m.processed.Load(),
	}
	for i := 0; i < ipc.MaxWorkers; i++ {
		wi := m.workers[i]
		if wi == nil {
			continue
		}
		s.Workers = append(s.Workers, WorkerStats{
			Index:     i,
			PID:       wi.PID,
			Busy:      wi.busy.Load(),
			Processed: wi.processed.Load(),
			Idle:      wi.idleFor(),
			Queue:     m.ep.QueueDepth(i),
		})
	}
	return s
}
