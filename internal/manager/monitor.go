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
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DefaultScaleInterval is the monitor's tick period.
const DefaultScaleInterval = 2 * time.Second

// Monitor is the single long-lived background task driving the manager's
// scaling and health passes.
type Monitor struct {
	mgr      *Manager
	interval time.Duration
	log      zerolog.Logger
}

// NewMonitor builds a monitor over mgr. A non-positive interval selects the
// default.
func NewMonitor(mgr *Manager, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultScaleInterval
	}
	return &Monitor{
		mgr:      mgr,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Run loops until ctx is canceled: one scale pass, one health pass, one
// stats line per tick.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mo.log.Debug().Msg("monitor stopping")
			return
		case <-ticker.C:
			mo.mgr.CheckAndScale()
			mo.mgr.RestartUnhealthy()
			mo.logStats()
		}
	}
}

func (mo *Monitor) logStats() {
	s := mo.mgr.Snapshot()
	ev := mo.log.Debug().
		Int("deployed", s.Deployed).
		Int("pending", s.Pending).
		Uint64("processed", s.Processed)
	for _, w := range s.Workers {
		state := "idle"
		if w.Busy {
			state = "busy"
		}
		ev = ev.Str(
			"worker_"+strconv.Itoa(w.Index),
			state+" pid="+strconv.Itoa(w.PID)+" q="+strconv.Itoa(w.Queue)+" done="+strconv.FormatUint(w.Processed, 10),
		)
	}
	ev.Msg("fleet status")
}
