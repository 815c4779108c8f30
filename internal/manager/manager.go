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

// Package manager owns the worker process fleet: spawning, liveness,
// round-robin assignment, demand scaling, and reaping.
package manager

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/entropicemergence/tiny-llm-server/internal/ipc"
)

// Scaling policy knobs.
const (
	// scaleDownThreshold: scale down only when fewer pending requests than
	// this are in flight.
	scaleDownThreshold = 2

	// workerIdleTimeout: a worker must be idle this long before the
	// scale-down pass may take it.
	workerIdleTimeout = 10 * time.Second

	// readyTimeout bounds the wait for a spawned worker's attach probe.
	readyTimeout = 2 * time.Second

	// spawnGrace is the fallback settle time when the probe never fires.
	spawnGrace = 100 * time.Millisecond

	// termGrace is how long a SIGTERM'd worker gets before SIGKILL.
	termGrace = 200 * time.Millisecond
)

// ErrNoWorkers indicates no worker could be deployed or assigned.
var ErrNoWorkers = errors.New("no workers available")

// Config carries the manager's startup parameters.
type Config struct {
	WorkerPath string // worker executable
	MinWorkers int    // never scale below this
	MaxWorkers int    // dynamic ceiling, clamped to ipc.MaxWorkers
	RegionName string // shared region name exported to children
}

// WorkerInfo is the gateway-private record of one deployed worker process.
type WorkerInfo struct {
	PID   int
	Index int

	proc         *os.Process
	busy         atomic.Bool
	lastActivity atomic.Int64 // unix nanos
	processed    atomic.Uint64
}

func (w *WorkerInfo) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

func (w *WorkerInfo) idleFor() time.Duration {
	return time.Since(time.Unix(0, w.lastActivity.Load()))
}

// Manager tracks up to ipc.MaxWorkers worker slots. The slot table is
// guarded by mu; the per-worker flags and the fleet counters are atomics, so
// the dispatcher's bookkeeping holds the lock only to look up the slot.
type Manager struct {
	ep  *ipc.Endpoint
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	workers [ipc.MaxWorkers]*WorkerInfo

	deployed  atomic.Int32
	pending   atomic.Int32
	processed atomic.Uint64
	rr        atomic.Uint32
}

// New builds a manager over the server IPC endpoint. Config bounds are
// normalized here: MaxWorkers is clamped to the region's slot count and
// MinWorkers to MaxWorkers.
func New(ep *ipc.Endpoint, cfg Config, log zerolog.Logger) *Manager {
	if cfg.MaxWorkers <= 0 || cfg.MaxWorkers > ipc.MaxWorkers {
		cfg.MaxWorkers = ipc.MaxWorkers
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	return &Manager{
		ep:  ep,
		cfg: cfg,
		log: log.With().Str("component", "manager").Logger(),
	}
}

// Start verifies the worker executable and spawns the minimum fleet.
func (m *Manager) Start() error {
	if _, err := os.Stat(m.cfg.WorkerPath); err != nil {
		return fmt.Errorf("worker executable %s: %w", m.cfg.WorkerPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.cfg.MinWorkers; i++ {
		if err := m.spawnLocked(i); err != nil {
			m.shutdownLocked()
			return fmt.Errorf("failed to spawn initial worker %d: %w", i, err)
		}
	}
	m.log.Info().Int("workers", int(m.deployed.Load())).Msg("initial fleet started")
	return nil
}

// Spawn deploys a worker into slot i.
func (m *Manager) Spawn(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnLocked(i)
}

func (m *Manager) spawnLocked(i int) error {
	if i < 0 || i >= ipc.MaxWorkers {
		return fmt.Errorf("worker index %d out of range", i)
	}
	if m.workers[i] != nil {
		return nil // already deployed
	}

	cmd := exec.Command(m.cfg.WorkerPath, fmt.Sprintf("--index=%d", i))
	cmd.Env = append(os.Environ(), "SHM_NAME="+m.cfg.RegionName)

	// Workers write nothing the gateway wants on its terminal.
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}

	startErr := cmd.Start()
	if devnull != nil {
		devnull.Close()
	}
	if startErr != nil {
		return fmt.Errorf("failed to start worker %d: %w", i, startErr)
	}

	wi := &WorkerInfo{PID: cmd.Process.Pid, Index: i, proc: cmd.Process}
	wi.touch()
	m.workers[i] = wi
	m.deployed.Add(1)

	// Reap the child whenever it exits so liveness probes see the death.
	go cmd.Wait()

	// The child posts its ready probe once the region is attached; fall
	// back to a short settle time if the probe never fires.
	if err := m.ep.WaitReady(i, readyTimeout); err != nil {
		m.log.Warn().Int("worker", i).Err(err).Msg("worker readiness probe missed")
		time.Sleep(spawnGrace)
	}

	m.log.Info().Int("worker", i).Int("pid", wi.PID).Msg("worker spawned")
	return nil
}

// Terminate stops the worker in slot i: SIGTERM, a short grace, then SIGKILL.
func (m *Manager) Terminate(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked(i)
}

func (m *Manager) terminateLocked(i int) {
	wi := m.workers[i]
	if wi == nil {
		return
	}

	wi.proc.Signal(unix.SIGTERM)
	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if !processAlive(wi.PID) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if processAlive(wi.PID) {
		wi.proc.Kill()
	}

	m.workers[i] = nil
	m.deployed.Add(-1)
	m.log.Info().Int("worker", i).Int("pid", wi.PID).Msg("worker terminated")
}

// Assign picks a worker for the next request:
//  1. round-robin over deployed slots for the first idle one;
//  2. on-demand scale-up into the first undeployed slot;
//  3. least queue depth among the deployed when everyone is busy.
func (m *Manager) Assign() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n := 0; n < ipc.MaxWorkers; n++ {
		i := int(m.rr.Add(1)-1) % ipc.MaxWorkers
		if wi := m.workers[i]; wi != nil && !wi.busy.Load() {
			return i, nil
		}
	}

	if int(m.deployed.Load()) < m.cfg.MaxWorkers {
		for i := 0; i < ipc.MaxWorkers; i++ {
			if m.workers[i] != nil {
				continue
			}
			if err := m.spawnLocked(i); err != nil {
				m.log.Warn().Int("worker", i).Err(err).Msg("on-demand spawn failed")
				break
			}
			return i, nil
		}
	}

	best, bestDepth := -1, 0
	for i := 0; i < ipc.MaxWorkers; i++ {
		if m.workers[i] == nil {
			continue
		}
		depth := m.ep.QueueDepth(i)
		if best == -1 || depth < bestDepth {
			best, bestDepth = i, depth
		}
	}
	if best == -1 {
		return 0, ErrNoWorkers
	}
	return best, nil
}

// OnRequestStart records a request landing on worker i.
func (m *Manager) OnRequestStart(i int) {
	m.pending.Add(1)
	m.mu.Lock()
	wi := m.workers[i]
	m.mu.Unlock()
	if wi != nil {
		wi.busy.Store(true)
		wi.touch()
	}
}

// OnRequestComplete records a request leaving worker i, whatever its outcome.
func (m *Manager) OnRequestComplete(i int) {
	m.pending.Add(-1)
	m.processed.Add(1)
	m.mu.Lock()
	wi := m.workers[i]
	m.mu.Unlock()
	if wi != nil {
		wi.busy.Store(false)
		wi.processed.Add(1)
		wi.touch()
	}
}

// CheckAndScale runs one scale-down pass: with little pending work and more
// than one idle worker, the highest-indexed idle worker past the idle
// timeout is terminated. The fleet never shrinks below MinWorkers.
func (m *Manager) CheckAndScale() {
	if int(m.pending.Load()) >= scaleDownThreshold {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idleCountLocked() <= 1 || int(m.deployed.Load()) <= m.cfg.MinWorkers {
		return
	}
	for i := ipc.MaxWorkers - 1; i >= 0; i-- {
		wi := m.workers[i]
		if wi == nil || wi.busy.Load() {
			continue
		}
		if wi.idleFor() > workerIdleTimeout {
			m.log.Info().Int("worker", i).Dur("idle", wi.idleFor()).Msg("scaling down idle worker")
			m.terminateLocked(i)
			return
		}
	}
}

// RestartUnhealthy reaps slots whose process has died and respawns them when
// the fleet would otherwise fall below MinWorkers.
func (m *Manager) RestartUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < ipc.MaxWorkers; i++ {
		wi := m.workers[i]
		if wi == nil || processAlive(wi.PID) {
			continue
		}
		m.log.Warn().Int("worker", i).Int("pid", wi.PID).Msg("worker died, reaping slot")
		m.workers[i] = nil
		m.deployed.Add(-1)

		if int(m.deployed.Load()) < m.cfg.MinWorkers {
			if err := m.spawnLocked(i); err != nil {
				m.log.Error().Int("worker", i).Err(err).Msg("respawn failed")
			}
		}
	}
}

// Shutdown terminates the whole fleet: SIGTERM everyone, one grace window,
// SIGKILL the survivors, clear the table.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownLocked()
}

func (m *Manager) shutdownLocked() {
	var live []*WorkerInfo
	for i, wi := range m.workers {
		if wi == nil {
			continue
		}
		wi.proc.Signal(unix.SIGTERM)
		live = append(live, wi)
		m.workers[i] = nil
	}
	if len(live) == 0 {
		m.deployed.Store(0)
		return
	}

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, wi := range live {
			if processAlive(wi.PID) {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, wi := range live {
		if processAlive(wi.PID) {
			wi.proc.Kill()
		}
		// Collect the zombie if the background Wait has not run yet.
		unix.Wait4(wi.PID, nil, unix.WNOHANG, nil)
	}
	m.deployed.Store(0)
	m.log.Info().Int("terminated", len(live)).Msg("worker fleet shut down")
}

// Deployed returns the number of live worker slots.
func (m *Manager) Deployed() int { return int(m.deployed.Load()) }

// Pending returns the number of requests currently in flight.
func (m *Manager) Pending() int { return int(m.pending.Load()) }

func (m *Manager) idleCountLocked() int {
	n := 0
	for _, wi := range m.workers {
		if wi != nil && !wi.busy.Load() {
			n++
		}
	}
	return n
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
