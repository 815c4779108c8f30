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

package ipc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Role distinguishes the one process that creates and owns the region from
// the workers that attach to it. The create/open distinction lives entirely
// here.
type Role int

const (
	// RoleServer creates the region, initializes it, and unlinks it on close.
	RoleServer Role = iota

	// RoleWorker opens an existing region and validates it.
	RoleWorker
)

// Polling granularity for blocking operations that must observe the shutdown
// flag or a context while parked in the kernel.
const shutdownPoll = 100 * time.Millisecond

// mismatchYield is how long a WaitChunk caller sleeps after re-posting a
// chunk that belongs to another task on the same worker.
const mismatchYield = 25 * time.Millisecond

// Request is one dequeued request record.
type Request struct {
	TaskID   uint64
	Payload  []byte
	Canceled bool
}

// Chunk is one streamed response unit read from a worker's mailbox.
type Chunk struct {
	TaskID  uint64
	Payload []byte
	Last    bool
}

// Endpoint is a process's handle on the shared region. The gateway holds one
// with RoleServer; each worker holds one with RoleWorker.
type Endpoint struct {
	seg  *segment
	role Role
	name string

	// Serializes request goroutines enqueueing to the same ring. The ring
	// is single-producer from the worker's point of view; this keeps the
	// gateway's many request goroutines looking like that one producer.
	enqMu [MaxWorkers]sync.Mutex
}

// NewServer creates the shared region, destroying any orphaned region file
// from a previous crashed run first.
func NewServer(name string) (*Endpoint, error) {
	if name == "" {
		name = DefaultRegionName
	}
	seg, err := createSegment(name)
	if err != nil {
		return nil, err
	}
	return &Endpoint{seg: seg, role: RoleServer, name: name}, nil
}

// NewWorker attaches to an existing region created by the gateway.
func NewWorker(name string, index int) (*Endpoint, error) {
	if name == "" {
		name = DefaultRegionName
	}
	if index < 0 || index >= MaxWorkers {
		return nil, fmt.Errorf("worker index %d out of range [0,%d)", index, MaxWorkers)
	}
	seg, err := openSegment(name)
	if err != nil {
		return nil, err
	}
	return &Endpoint{seg: seg, role: RoleWorker, name: name}, nil
}

// Close detaches from the region. The server additionally unlinks the name so
// nothing survives a clean shutdown.
func (e *Endpoint) Close() error {
	if e.seg == nil {
		return nil
	}
	err := e.seg.close()
	if e.role == RoleServer {
		if uerr := e.seg.unlink(); uerr != nil && err == nil {
			err = uerr
		}
	}
	e.seg = nil
	return err
}

// Name returns the region name this endpoint is attached to.
func (e *Endpoint) Name() string { return e.name }

// Enqueue places a request on worker w's ring and returns the allocated task
// id. Blocks while the ring is full. Payloads of ChunkSize bytes or more are
// rejected with ErrTooLarge before any slot is touched.
func (e *Endpoint) Enqueue(ctx context.Context, w int, payload []byte) (uint64, error) {
	if err := checkWorkerIndex(w); err != nil {
		return 0, err
	}
	if len(payload) > MaxPayload {
		return 0, ErrTooLarge
	}
	r := e.seg.region
	ring := &r.rings[w]

	for {
		if r.shutdownRequested() {
			return 0, ErrShutdown
		}
		err := ring.reqSpace.waitTimeout(shutdownPoll)
		if err == nil {
			break
		}
		if err != ErrTimeout {
			return 0, err
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
	}

	e.enqMu[w].Lock()
	defer e.enqMu[w].Unlock()

	taskID := r.nextTaskID()

	head := atomic.LoadUint64(&ring.head)
	slot := &ring.slots[head&(RingCap-1)]
	slot.taskID = taskID
	slot.length = uint32(len(payload))
	atomic.StoreUint32(&slot.canceled, 0)
	copy(slot.data[:], payload)
	slot.data[len(payload)] = 0

	// Publish: the head store is the release the worker's slot read pairs
	// with; the semaphore post is the wake.
	atomic.StoreUint64(&ring.head, head+1)
	ring.reqItems.post()

	return taskID, nil
}

// Dequeue removes the next request from worker w's ring, blocking until one
// arrives, the context is canceled, or shutdown is requested. Interrupted
// kernel waits are retried transparently.
func (e *Endpoint) Dequeue(ctx context.Context, w int) (*Request, error) {
	if err := checkWorkerIndex(w); err != nil {
		return nil, err
	}
	r := e.seg.region
	ring := &r.rings[w]

	for {
		if r.shutdownRequested() {
			return nil, ErrShutdown
		}
		err := ring.reqItems.waitTimeout(shutdownPoll)
		if err == nil {
			break
		}
		if err != ErrTimeout {
			return nil, err
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
	}
	// Shutdown posts req_items once per worker; re-check after the wake.
	if r.shutdownRequested() {
		return nil, ErrShutdown
	}

	tail := atomic.AddUint64(&ring.tail, 1) - 1
	slot := &ring.slots[tail&(RingCap-1)]

	req := &Request{
		TaskID:   slot.taskID,
		Payload:  make([]byte, slot.length),
		Canceled: atomic.LoadUint32(&slot.canceled) != 0,
	}
	copy(req.Payload, slot.data[:slot.length])
	return req, nil
}

// SendChunk publishes one response chunk for taskID in worker w's mailbox.
// Blocks until the gateway has consumed the previous chunk.
func (e *Endpoint) SendChunk(ctx context.Context, w int, taskID uint64, payload []byte, last bool) error {
	if err := checkWorkerIndex(w); err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return ErrTooLarge
	}
	r := e.seg.region
	box := &r.boxes[w]

	for {
		err := box.respConsumed.waitTimeout(shutdownPoll)
		if err == nil {
			break
		}
		if err != ErrTimeout {
			return err
		}
		// The gateway stops draining once shutdown begins; give up rather
		// than park the worker forever.
		if r.shutdownRequested() {
			return ErrShutdown
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	slot := &box.slot
	slot.length = uint32(len(payload))
	if last {
		slot.isLast = 1
	} else {
		slot.isLast = 0
	}
	copy(slot.data[:], payload)
	slot.data[len(payload)] = 0
	// The taskID store is the release the reader's acquire load pairs with;
	// it must come after the payload writes.
	atomic.StoreUint64(&slot.taskID, taskID)

	box.resp.post()
	return nil
}

// WaitChunk blocks until the chunk for taskID is readable in worker w's
// mailbox and returns its payload and is_last flag.
//
// If the mailbox holds a chunk for a different task, the resp signal is
// re-posted so the waiter that owns it can claim it, and this caller yields
// briefly before retrying. That handoff is what lets multiple concurrent
// tasks multiplexed onto one worker share a single mailbox.
//
// onIdle, if non-nil, is invoked on every keep-alive tick while nothing has
// arrived; returning false aborts the wait with ErrDisconnected. maxWait
// bounds the total time without a matching chunk so a crashed worker cannot
// park the caller forever.
func (e *Endpoint) WaitChunk(w int, taskID uint64, onIdle func() bool, maxWait time.Duration) ([]byte, bool, error) {
	if err := checkWorkerIndex(w); err != nil {
		return nil, false, err
	}
	r := e.seg.region
	box := &r.boxes[w]

	deadline := time.Now().Add(maxWait)
	for {
		err := box.resp.waitTimeout(time.Second)
		if err == ErrTimeout {
			if r.shutdownRequested() {
				return nil, false, ErrShutdown
			}
			if time.Now().After(deadline) {
				return nil, false, ErrTimeout
			}
			if onIdle != nil && !onIdle() {
				return nil, false, ErrDisconnected
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}

		slot := &box.slot
		if got := atomic.LoadUint64(&slot.taskID); got != taskID {
			// Not ours: hand the signal back and get out of the way.
			box.resp.post()
			time.Sleep(mismatchYield)
			if time.Now().After(deadline) {
				return nil, false, ErrTimeout
			}
			continue
		}

		payload := make([]byte, slot.length)
		copy(payload, slot.data[:slot.length])
		last := slot.isLast != 0
		box.respConsumed.post()
		return payload, last, nil
	}
}

// RecvChunk reads whichever chunk is next in worker w's mailbox, regardless
// of task, and frees the mailbox. This is the demux primitive the dispatcher
// pumps; routing by task id happens on the gateway side.
func (e *Endpoint) RecvChunk(w int, timeout time.Duration) (Chunk, error) {
	if err := checkWorkerIndex(w); err != nil {
		return Chunk{}, err
	}
	r := e.seg.region
	box := &r.boxes[w]

	if err := box.resp.waitTimeout(timeout); err != nil {
		if err == ErrTimeout && r.shutdownRequested() {
			return Chunk{}, ErrShutdown
		}
		return Chunk{}, err
	}

	slot := &box.slot
	c := Chunk{
		TaskID:  atomic.LoadUint64(&slot.taskID),
		Payload: make([]byte, slot.length),
		Last:    slot.isLast != 0,
	}
	copy(c.Payload, slot.data[:slot.length])
	box.respConsumed.post()
	return c, nil
}

// SignalRequestHandled returns one ring slot's worth of space on worker w.
// Workers call it exactly once per successful dequeue, whatever the outcome
// of the task.
func (e *Endpoint) SignalRequestHandled(w int) {
	if checkWorkerIndex(w) != nil {
		return
	}
	e.seg.region.rings[w].reqSpace.post()
}

// RequestShutdown flips the shared shutdown flag and wakes every worker
// blocked in Dequeue with one post each.
func (e *Endpoint) RequestShutdown() {
	r := e.seg.region
	r.requestShutdown()
	for w := range r.rings {
		r.rings[w].reqItems.post()
	}
}

// ShutdownRequested reports the shared shutdown flag.
func (e *Endpoint) ShutdownRequested() bool {
	return e.seg.region.shutdownRequested()
}

// Cancel marks the not-yet-dequeued request with taskID on worker w's ring as
// canceled. Best effort: the scan takes no lock, so a request dequeued
// concurrently may be missed. Reports whether a slot was flagged.
func (e *Endpoint) Cancel(w int, taskID uint64) bool {
	if checkWorkerIndex(w) != nil {
		return false
	}
	ring := &e.seg.region.rings[w]
	tail := atomic.LoadUint64(&ring.tail)
	head := atomic.LoadUint64(&ring.head)
	for i := tail; i != head; i++ {
		slot := &ring.slots[i&(RingCap-1)]
		if slot.taskID == taskID {
			atomic.StoreUint32(&slot.canceled, 1)
			return true
		}
	}
	return false
}

// QueueDepth returns the number of requests waiting on worker w's ring, read
// from the req_items counter. Advisory; used for least-loaded assignment.
func (e *Endpoint) QueueDepth(w int) int {
	if checkWorkerIndex(w) != nil {
		return 0
	}
	return e.seg.region.rings[w].reqItems.value()
}

// Occupancy returns head-tail for worker w's ring.
func (e *Endpoint) Occupancy(w int) uint64 {
	if checkWorkerIndex(w) != nil {
		return 0
	}
	return e.seg.region.rings[w].occupancy()
}

// PostReady is the worker's spawn-readiness probe: called once after the
// region is attached, before the first Dequeue.
func (e *Endpoint) PostReady(w int) {
	if checkWorkerIndex(w) != nil {
		return
	}
	e.seg.region.rings[w].ready.post()
}

// WaitReady blocks until worker w has posted its readiness probe or the
// timeout expires.
func (e *Endpoint) WaitReady(w int, timeout time.Duration) error {
	if err := checkWorkerIndex(w); err != nil {
		return err
	}
	return e.seg.region.rings[w].ready.waitTimeout(timeout)
}

func checkWorkerIndex(w int) error {
	if w < 0 || w >= MaxWorkers {
		return fmt.Errorf("worker index %d out of range [0,%d)", w, MaxWorkers)
	}
	return nil
}
