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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	payload := []byte("12\x01once upon a time")
	taskID, err := srv.Enqueue(context.Background(), 0, payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if taskID != 1 {
		t.Fatalf("first task id = %d, want 1", taskID)
	}

	req, err := wk.Dequeue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if req.TaskID != taskID {
		t.Fatalf("dequeued task id = %d, want %d", req.TaskID, taskID)
	}
	if !bytes.Equal(req.Payload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", req.Payload, payload)
	}
	if req.Canceled {
		t.Fatal("fresh request reports canceled")
	}
}

func TestTaskIDsStrictlyIncreasing(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)
	_ = attachWorker(t, srv, 1)

	var last uint64
	for i := 0; i < 10; i++ {
		w := i % 2
		id, err := srv.Enqueue(context.Background(), w, []byte("x"))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		if id <= last {
			t.Fatalf("task id %d not greater than previous %d", id, last)
		}
		last = id
	}

	// Drain worker 0's half so cleanup is not racing queued items.
	for i := 0; i < 5; i++ {
		if _, err := wk.Dequeue(context.Background(), 0); err != nil {
			t.Fatalf("drain Dequeue failed: %v", err)
		}
		wk.SignalRequestHandled(0)
	}
}

func TestEnqueuePayloadBoundary(t *testing.T) {
	srv := newTestServer(t)

	// One byte under the slot size fits.
	ok := make([]byte, ChunkSize-1)
	if _, err := srv.Enqueue(context.Background(), 0, ok); err != nil {
		t.Fatalf("Enqueue of %d bytes failed: %v", len(ok), err)
	}

	// Exactly the slot size is an overflow.
	over := make([]byte, ChunkSize)
	if _, err := srv.Enqueue(context.Background(), 0, over); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Enqueue of %d bytes = %v, want ErrTooLarge", len(over), err)
	}
}

func TestEnqueueBlocksWhenRingFull(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	for i := 0; i < RingCap; i++ {
		if _, err := srv.Enqueue(context.Background(), 0, []byte("fill")); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if got := srv.Occupancy(0); got != RingCap {
		t.Fatalf("occupancy after filling = %d, want %d", got, RingCap)
	}

	// The CAP+1'th enqueue must block until a worker signals completion.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := srv.Enqueue(ctx, 0, []byte("overflow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue on full ring = %v, want context.DeadlineExceeded", err)
	}

	// One dequeue+handled frees exactly one slot.
	if _, err := wk.Dequeue(context.Background(), 0); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	wk.SignalRequestHandled(0)

	if _, err := srv.Enqueue(context.Background(), 0, []byte("fits now")); err != nil {
		t.Fatalf("Enqueue after space freed failed: %v", err)
	}
	if got := srv.Occupancy(0); got > RingCap {
		t.Fatalf("occupancy %d exceeds ring capacity %d", got, RingCap)
	}
}

func TestDequeueObservesShutdown(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	done := make(chan error, 1)
	go func() {
		_, err := wk.Dequeue(context.Background(), 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the worker park
	srv.RequestShutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("Dequeue after shutdown = %v, want ErrShutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not wake blocked Dequeue")
	}
}

func TestShutdownWakesAllWorkers(t *testing.T) {
	srv := newTestServer(t)

	const workers = 4
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wk := attachWorker(t, srv, w)
		go func(wk *Endpoint, w int) {
			_, err := wk.Dequeue(context.Background(), w)
			done <- err
		}(wk, w)
	}

	time.Sleep(50 * time.Millisecond)
	srv.RequestShutdown()

	for i := 0; i < workers; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrShutdown) {
				t.Fatalf("worker wake %d = %v, want ErrShutdown", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d workers woke after shutdown", i, workers)
		}
	}
}

func TestSendChunkWaitChunkOrdering(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	taskID, err := srv.Enqueue(context.Background(), 0, []byte("3\x01hi"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	want := [][]byte{[]byte(" once"), []byte(" upon"), []byte(" a")}
	go func() {
		req, err := wk.Dequeue(context.Background(), 0)
		if err != nil {
			return
		}
		for i, p := range want {
			last := i == len(want)-1
			if err := wk.SendChunk(context.Background(), 0, req.TaskID, p, last); err != nil {
				return
			}
		}
		wk.SignalRequestHandled(0)
	}()

	for i, wantChunk := range want {
		got, last, err := srv.WaitChunk(0, taskID, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("WaitChunk %d failed: %v", i, err)
		}
		if !bytes.Equal(got, wantChunk) {
			t.Fatalf("chunk %d = %q, want %q", i, got, wantChunk)
		}
		wantLast := i == len(want)-1
		if last != wantLast {
			t.Fatalf("chunk %d is_last = %v, want %v", i, last, wantLast)
		}
	}
}

func TestWaitChunkMismatchHandoff(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	idA, err := srv.Enqueue(context.Background(), 0, []byte("a"))
	if err != nil {
		t.Fatalf("Enqueue A failed: %v", err)
	}
	idB, err := srv.Enqueue(context.Background(), 0, []byte("b"))
	if err != nil {
		t.Fatalf("Enqueue B failed: %v", err)
	}

	// Serve both tasks back to back; each gets a single final chunk.
	go func() {
		for i := 0; i < 2; i++ {
			req, err := wk.Dequeue(context.Background(), 0)
			if err != nil {
				return
			}
			if err := wk.SendChunk(context.Background(), 0, req.TaskID, req.Payload, true); err != nil {
				return
			}
			wk.SignalRequestHandled(0)
		}
	}()

	// Two concurrent waiters share the one mailbox. Whichever grabs the
	// other task's chunk must re-post it instead of swallowing it, so both
	// complete with their own payload.
	type result struct {
		payload []byte
		err     error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		p, _, err := srv.WaitChunk(0, idB, nil, 5*time.Second)
		resB <- result{p, err}
	}()
	go func() {
		p, _, err := srv.WaitChunk(0, idA, nil, 5*time.Second)
		resA <- result{p, err}
	}()

	for _, tc := range []struct {
		name string
		ch   chan result
		want []byte
	}{
		{"A", resA, []byte("a")},
		{"B", resB, []byte("b")},
	} {
		select {
		case r := <-tc.ch:
			if r.err != nil {
				t.Fatalf("WaitChunk %s failed: %v", tc.name, r.err)
			}
			if !bytes.Equal(r.payload, tc.want) {
				t.Fatalf("chunk %s = %q, want %q", tc.name, r.payload, tc.want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("WaitChunk %s never completed", tc.name)
		}
	}
}

func TestWaitChunkKeepAliveAndDisconnect(t *testing.T) {
	srv := newTestServer(t)

	ticks := 0
	_, _, err := srv.WaitChunk(0, 42, func() bool {
		ticks++
		return ticks < 2 // report disconnect on the second tick
	}, time.Minute)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("WaitChunk with dead client = %v, want ErrDisconnected", err)
	}
	if ticks != 2 {
		t.Fatalf("keep-alive ticks = %d, want 2", ticks)
	}
}

func TestWaitChunkTimesOutOnSilentWorker(t *testing.T) {
	srv := newTestServer(t)

	start := time.Now()
	_, _, err := srv.WaitChunk(0, 7, nil, 1500*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitChunk on silent worker = %v, want ErrTimeout", err)
	}
	if time.Since(start) < time.Second {
		t.Fatal("WaitChunk gave up before its bounded wait elapsed")
	}
}

func TestRecvChunkDemux(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 2)

	id, err := srv.Enqueue(context.Background(), 2, []byte("0\x01"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	go func() {
		req, err := wk.Dequeue(context.Background(), 2)
		if err != nil {
			return
		}
		wk.SendChunk(context.Background(), 2, req.TaskID, nil, true)
		wk.SignalRequestHandled(2)
	}()

	c, err := srv.RecvChunk(2, 5*time.Second)
	if err != nil {
		t.Fatalf("RecvChunk failed: %v", err)
	}
	if c.TaskID != id {
		t.Fatalf("RecvChunk task id = %d, want %d", c.TaskID, id)
	}
	if !c.Last || len(c.Payload) != 0 {
		t.Fatalf("RecvChunk = (%q, last=%v), want empty final chunk", c.Payload, c.Last)
	}

	if _, err := srv.RecvChunk(2, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("RecvChunk on empty mailbox = %v, want ErrTimeout", err)
	}
}

func TestCancelPendingRequest(t *testing.T) {
	srv := newTestServer(t)
	wk := attachWorker(t, srv, 0)

	id, err := srv.Enqueue(context.Background(), 0, []byte("cancel me"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !srv.Cancel(0, id) {
		t.Fatal("Cancel did not find the pending request")
	}

	req, err := wk.Dequeue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !req.Canceled {
		t.Fatal("dequeued request does not carry the canceled flag")
	}

	// Cancel of an unknown task is a no-op.
	if srv.Cancel(0, id+1000) {
		t.Fatal("Cancel flagged a nonexistent task")
	}
}

func TestStaleRegionReplacedOnStartup(t *testing.T) {
	name := fmt.Sprintf("/inference_shm_test_stale_%d", time.Now().UnixNano())
	defer RemoveRegion(name)

	// Simulate the leftovers of a crashed run: a garbage file under the
	// region's name.
	path := segmentPath(name)
	if err := os.WriteFile(path, []byte("stale garbage"), 0600); err != nil {
		t.Fatalf("failed to plant stale file: %v", err)
	}

	srv, err := NewServer(name)
	if err != nil {
		t.Fatalf("NewServer with stale region present failed: %v", err)
	}
	defer srv.Close()

	// A worker must see a valid, freshly initialized region.
	wk, err := NewWorker(name, 0)
	if err != nil {
		t.Fatalf("NewWorker after stale replacement failed: %v", err)
	}
	wk.Close()
}

func TestCleanShutdownLeavesNoNames(t *testing.T) {
	name := fmt.Sprintf("/inference_shm_test_clean_%d", time.Now().UnixNano())

	srv, err := NewServer(name)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if !RegionExists(name) {
		t.Fatal("region file missing while server is up")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if RegionExists(name) {
		t.Fatal("region file survived a clean shutdown")
	}
}

func TestWorkerCannotAttachWithoutServer(t *testing.T) {
	name := fmt.Sprintf("/inference_shm_test_orphan_%d", time.Now().UnixNano())
	RemoveRegion(name)

	if _, err := NewWorker(name, 0); err == nil {
		t.Fatal("NewWorker succeeded with no region present")
	}
	if _, err := NewWorker(DefaultRegionName, MaxWorkers); err == nil {
		t.Fatal("NewWorker accepted an out-of-range index")
	}
}
