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
	"sync/atomic"
	"time"
)

// sem is a counting semaphore embedded in the shared region. The counter word
// doubles as the futex word, so a post in one process wakes a waiter in
// another with a single syscall. Keeping the semaphores inside the region
// means there are no named /sem_* objects to leak after a crash; cleaning up
// the segment file cleans up everything.
type sem struct {
	v uint32
}

// init sets the initial count. Called only by the gateway's one-time region
// initialization.
func (s *sem) init(n uint32) {
	atomic.StoreUint32(&s.v, n)
}

// post increments the count and wakes one waiter.
func (s *sem) post() {
	atomic.AddUint32(&s.v, 1)
	futexWake(&s.v, 1)
}

// wait decrements the count, blocking while it is zero. Signal interruptions
// are retried transparently.
func (s *sem) wait() error {
	for {
		v := atomic.LoadUint32(&s.v)
		if v > 0 {
			if atomic.CompareAndSwapUint32(&s.v, v, v-1) {
				return nil
			}
			continue // lost the race to another waiter
		}
		if err := futexWait(&s.v, 0); err != nil {
			return err
		}
	}
}

// waitTimeout is wait bounded by d. Returns ErrTimeout if the count stayed
// zero for the whole window.
func (s *sem) waitTimeout(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		v := atomic.LoadUint32(&s.v)
		if v > 0 {
			if atomic.CompareAndSwapUint32(&s.v, v, v-1) {
				return nil
			}
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if err := futexWaitTimeout(&s.v, 0, remaining.Nanoseconds()); err != nil {
			return err
		}
	}
}

// tryWait decrements the count without blocking. Reports whether it did.
func (s *sem) tryWait() bool {
	for {
		v := atomic.LoadUint32(&s.v)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.v, v, v-1) {
			return true
		}
	}
}

// value returns the current count. Advisory only; it may be stale by the time
// the caller acts on it.
func (s *sem) value() int {
	return int(atomic.LoadUint32(&s.v))
}
