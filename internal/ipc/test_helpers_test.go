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
	"fmt"
	"testing"
	"time"
)

// newTestServer creates a server endpoint on a unique region name and
// registers cleanup so the region never outlives the test.
func newTestServer(t *testing.T) *Endpoint {
	t.Helper()

	name := fmt.Sprintf("/inference_shm_test_%s_%d", sanitize(t.Name()), time.Now().UnixNano())
	RemoveRegion(name)

	srv, err := NewServer(name)
	if err != nil {
		t.Fatalf("failed to create server endpoint: %v", err)
	}

	t.Cleanup(func() {
		srv.Close()
		RemoveRegion(name)
	})
	return srv
}

// attachWorker opens a worker endpoint on the server's region with cleanup.
func attachWorker(t *testing.T, srv *Endpoint, index int) *Endpoint {
	t.Helper()

	wk, err := NewWorker(srv.Name(), index)
	if err != nil {
		t.Fatalf("failed to attach worker endpoint: %v", err)
	}
	t.Cleanup(func() { wk.Close() })
	return wk
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
