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

// Package httpserver is the HTTP front end over the dispatcher: it parses
// generation requests, streams the dispatcher's JSON chunk objects to the
// client with chunked transfer encoding, and reports client disconnects back
// through the chunk callback.
package httpserver

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/semaphore"
)

// Processor is the dispatcher surface this front end drives.
type Processor interface {
	Process(onChunk func([]byte) bool, message string, maxTokens int)
}

// processRequest is the wire format of POST /process.
type processRequest struct {
	Message   string `json:"message"`
	MaxTokens int    `json:"max_tokens"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server adapts HTTP handlers onto a Processor, bounding concurrent
// generations with a weighted semaphore.
type Server struct {
	proc     Processor
	inflight *semaphore.Weighted
	log      zerolog.Logger
}

// New builds a server allowing at most maxConcurrent generations in flight.
func New(proc Processor, maxConcurrent int64, log zerolog.Logger) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Server{
		proc:     proc,
		inflight: semaphore.NewWeighted(maxConcurrent),
		log:      log.With().Str("component", "http").Logger(),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, _ := sonnet.Marshal(map[string]string{"status": "ok"})
	w.Write(body)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !s.inflight.TryAcquire(1) {
		s.writeError(w, http.StatusServiceUnavailable, "server busy")
		return
	}
	defer s.inflight.Release(1)

	var req processRequest
	if err := sonnet.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "missing message field")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	onChunk := func(b []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		if len(b) == 0 {
			// Keep-alive probe: report liveness without emitting bytes.
			return true
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	s.log.Debug().Int("max_tokens", req.MaxTokens).Msg("generation request")
	s.proc.Process(onChunk, req.Message, req.MaxTokens)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body, _ := sonnet.Marshal(errorBody{Error: msg})
	w.Write(body)
}
