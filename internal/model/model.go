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

// Package model defines the inference interface the worker runtime drives,
// plus a small deterministic implementation used by the stock worker binary.
package model

// Start is the sentinel passed to NextToken on the first step, before any
// token has been generated.
const Start = -1

// Model is one autoregressive language model instance. Implementations are
// used by a single goroutine; Init resets all generation state.
type Model interface {
	// Init prepares the model for a new generation seeded with prompt.
	Init(prompt string)

	// NextToken returns the next token id given the previously generated
	// one (Start on the first call).
	NextToken(prev int) int

	// Decode renders one token id as text.
	Decode(id int) string

	// EOS returns the end-of-sequence token id.
	EOS() int
}
