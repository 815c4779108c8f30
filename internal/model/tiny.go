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

package model

import "hash/fnv"

// eosID matches the tokenizer's end-of-sequence id.
const eosID = 3

// minTokensBeforeEOS keeps short generations from ending prematurely; the
// generator only considers emitting EOS once a sequence is this long.
const minTokensBeforeEOS = 40

// tinyVocab is a compact story vocabulary. Index 3 is reserved for EOS.
var tinyVocab = []string{
	"the", "a", "and", "<eos>", "little", "big", "happy", "sad",
	"dog", "cat", "bird", "tree", "house", "garden", "river", "sun",
	"moon", "star", "friend", "mother", "father", "child", "day", "night",
	"ran", "walked", "jumped", "played", "smiled", "laughed", "looked", "found",
	"saw", "said", "went", "came", "wanted", "loved", "helped", "made",
	"to", "in", "on", "with", "was", "is", "very", "so",
	"then", "one", "they", "she", "he", "it", "her", "his",
	"home", "away", "again", "together", "slowly", "quickly", "quietly", "everywhere",
}

// TinyLM is a deterministic stand-in for the transformer: the token stream is
// a pure function of the prompt and the running sequence, so re-running the
// same prompt reproduces the same stream exactly. It exercises the full
// dispatch fabric without model weights on disk.
type TinyLM struct {
	state uint64
	steps int
}

// NewTinyLM returns an uninitialized model; call Init before generating.
func NewTinyLM() *TinyLM {
	return &TinyLM{}
}

// Init seeds the generator state from the prompt and resets the step count.
func (m *TinyLM) Init(prompt string) {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	m.state = h.Sum64() | 1
	m.steps = 0
}

// NextToken advances the sequence by one token.
func (m *TinyLM) NextToken(prev int) int {
	if prev != Start {
		m.state ^= uint64(prev+1) * 0x9e3779b97f4a7c15
	}
	// Splitmix-style step keeps successive draws decorrelated.
	m.state = m.state*6364136223846793005 + 1442695040888963407
	m.steps++

	draw := m.state >> 33
	if m.steps > minTokensBeforeEOS && draw%7 == 0 {
		return eosID
	}

	id := int(draw % uint64(len(tinyVocab)))
	if id == eosID {
		id++
	}
	return id
}

// Decode renders a token id with a leading space so chunks concatenate into
// readable text. Unknown ids decode to an empty string.
func (m *TinyLM) Decode(id int) string {
	if id < 0 || id >= len(tinyVocab) || id == eosID {
		return ""
	}
	return " " + tinyVocab[id]
}

// EOS returns the end-of-sequence token id.
func (m *TinyLM) EOS() int {
	return eosID
}
