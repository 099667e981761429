// Copyright 2026 Statestream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datamodel

// SeenStates is a bounded bit vector over codec ids of every state one object has
// passed through for one tracked attribute. Bits are never evicted; once Count()
// reaches the configured cap, further additions are dropped.
type SeenStates struct {
	words []uint64
	count int
}

const seenStatesWordBits = 64

// NewSeenStates returns an empty seen-state set.
func NewSeenStates() *SeenStates {
	return &SeenStates{}
}

// SeenStatesFromWords restores a seen-state set from its persisted word form.
func SeenStatesFromWords(words []uint64) *SeenStates {
	s := &SeenStates{words: words}
	for _, w := range words {
		for ; w != 0; w &= w - 1 {
			s.count++
		}
	}
	return s
}

// Words exposes the persisted form. The slice is owned by the set, callers must
// not modify it.
func (s *SeenStates) Words() []uint64 {
	return s.words
}

// Contains reports whether the given codec id has been seen.
func (s *SeenStates) Contains(id uint32) bool {
	word := int(id) / seenStatesWordBits
	if word >= len(s.words) {
		return false
	}
	return s.words[word]&(1<<(uint(id)%seenStatesWordBits)) != 0
}

// Add marks the codec id as seen. Adding an already-set id is a no-op. If the set
// already holds cap distinct states the addition is dropped and Add returns false;
// re-adding an existing id is never counted against the cap.
func (s *SeenStates) Add(id uint32, maxStates int) bool {
	if s.Contains(id) {
		return true
	}
	if s.count >= maxStates {
		return false
	}
	word := int(id) / seenStatesWordBits
	for word >= len(s.words) {
		s.words = append(s.words, 0)
	}
	s.words[word] |= 1 << (uint(id) % seenStatesWordBits)
	s.count++
	return true
}

// Count is the number of distinct states seen.
func (s *SeenStates) Count() int {
	return s.count
}

// IDs returns every seen codec id in ascending order. The ascending order is
// load-bearing: fan-out truncation and posting order rely on it being stable.
func (s *SeenStates) IDs() []uint32 {
	ids := make([]uint32, 0, s.count)
	for word, w := range s.words {
		for bit := 0; bit < seenStatesWordBits; bit++ {
			if w&(1<<uint(bit)) != 0 {
				ids = append(ids, uint32(word*seenStatesWordBits+bit))
			}
		}
	}
	return ids
}

// Clone returns an independent copy.
func (s *SeenStates) Clone() *SeenStates {
	words := make([]uint64, len(s.words))
	copy(words, s.words)
	return &SeenStates{words: words, count: s.count}
}
