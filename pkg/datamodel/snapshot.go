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

import "time"

// SnapshotKey identifies one tracked object attribute.
type SnapshotKey struct {
	ServiceID  string
	ObjectType string
	ObjectID   string
	Attribute  string
}

// Snapshot is the durable per-object cursor: last state, every state seen so far,
// the last event time and the terminal state once one has been observed.
// Snapshots are created on the first event for an object and never deleted, so
// replays and inference eligibility checks always find them.
type Snapshot struct {
	Key           SnapshotKey
	LastState     *string
	SeenStates    *SeenStates
	LastEventTs   time.Time
	TerminalState *string
}

// NewSnapshot returns the cursor for an object that has not produced any event yet.
func NewSnapshot(key SnapshotKey) *Snapshot {
	return &Snapshot{
		Key:        key,
		SeenStates: NewSeenStates(),
	}
}

// Terminal reports whether the object has reached a terminal state.
func (s *Snapshot) Terminal() bool {
	return s.TerminalState != nil
}
