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

// FromMode selects which prior state(s) a transition counter attributes a delta to.
type FromMode int

const (
	// FromModeDefaultLast attributes the delta to the snapshot's last observed state
	FromModeDefaultLast FromMode = iota

	// FromModeAnySeen attributes one delta to every state the object has ever been in
	FromModeAnySeen

	// FromModeSubset attributes one delta to every seen state that is also listed
	// in the counter definition's FromStates
	FromModeSubset
)

func (m FromMode) String() string {
	switch m {
	case FromModeDefaultLast:
		return "DEFAULT_LAST"
	case FromModeAnySeen:
		return "ANY_SEEN"
	case FromModeSubset:
		return "SUBSET"
	}
	return "UNKNOWN"
}

// ParseFromMode maps the configuration spelling of a FromMode to its value.
func ParseFromMode(s string) (FromMode, bool) {
	switch s {
	case "DEFAULT_LAST":
		return FromModeDefaultLast, true
	case "ANY_SEEN":
		return FromModeAnySeen, true
	case "SUBSET":
		return FromModeSubset, true
	}
	return FromModeDefaultLast, false
}

// CounterDefinition configures one transition counter. Loaded from configuration,
// immutable afterwards.
//
// ToState == nil defines an "open" counter: it gauges objects that have not yet
// reached a terminal state and stops emitting once one is reached (UntilTerminal).
type CounterDefinition struct {
	Name          string   `json:"name"`
	ObjectType    string   `json:"objectType"`
	ToState       *string  `json:"toState"`
	FromMode      string   `json:"fromMode"`
	FromStates    []string `json:"fromStates"`
	UntilTerminal bool     `json:"untilTerminal"`
}

// InferenceRule configures the idle-timeout sweep for one object type.
type InferenceRule struct {
	RuleID          string `json:"ruleId"`
	ServiceID       string `json:"serviceId"`
	ObjectType      string `json:"objectType"`
	Attribute       string `json:"attribute"`
	NonTerminalOnly bool   `json:"nonTerminalOnly"`
	IdleForSeconds  int64  `json:"idleForSeconds"`
	EmitState       string `json:"emitState"`
	EmitServiceID   string `json:"emitServiceId"`
	Reason          string `json:"reason"`
}

// IdleFor is the idle window after which the rule injects its terminal state.
func (r *InferenceRule) IdleFor() time.Duration {
	return time.Duration(r.IdleForSeconds) * time.Second
}

// MetricKey identifies one rollup series. FromState == nil means "no prior
// observed state"; ToState == nil identifies an open counter series.
type MetricKey struct {
	ServiceID   string
	ObjectType  string
	Attribute   string
	CounterName string
	FromState   *string
	ToState     *string
}

// Posting is one logical delta to one metric key, made idempotent by PostingID.
type Posting struct {
	Key       MetricKey
	Timestamp time.Time
	Delta     int64
	PostingID string
}

// RollupRow is one additive fact aligned to a specific bucket duration.
type RollupRow struct {
	Bucket    time.Duration
	Timestamp time.Time
	Key       MetricKey
	Delta     int64
}

// SyntheticStatus is the lifecycle state of a synthetic terminal record.
type SyntheticStatus string

const (
	SyntheticActive     SyntheticStatus = "ACTIVE"
	SyntheticSuperseded SyntheticStatus = "SUPERSEDED"
)

// FootprintEntry is one counter posting made at synthesis time. The footprint is
// the source of truth for reversal: it captures what was actually posted, it is
// never recomputed.
type FootprintEntry struct {
	CounterName string  `json:"counterName"`
	FromState   *string `json:"fromState"`
	ToState     *string `json:"toState"`
}

// SyntheticTerminalRecord tracks one injected synthetic terminal event.
type SyntheticTerminalRecord struct {
	SyntheticEventID  string
	RuleID            string
	ServiceID         string
	ObjectType        string
	ObjectID          string
	Attribute         string
	EmittedState      string
	EmitServiceID     string
	Reason            string
	SyntheticTs       time.Time
	PreSyntheticState *string
	Status            SyntheticStatus
	SupersededBy      string
	Footprint         []FootprintEntry
}
