package engine

import (
	"fmt"

	"github.com/statestream/statestream/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// TerminalStateSet configures which states close an object, per service and
// object type.
type TerminalStateSet struct {
	ServiceID  string   `json:"serviceId"`
	ObjectType string   `json:"objectType"`
	States     []string `json:"states"`
}

// Config holds the immutable counter/inference/terminal configuration. It
// implements DefinitionSource and TerminalStateResolver.
type Config struct {
	countersByObjectType map[string][]datamodel.CounterDefinition
	terminalStates       map[string]map[string]struct{}
	rules                []datamodel.InferenceRule

	MaxFromStates int
	MaxSeenStates int
	SweepLimit    int
}

// LoadConfig reads the engine configuration from the environment:
//
//	TRANSITION_COUNTERS - JSON array of counter definitions
//	TERMINAL_STATES     - JSON array of terminal state sets
//	INFERENCE_RULES     - JSON array of inference rules
//	MAX_FROM_STATES     - fan-out guardrail (default 16)
//	MAX_SEEN_STATES     - seen-state guardrail (default 64)
//	SWEEP_LIMIT         - candidates per rule per sweep (default 500)
func LoadConfig() (*Config, error) {
	var counters []datamodel.CounterDefinition
	if err := env.GetAsType("TRANSITION_COUNTERS", &counters, true, []datamodel.CounterDefinition{}); err != nil {
		return nil, err
	}
	var terminal []TerminalStateSet
	if err := env.GetAsType("TERMINAL_STATES", &terminal, true, []TerminalStateSet{}); err != nil {
		return nil, err
	}
	var rules []datamodel.InferenceRule
	if err := env.GetAsType("INFERENCE_RULES", &rules, false, []datamodel.InferenceRule{}); err != nil {
		return nil, err
	}
	maxFromStates, err := env.GetAsInt("MAX_FROM_STATES", false, 16)
	if err != nil {
		return nil, err
	}
	maxSeenStates, err := env.GetAsInt("MAX_SEEN_STATES", false, 64)
	if err != nil {
		return nil, err
	}
	sweepLimit, err := env.GetAsInt("SWEEP_LIMIT", false, 500)
	if err != nil {
		return nil, err
	}

	cfg, err := NewConfig(counters, terminal, rules, maxFromStates, maxSeenStates)
	if err != nil {
		return nil, err
	}
	cfg.SweepLimit = sweepLimit
	zap.S().Infof(
		"Loaded %d counters, %d terminal state sets, %d inference rules",
		len(counters), len(terminal), len(rules))
	return cfg, nil
}

// NewConfig validates and indexes configuration. SUBSET counters with no
// fromStates are accepted here and rejected at evaluation time, so one bad
// counter cannot keep the whole service from starting.
func NewConfig(
	counters []datamodel.CounterDefinition,
	terminal []TerminalStateSet,
	rules []datamodel.InferenceRule,
	maxFromStates, maxSeenStates int,
) (*Config, error) {
	cfg := &Config{
		countersByObjectType: make(map[string][]datamodel.CounterDefinition),
		terminalStates:       make(map[string]map[string]struct{}),
		rules:                rules,
		MaxFromStates:        maxFromStates,
		MaxSeenStates:        maxSeenStates,
		SweepLimit:           500,
	}

	for _, c := range counters {
		if _, ok := datamodel.ParseFromMode(c.FromMode); !ok {
			return nil, fmt.Errorf("counter %s: unknown fromMode %q", c.Name, c.FromMode)
		}
		cfg.countersByObjectType[c.ObjectType] = append(cfg.countersByObjectType[c.ObjectType], c)
	}

	for _, t := range terminal {
		key := terminalKey(t.ServiceID, t.ObjectType)
		set, ok := cfg.terminalStates[key]
		if !ok {
			set = make(map[string]struct{}, len(t.States))
			cfg.terminalStates[key] = set
		}
		for _, s := range t.States {
			set[s] = struct{}{}
		}
	}

	for _, r := range rules {
		if r.IdleForSeconds <= 0 {
			return nil, fmt.Errorf("inference rule %s: idleForSeconds must be positive", r.RuleID)
		}
		if r.EmitState == "" {
			return nil, fmt.Errorf("inference rule %s: emitState must be set", r.RuleID)
		}
	}

	return cfg, nil
}

func terminalKey(serviceID, objectType string) string {
	return serviceID + "*" + objectType
}

// CountersFor returns the counter definitions for an object type.
func (c *Config) CountersFor(objectType string) []datamodel.CounterDefinition {
	return c.countersByObjectType[objectType]
}

// IsTerminal reports whether the state closes objects of the given type.
func (c *Config) IsTerminal(serviceID, objectType, state string) bool {
	set, ok := c.terminalStates[terminalKey(serviceID, objectType)]
	if !ok {
		return false
	}
	_, terminal := set[state]
	return terminal
}

// Rules returns the configured inference rules.
func (c *Config) Rules() []datamodel.InferenceRule {
	return c.rules
}
