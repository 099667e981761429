package engine

import (
	"context"
	"testing"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
	"github.com/stretchr/testify/require"
)

const (
	testService    = "svc-1"
	testObjectType = "order"
	testAttribute  = "status"
)

var testTerminal = []TerminalStateSet{
	{ServiceID: testService, ObjectType: testObjectType, States: []string{"FINISHED", "CANCELLED", "ABANDONED"}},
}

type harness struct {
	codec      *memCodec
	snapshots  *memSnapshots
	postings   *memPostings
	records    *memRecords
	telemetry  *recordingTelemetry
	cfg        *Config
	postingSvc *PostingService
	evaluator  *Evaluator
	inference  *InferenceService
	supersede  *SupersedeService
}

func newHarness(t *testing.T, counters []datamodel.CounterDefinition, rules []datamodel.InferenceRule, maxFromStates, maxSeenStates int) *harness {
	t.Helper()
	cfg, err := NewConfig(counters, testTerminal, rules, maxFromStates, maxSeenStates)
	require.NoError(t, err)

	h := &harness{
		codec:     newMemCodec(),
		snapshots: newMemSnapshots(),
		postings:  newMemPostings(),
		telemetry: &recordingTelemetry{},
		cfg:       cfg,
	}
	h.records = newMemRecords(h.snapshots)
	h.postingSvc = NewPostingService(h.postings, nil)
	h.evaluator = NewEvaluator(h.codec, h.snapshots, cfg, cfg, h.postingSvc, h.telemetry, maxFromStates, maxSeenStates)
	h.inference = NewInferenceService(cfg.Rules(), &memCandidates{snapshots: h.snapshots}, h.records, h.evaluator, h.telemetry)
	h.supersede = NewSupersedeService(cfg, h.records, h.postingSvc, h.evaluator, h.telemetry)
	return h
}

func (h *harness) evaluate(t *testing.T, eventID string, ts time.Time, objectID, state string) {
	t.Helper()
	err := h.evaluator.Evaluate(context.Background(), &Evaluation{
		ServiceID:  testService,
		EventID:    eventID,
		EventTs:    ts,
		ObjectType: testObjectType,
		ObjectID:   objectID,
		Attribute:  testAttribute,
		NewState:   state,
	})
	require.NoError(t, err)
}

func (h *harness) baseTotal(t *testing.T, ts time.Time, counterName string, fromState, toState *string) int64 {
	t.Helper()
	return h.postings.total(5*time.Second, ts.UTC().Truncate(5*time.Second), datamodel.MetricKey{
		ServiceID:   testService,
		ObjectType:  testObjectType,
		Attribute:   testAttribute,
		CounterName: counterName,
		FromState:   fromState,
		ToState:     toState,
	})
}

func strPtr(s string) *string {
	return &s
}
