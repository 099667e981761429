package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIfSupersedingNonTerminalState(t *testing.T) {
	h := newHarness(t, abandonCounters(), []datamodel.InferenceRule{abandonRule}, 16, 64)

	handled, err := h.supersede.HandleIfSuperseding(
		context.Background(), testService, "ev-1", time.Now(), testObjectType, "o-1", testAttribute, "IN_PROGRESS")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestHandleIfSupersedingWithoutActiveRecord(t *testing.T) {
	h := newHarness(t, abandonCounters(), []datamodel.InferenceRule{abandonRule}, 16, 64)

	h.evaluate(t, "ev-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "o-1", "CREATED")
	handled, err := h.supersede.HandleIfSuperseding(
		context.Background(), testService, "ev-2", time.Now(), testObjectType, "o-1", testAttribute, "FINISHED")
	require.NoError(t, err)
	assert.False(t, handled)
}

// The worked example: an order seen {CREATED, IN_PROGRESS} goes idle at T, the
// sweep injects ABANDONED at T+1h, a real FINISHED arrives at T+3h. The
// synthetic contribution nets to zero and the real transition is attributed to
// the genuine pre-synthetic history.
func TestSupersedeReversesAndReplaysFromPreSyntheticState(t *testing.T) {
	h := newHarness(t, abandonCounters(), []datamodel.InferenceRule{abandonRule}, 16, 64)

	lastEventTs := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.evaluate(t, "ev-1", lastEventTs.Add(-time.Minute), "o-1", "CREATED")
	h.evaluate(t, "ev-2", lastEventTs, "o-1", "IN_PROGRESS")

	injected, err := h.inference.RunOnce(context.Background(), lastEventTs.Add(2*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, 1, injected)
	syntheticTs := lastEventTs.Add(time.Hour)

	realTs := lastEventTs.Add(3 * time.Hour)
	handled, err := h.supersede.HandleIfSuperseding(
		context.Background(), testService, "ev-real", realTs, testObjectType, "o-1", testAttribute, "FINISHED")
	require.NoError(t, err)
	assert.True(t, handled)

	// Synthetic buckets are driven to net zero at the synthetic timestamp.
	assert.Equal(t, int64(0), h.baseTotal(t, syntheticTs, "reached_abandoned", strPtr("CREATED"), strPtr("ABANDONED")))
	assert.Equal(t, int64(0), h.baseTotal(t, syntheticTs, "reached_abandoned", strPtr("IN_PROGRESS"), strPtr("ABANDONED")))

	// The real transition is posted at the real timestamp from pre-synthetic
	// history; ABANDONED is not among the fromStates.
	assert.Equal(t, int64(1), h.baseTotal(t, realTs, "reached_finished", strPtr("CREATED"), strPtr("FINISHED")))
	assert.Equal(t, int64(1), h.baseTotal(t, realTs, "reached_finished", strPtr("IN_PROGRESS"), strPtr("FINISHED")))
	assert.Equal(t, int64(0), h.baseTotal(t, realTs, "reached_finished", strPtr("ABANDONED"), strPtr("FINISHED")))

	key := datamodel.SnapshotKey{ServiceID: testService, ObjectType: testObjectType, ObjectID: "o-1", Attribute: testAttribute}
	record, err := h.records.Active(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, record)

	snap, err := h.snapshots.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, snap.TerminalState)
	assert.Equal(t, "FINISHED", *snap.TerminalState)

	assert.Equal(t, 1, h.telemetry.superseded)
	assert.Equal(t, 0, h.telemetry.syntheticActive)
}

func TestSupersedeKeepsOpenCountersSuppressed(t *testing.T) {
	counters := append(abandonCounters(), datamodel.CounterDefinition{
		Name: "in_flight", ObjectType: testObjectType, FromMode: "DEFAULT_LAST", UntilTerminal: true,
	})
	h := newHarness(t, counters, []datamodel.InferenceRule{abandonRule}, 16, 64)

	lastEventTs := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.evaluate(t, "ev-1", lastEventTs, "o-1", "CREATED")

	_, err := h.inference.RunOnce(context.Background(), lastEventTs.Add(2*time.Hour), 100)
	require.NoError(t, err)

	realTs := lastEventTs.Add(3 * time.Hour)
	handled, err := h.supersede.HandleIfSuperseding(
		context.Background(), testService, "ev-real", realTs, testObjectType, "o-1", testAttribute, "FINISHED")
	require.NoError(t, err)
	require.True(t, handled)

	// A straggler non-terminal event after the supersede must not resume the
	// open counter.
	lateTs := lastEventTs.Add(4 * time.Hour)
	h.evaluate(t, "ev-late", lateTs, "o-1", "IN_PROGRESS")
	assert.Equal(t, int64(0), h.baseTotal(t, lateTs, "in_flight", strPtr("FINISHED"), nil))
}

// A redelivered real terminal must resume a supersede that won the
// compare-and-set but failed during reversal or replay. Falling through to the
// ordinary evaluation instead would attribute the real transition to the
// discarded synthetic state.
func TestSupersedeResumesAfterPartialFailure(t *testing.T) {
	cases := []struct {
		name       string
		failCommit int
	}{
		{name: "reversal fails", failCommit: 1},
		{name: "replay fails", failCommit: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, abandonCounters(), []datamodel.InferenceRule{abandonRule}, 16, 64)

			lastEventTs := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			h.evaluate(t, "ev-1", lastEventTs.Add(-time.Minute), "o-1", "CREATED")
			h.evaluate(t, "ev-2", lastEventTs, "o-1", "IN_PROGRESS")

			injected, err := h.inference.RunOnce(context.Background(), lastEventTs.Add(2*time.Hour), 100)
			require.NoError(t, err)
			require.Equal(t, 1, injected)
			syntheticTs := lastEventTs.Add(time.Hour)

			// First delivery wins the compare-and-set but dies mid-apply.
			h.postings.failCommit(tc.failCommit, errors.New("connection reset by peer"))
			realTs := lastEventTs.Add(3 * time.Hour)
			handled, err := h.supersede.HandleIfSuperseding(
				context.Background(), testService, "ev-real", realTs, testObjectType, "o-1", testAttribute, "FINISHED")
			require.Error(t, err)
			assert.False(t, handled)

			// The redelivery finds no ACTIVE record and resumes via the
			// SUPERSEDED record it won earlier.
			handled, err = h.supersede.HandleIfSuperseding(
				context.Background(), testService, "ev-real", realTs, testObjectType, "o-1", testAttribute, "FINISHED")
			require.NoError(t, err)
			assert.True(t, handled)

			assert.Equal(t, int64(0), h.baseTotal(t, syntheticTs, "reached_abandoned", strPtr("CREATED"), strPtr("ABANDONED")))
			assert.Equal(t, int64(0), h.baseTotal(t, syntheticTs, "reached_abandoned", strPtr("IN_PROGRESS"), strPtr("ABANDONED")))

			// The real transition fans out from genuine history only; the
			// synthetic state never leaks into the fromStates.
			assert.Equal(t, int64(1), h.baseTotal(t, realTs, "reached_finished", strPtr("CREATED"), strPtr("FINISHED")))
			assert.Equal(t, int64(1), h.baseTotal(t, realTs, "reached_finished", strPtr("IN_PROGRESS"), strPtr("FINISHED")))
			assert.Equal(t, int64(0), h.baseTotal(t, realTs, "reached_finished", strPtr("ABANDONED"), strPtr("FINISHED")))

			snap, err := h.snapshots.Load(context.Background(), datamodel.SnapshotKey{
				ServiceID: testService, ObjectType: testObjectType, ObjectID: "o-1", Attribute: testAttribute,
			})
			require.NoError(t, err)
			require.NotNil(t, snap.TerminalState)
			assert.Equal(t, "FINISHED", *snap.TerminalState)

			assert.Equal(t, 1, h.telemetry.superseded)
			assert.Equal(t, 0, h.telemetry.syntheticActive)
		})
	}
}

func TestConcurrentSupersedeAppliesExactlyOnce(t *testing.T) {
	h := newHarness(t, abandonCounters(), []datamodel.InferenceRule{abandonRule}, 16, 64)

	lastEventTs := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.evaluate(t, "ev-1", lastEventTs.Add(-time.Minute), "o-1", "CREATED")
	h.evaluate(t, "ev-2", lastEventTs, "o-1", "IN_PROGRESS")

	_, err := h.inference.RunOnce(context.Background(), lastEventTs.Add(2*time.Hour), 100)
	require.NoError(t, err)
	syntheticTs := lastEventTs.Add(time.Hour)

	const racers = 8
	realTs := lastEventTs.Add(3 * time.Hour)
	results := make([]bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handled, raceErr := h.supersede.HandleIfSuperseding(
				context.Background(), testService, "ev-real", realTs, testObjectType, "o-1", testAttribute, "FINISHED")
			assert.NoError(t, raceErr)
			results[i] = handled
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, handled := range results {
		if handled {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	// One reversal, one replay, regardless of how many racers there were.
	assert.Equal(t, int64(0), h.baseTotal(t, syntheticTs, "reached_abandoned", strPtr("CREATED"), strPtr("ABANDONED")))
	assert.Equal(t, int64(1), h.baseTotal(t, realTs, "reached_finished", strPtr("CREATED"), strPtr("FINISHED")))
	assert.Equal(t, 1, h.telemetry.superseded)
}
