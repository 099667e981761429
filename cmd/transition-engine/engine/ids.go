package engine

import (
	"strconv"
	"time"

	"github.com/statestream/statestream/internal"
	"github.com/statestream/statestream/pkg/datamodel"
)

// nilStateMarker stands in for a nil from/to state when deriving ids. State
// names come from configuration and cannot contain NUL.
const nilStateMarker = "\x00"

func stateOrMarker(s *string) string {
	if s == nil {
		return nilStateMarker
	}
	return *s
}

// PostingID derives the idempotency id of one posting. It is a pure function of
// the event id, the metric key, the delta and the timestamp, so a retransmitted
// event derives the same id and replay is exact.
func PostingID(eventID string, key datamodel.MetricKey, delta int64, ts time.Time) string {
	return internal.DeterministicID(
		"posting",
		eventID,
		key.ServiceID,
		key.ObjectType,
		key.Attribute,
		key.CounterName,
		stateOrMarker(key.FromState),
		stateOrMarker(key.ToState),
		strconv.FormatInt(delta, 10),
		strconv.FormatInt(ts.UnixMilli(), 10),
	)
}

// ReversalPostingID derives the id of the -1 posting that cancels one footprint
// entry. It folds in both the synthetic event id and the superseding real event
// id, so it can never collide with the original posting.
func ReversalPostingID(supersededByEventID, syntheticEventID string, key datamodel.MetricKey, ts time.Time) string {
	return internal.DeterministicID(
		"reversal",
		supersededByEventID,
		syntheticEventID,
		key.ServiceID,
		key.ObjectType,
		key.Attribute,
		key.CounterName,
		stateOrMarker(key.FromState),
		stateOrMarker(key.ToState),
		strconv.FormatInt(ts.UnixMilli(), 10),
	)
}

// SyntheticEventID derives the event id of an injected synthetic terminal.
// Re-running the sweep for the same idle window derives the same id, which makes
// repeated sweeps naturally idempotent.
func SyntheticEventID(key datamodel.SnapshotKey, ruleID string, syntheticTs time.Time) string {
	return internal.DeterministicID(
		"synthetic",
		key.ServiceID,
		key.ObjectType,
		key.ObjectID,
		key.Attribute,
		ruleID,
		strconv.FormatInt(syntheticTs.UnixMilli(), 10),
	)
}
