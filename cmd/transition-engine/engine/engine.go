// Package engine holds the transition counter core: the evaluator state machine,
// the idempotent posting service, the idle-timeout inference sweep and the
// synthetic supersede reconciliation. Persistence is reached exclusively through
// the repository interfaces below, so the core stays testable without a database.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
)

var (
	// ErrObjectBusy is returned when the per-object lock could not be acquired.
	// The event is unprocessed and safe to retry.
	ErrObjectBusy = errors.New("object is locked by a concurrent evaluation")
)

// StateCodec maps state names to small dense integers and back, scoped per
// (serviceId, objectType, attribute). The integers index bits in SeenStates.
type StateCodec interface {
	Encode(ctx context.Context, serviceID, objectType, attribute, state string) (uint32, error)
	Decode(ctx context.Context, serviceID, objectType, attribute string, id uint32) (string, error)
}

// SnapshotStore persists per-object cursors. Load returns (nil, nil) when no
// snapshot exists yet.
type SnapshotStore interface {
	Load(ctx context.Context, key datamodel.SnapshotKey) (*datamodel.Snapshot, error)
	Save(ctx context.Context, snapshot *datamodel.Snapshot) error
}

// TerminalStateResolver answers whether a state closes an object.
type TerminalStateResolver interface {
	IsTerminal(serviceID, objectType, state string) bool
}

// DefinitionSource supplies the counter definitions for an object type.
type DefinitionSource interface {
	CountersFor(objectType string) []datamodel.CounterDefinition
}

// PendingPosting is one posting together with the rollup rows it cascades into.
type PendingPosting struct {
	datamodel.Posting
	Rows []datamodel.RollupRow
}

// PostingRepository commits postings exactly once. For every posting whose id has
// not been consumed yet it writes the rollup rows and marks the id consumed, all
// inside one transaction; postings with already-consumed ids are skipped. Safe
// under concurrent duplicate submission.
type PostingRepository interface {
	CommitNew(ctx context.Context, postings []PendingPosting) (accepted int, err error)
}

// SyntheticRecordRepository persists synthetic terminal records and their
// footprints. InsertIfEligible and Supersede are compare-and-set operations.
type SyntheticRecordRepository interface {
	// InsertIfEligible inserts the record only if the object's snapshot still has
	// exactly expectedLastEventTs, guarding against a concurrently arriving real
	// event. Returns false (no error) when the guard or a duplicate id rejects it.
	InsertIfEligible(ctx context.Context, record *datamodel.SyntheticTerminalRecord, expectedLastEventTs time.Time) (bool, error)

	// Active returns the ACTIVE record for the object, or (nil, nil).
	Active(ctx context.Context, key datamodel.SnapshotKey) (*datamodel.SyntheticTerminalRecord, error)

	// Supersede flips ACTIVE -> SUPERSEDED. Returns false when the record was
	// already superseded; exactly one concurrent caller wins.
	Supersede(ctx context.Context, syntheticEventID, supersededByEventID string, at time.Time) (bool, error)

	// SupersededBy returns the SUPERSEDED record whose supersede was won by the
	// given real event, or (nil, nil). Supports resuming a reversal+replay that
	// failed after the compare-and-set had already fired.
	SupersededBy(ctx context.Context, key datamodel.SnapshotKey, supersededByEventID string) (*datamodel.SyntheticTerminalRecord, error)

	// Lookup returns the record with the given synthetic event id, or (nil, nil).
	Lookup(ctx context.Context, syntheticEventID string) (*datamodel.SyntheticTerminalRecord, error)

	// RecordFootprint stores the exact postings made at synthesis time.
	RecordFootprint(ctx context.Context, syntheticEventID string, entries []datamodel.FootprintEntry) error
}

// IdleCandidate is one non-terminal object whose last event is older than an
// inference rule's cutoff.
type IdleCandidate struct {
	Key         datamodel.SnapshotKey
	LastState   *string
	LastEventTs time.Time
}

// InferenceCandidateRepository queries idle objects for the sweep.
type InferenceCandidateRepository interface {
	ListIdle(ctx context.Context, serviceID, objectType, attribute string, cutoff time.Time, limit int) ([]IdleCandidate, error)
}

// Telemetry receives guardrail and lifecycle signals. Implementations must be
// safe for concurrent use.
type Telemetry interface {
	RecordFanoutTruncation(objectType, counterName string, originalSize, truncatedSize int)
	RecordSeenStatesCapExceeded(objectType string)
	RecordSyntheticInjection(objectType, ruleID string)
	RecordSyntheticSuperseded(objectType, ruleID string, timeToSupersede time.Duration)
	AdjustSyntheticActive(objectType string, delta int)
}
