package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/statestream/statestream/pkg/datamodel"
	"go.uber.org/zap"
)

// SyntheticContext marks an evaluation as a synthetic terminal injection. The
// exact counter fan-out is captured as the record's footprint, so a later
// supersede can reverse precisely what was posted.
type SyntheticContext struct {
	EventID string
	Records SyntheticRecordRepository
}

// ReplayContext marks an evaluation as the replay of a real event after a
// synthetic terminal has been superseded. PriorState replaces the snapshot's
// last state (which still points at the discarded synthetic state) and
// MaskState is excluded from seen-state fan-out.
type ReplayContext struct {
	PriorState *string
	MaskState  string
}

// Evaluation is one state-change event offered to the evaluator.
type Evaluation struct {
	ServiceID  string
	EventID    string
	EventTs    time.Time
	ObjectType string
	ObjectID   string
	Attribute  string
	NewState   string
	Synthetic  *SyntheticContext
	Replay     *ReplayContext
}

// Evaluator is the counter-emission state machine. For every incoming state it
// decides which counters to increment, posts the deltas idempotently and
// advances the object's snapshot. One evaluation per object runs at a time;
// evaluations for different objects run in parallel.
type Evaluator struct {
	codec       StateCodec
	snapshots   SnapshotStore
	terminals   TerminalStateResolver
	definitions DefinitionSource
	postings    *PostingService
	telemetry   Telemetry
	locks       *mapmutex.Mutex

	maxFromStates int
	maxSeenStates int
}

// NewEvaluator wires an evaluator. maxFromStates bounds fan-out per counter,
// maxSeenStates bounds the per-object seen-state set.
func NewEvaluator(
	codec StateCodec,
	snapshots SnapshotStore,
	terminals TerminalStateResolver,
	definitions DefinitionSource,
	postings *PostingService,
	telemetry Telemetry,
	maxFromStates int,
	maxSeenStates int,
) *Evaluator {
	return &Evaluator{
		codec:         codec,
		snapshots:     snapshots,
		terminals:     terminals,
		definitions:   definitions,
		postings:      postings,
		telemetry:     telemetry,
		locks:         mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		maxFromStates: maxFromStates,
		maxSeenStates: maxSeenStates,
	}
}

// Evaluate runs the state machine for one event. Posting failures are returned
// before the snapshot is advanced, so the caller can retry the whole event;
// posting-id dedup makes the retry safe.
func (e *Evaluator) Evaluate(ctx context.Context, ev *Evaluation) error {
	key := datamodel.SnapshotKey{
		ServiceID:  ev.ServiceID,
		ObjectType: ev.ObjectType,
		ObjectID:   ev.ObjectID,
		Attribute:  ev.Attribute,
	}

	lockKey := fmt.Sprintf("%s*%s*%s*%s", key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute)
	if !e.locks.TryLock(lockKey) {
		return ErrObjectBusy
	}
	defer e.locks.Unlock(lockKey)

	snapshot, err := e.snapshots.Load(ctx, key)
	if err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = datamodel.NewSnapshot(key)
	}

	priorState := snapshot.LastState
	var maskID *uint32
	if ev.Replay != nil {
		priorState = ev.Replay.PriorState
		id, encErr := e.codec.Encode(ctx, key.ServiceID, key.ObjectType, key.Attribute, ev.Replay.MaskState)
		if encErr != nil {
			return encErr
		}
		maskID = &id
	}

	// Same-state repeat: nothing to post, nothing new seen. The event still
	// proves the object is alive, so the idle clock is advanced.
	if priorState != nil && *priorState == ev.NewState {
		snapshot.LastEventTs = ev.EventTs
		return e.snapshots.Save(ctx, snapshot)
	}

	newStateTerminal := e.terminals.IsTerminal(key.ServiceID, key.ObjectType, ev.NewState)

	var postings []datamodel.Posting
	var footprint []datamodel.FootprintEntry
	for _, def := range e.definitions.CountersFor(key.ObjectType) {
		def := def
		emit := false
		var toState *string
		switch {
		case def.ToState != nil:
			emit = ev.NewState == *def.ToState
			toState = def.ToState
		case def.UntilTerminal:
			// Open counter: gauges objects that are still in flight. Once the
			// object is terminal (or this very event closes it) nothing is emitted.
			emit = !snapshot.Terminal() && !newStateTerminal
		default:
			emit = true
		}
		if !emit {
			continue
		}

		fromStates, fanErr := e.fromCandidates(ctx, &def, snapshot, priorState, maskID)
		if fanErr != nil {
			return fanErr
		}
		if len(fromStates) > e.maxFromStates {
			e.telemetry.RecordFanoutTruncation(key.ObjectType, def.Name, len(fromStates), e.maxFromStates)
			zap.S().Warnf(
				"Truncated fan-out for counter %s on %s/%s from %d to %d states",
				def.Name, key.ObjectType, key.ObjectID, len(fromStates), e.maxFromStates)
			fromStates = fromStates[:e.maxFromStates]
		}

		for _, fromState := range fromStates {
			metricKey := datamodel.MetricKey{
				ServiceID:   key.ServiceID,
				ObjectType:  key.ObjectType,
				Attribute:   key.Attribute,
				CounterName: def.Name,
				FromState:   fromState,
				ToState:     toState,
			}
			postings = append(postings, datamodel.Posting{
				Key:       metricKey,
				Timestamp: ev.EventTs,
				Delta:     1,
				PostingID: PostingID(ev.EventID, metricKey, 1, ev.EventTs),
			})
			footprint = append(footprint, datamodel.FootprintEntry{
				CounterName: def.Name,
				FromState:   fromState,
				ToState:     toState,
			})
		}
	}

	if _, err = e.postings.Post(ctx, postings); err != nil {
		return err
	}

	if ev.Synthetic != nil {
		if err = ev.Synthetic.Records.RecordFootprint(ctx, ev.Synthetic.EventID, footprint); err != nil {
			return err
		}
	}

	newStateID, err := e.codec.Encode(ctx, key.ServiceID, key.ObjectType, key.Attribute, ev.NewState)
	if err != nil {
		return err
	}
	if !snapshot.SeenStates.Add(newStateID, e.maxSeenStates) {
		e.telemetry.RecordSeenStatesCapExceeded(key.ObjectType)
		zap.S().Warnf(
			"Seen-state cap %d reached for %s/%s, state %s not recorded",
			e.maxSeenStates, key.ObjectType, key.ObjectID, ev.NewState)
	}
	newState := ev.NewState
	snapshot.LastState = &newState
	snapshot.LastEventTs = ev.EventTs
	if newStateTerminal {
		snapshot.TerminalState = &newState
	}

	return e.snapshots.Save(ctx, snapshot)
}

// fromCandidates computes the fan-out for one counter definition, ordered by
// ascending codec id. The order is fixed across releases so guardrail truncation
// stays replay-deterministic.
func (e *Evaluator) fromCandidates(
	ctx context.Context,
	def *datamodel.CounterDefinition,
	snapshot *datamodel.Snapshot,
	priorState *string,
	maskID *uint32,
) ([]*string, error) {
	mode, ok := datamodel.ParseFromMode(def.FromMode)
	if !ok {
		return nil, fmt.Errorf("counter %s has unknown fromMode %q", def.Name, def.FromMode)
	}

	switch mode {
	case datamodel.FromModeDefaultLast:
		// A nil prior state is emitted as-is: "entered X with no prior state".
		return []*string{priorState}, nil

	case datamodel.FromModeAnySeen:
		names, err := e.seenNames(ctx, snapshot, maskID)
		if err != nil {
			return nil, err
		}
		candidates := make([]*string, 0, len(names))
		for i := range names {
			candidates = append(candidates, &names[i])
		}
		return candidates, nil

	case datamodel.FromModeSubset:
		if len(def.FromStates) == 0 {
			return nil, fmt.Errorf("counter %s uses SUBSET but configures no fromStates", def.Name)
		}
		allowed := make(map[string]struct{}, len(def.FromStates))
		for _, s := range def.FromStates {
			allowed[s] = struct{}{}
		}
		names, err := e.seenNames(ctx, snapshot, maskID)
		if err != nil {
			return nil, err
		}
		candidates := make([]*string, 0, len(names))
		for i := range names {
			if _, in := allowed[names[i]]; in {
				candidates = append(candidates, &names[i])
			}
		}
		return candidates, nil
	}
	return nil, fmt.Errorf("counter %s has unhandled fromMode %s", def.Name, mode)
}

// seenNames decodes the snapshot's seen-state ids, skipping maskID, preserving
// ascending id order.
func (e *Evaluator) seenNames(ctx context.Context, snapshot *datamodel.Snapshot, maskID *uint32) ([]string, error) {
	ids := snapshot.SeenStates.IDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if maskID != nil && id == *maskID {
			continue
		}
		name, err := e.codec.Decode(ctx, snapshot.Key.ServiceID, snapshot.Key.ObjectType, snapshot.Key.Attribute, id)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}
