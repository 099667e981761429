package engine

import (
	"context"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
	"go.uber.org/zap"
)

// SupersedeService reconciles a synthetic terminal with a later real terminal
// event: it reverses the synthetic counters from the record's footprint and
// replays the real transition from the object's pre-synthetic state.
type SupersedeService struct {
	terminals TerminalStateResolver
	records   SyntheticRecordRepository
	postings  *PostingService
	evaluator *Evaluator
	now       func() time.Time
	telemetry Telemetry
}

func NewSupersedeService(
	terminals TerminalStateResolver,
	records SyntheticRecordRepository,
	postings *PostingService,
	evaluator *Evaluator,
	telemetry Telemetry,
) *SupersedeService {
	return &SupersedeService{
		terminals: terminals,
		records:   records,
		postings:  postings,
		evaluator: evaluator,
		now:       time.Now,
		telemetry: telemetry,
	}
}

// HandleIfSuperseding is offered every incoming real event before the ordinary
// evaluation. It returns true when the event superseded an active synthetic
// terminal and has been fully applied (reversal + replay); the caller must then
// skip the ordinary Evaluate call. It returns false when the event is not
// terminal, no active synthetic record exists, or a concurrent event won the
// supersede race - in all of those the caller proceeds normally.
//
// When a prior delivery of the same event won the compare-and-set but failed
// mid reversal or replay, the record is SUPERSEDED yet the counters and the
// snapshot are not. A redelivery finds that record via its supersededBy and
// resumes: the deterministic posting ids make re-running reversal and replay
// safe.
func (s *SupersedeService) HandleIfSuperseding(
	ctx context.Context,
	serviceID, eventID string,
	eventTs time.Time,
	objectType, objectID, attribute, newState string,
) (bool, error) {
	if !s.terminals.IsTerminal(serviceID, objectType, newState) {
		return false, nil
	}

	key := datamodel.SnapshotKey{
		ServiceID:  serviceID,
		ObjectType: objectType,
		ObjectID:   objectID,
		Attribute:  attribute,
	}
	record, err := s.records.Active(ctx, key)
	if err != nil {
		return false, err
	}
	if record == nil {
		record, err = s.records.SupersededBy(ctx, key, eventID)
		if err != nil {
			return false, err
		}
		if record == nil {
			return false, nil
		}
		zap.S().Infof(
			"Resuming interrupted supersede of %s for %s/%s by event %s",
			record.SyntheticEventID, objectType, objectID, eventID)
	} else {
		// Compare-and-set: exactly one of several racing real terminals wins;
		// the losers fall through to the ordinary evaluation path.
		var won bool
		won, err = s.records.Supersede(ctx, record.SyntheticEventID, eventID, s.now())
		if err != nil {
			return false, err
		}
		if !won {
			zap.S().Debugf("Lost supersede race for %s/%s, event %s handled normally", objectType, objectID, eventID)
			return false, nil
		}
	}

	if err = s.reverse(ctx, record, eventID); err != nil {
		return false, err
	}

	// Replay the real event with the pre-synthetic state as implicit prior, so
	// the transition is attributed to genuine history instead of the discarded
	// synthetic state.
	err = s.evaluator.Evaluate(ctx, &Evaluation{
		ServiceID:  serviceID,
		EventID:    eventID,
		EventTs:    eventTs,
		ObjectType: objectType,
		ObjectID:   objectID,
		Attribute:  attribute,
		NewState:   newState,
		Replay: &ReplayContext{
			PriorState: record.PreSyntheticState,
			MaskState:  record.EmittedState,
		},
	})
	if err != nil {
		return false, err
	}

	s.telemetry.RecordSyntheticSuperseded(objectType, record.RuleID, eventTs.Sub(record.SyntheticTs))
	s.telemetry.AdjustSyntheticActive(objectType, -1)
	zap.S().Infof(
		"Superseded synthetic %s for %s/%s with real %s (event %s)",
		record.EmittedState, objectType, objectID, newState, eventID)
	return true, nil
}

// reverse posts a -1 for every footprint entry at the synthetic timestamp,
// driving the synthetic contribution in every rollup bucket to net zero.
func (s *SupersedeService) reverse(ctx context.Context, record *datamodel.SyntheticTerminalRecord, supersededByEventID string) error {
	reversals := make([]datamodel.Posting, 0, len(record.Footprint))
	for _, entry := range record.Footprint {
		metricKey := datamodel.MetricKey{
			ServiceID:   record.ServiceID,
			ObjectType:  record.ObjectType,
			Attribute:   record.Attribute,
			CounterName: entry.CounterName,
			FromState:   entry.FromState,
			ToState:     entry.ToState,
		}
		reversals = append(reversals, datamodel.Posting{
			Key:       metricKey,
			Timestamp: record.SyntheticTs,
			Delta:     -1,
			PostingID: ReversalPostingID(supersededByEventID, record.SyntheticEventID, metricKey, record.SyntheticTs),
		})
	}
	_, err := s.postings.Post(ctx, reversals)
	return err
}
