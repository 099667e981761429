package engine

import (
	"context"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
	"go.uber.org/zap"
)

// InferenceService is the periodic sweep that closes idle objects. For every
// configured rule it finds non-terminal objects whose last event is older than
// the rule's idle window and injects a synthetic terminal event through the
// normal evaluator, timestamped at lastEventTs + idleFor rather than wall clock
// so repeated sweeps derive identical synthetic events.
type InferenceService struct {
	rules      []datamodel.InferenceRule
	candidates InferenceCandidateRepository
	records    SyntheticRecordRepository
	evaluator  *Evaluator
	telemetry  Telemetry
}

func NewInferenceService(
	rules []datamodel.InferenceRule,
	candidates InferenceCandidateRepository,
	records SyntheticRecordRepository,
	evaluator *Evaluator,
	telemetry Telemetry,
) *InferenceService {
	return &InferenceService{
		rules:      rules,
		candidates: candidates,
		records:    records,
		evaluator:  evaluator,
		telemetry:  telemetry,
	}
}

// RunOnce sweeps every rule once, injecting at most limit synthetic terminals
// per rule. It is safe to interrupt via ctx between candidates: unprocessed
// candidates simply stay eligible for the next run. Returns the number of
// synthetic terminals injected.
func (s *InferenceService) RunOnce(ctx context.Context, now time.Time, limit int) (int, error) {
	injected := 0
	for i := range s.rules {
		rule := &s.rules[i]
		n, err := s.sweepRule(ctx, rule, now, limit)
		injected += n
		if err != nil {
			return injected, err
		}
	}
	return injected, nil
}

func (s *InferenceService) sweepRule(ctx context.Context, rule *datamodel.InferenceRule, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-rule.IdleFor())
	candidates, err := s.candidates.ListIdle(ctx, rule.ServiceID, rule.ObjectType, rule.Attribute, cutoff, limit)
	if err != nil {
		return 0, err
	}

	injected := 0
	for i := range candidates {
		if err = ctx.Err(); err != nil {
			return injected, err
		}
		candidate := &candidates[i]

		syntheticTs := candidate.LastEventTs.Add(rule.IdleFor())
		syntheticEventID := SyntheticEventID(candidate.Key, rule.RuleID, syntheticTs)

		record := &datamodel.SyntheticTerminalRecord{
			SyntheticEventID:  syntheticEventID,
			RuleID:            rule.RuleID,
			ServiceID:         candidate.Key.ServiceID,
			ObjectType:        candidate.Key.ObjectType,
			ObjectID:          candidate.Key.ObjectID,
			Attribute:         candidate.Key.Attribute,
			EmittedState:      rule.EmitState,
			EmitServiceID:     rule.EmitServiceID,
			Reason:            rule.Reason,
			SyntheticTs:       syntheticTs,
			PreSyntheticState: candidate.LastState,
			Status:            datamodel.SyntheticActive,
		}

		// Optimistic guard: the insert only succeeds while the snapshot still has
		// the lastEventTs we read. A real event racing us bumps it and we skip.
		ok, insErr := s.records.InsertIfEligible(ctx, record, candidate.LastEventTs)
		if insErr != nil {
			return injected, insErr
		}
		if !ok {
			// The rejection is either the guard (snapshot moved) or a duplicate
			// synthetic id. The id derives from the candidate's lastEventTs, so a
			// still ACTIVE record under the same id means an earlier sweep failed
			// after the insert and before the evaluation completed: the candidate
			// keeps being listed because its snapshot never closed. Re-running
			// the evaluation is safe, the posting ids are deterministic.
			existing, lookErr := s.records.Lookup(ctx, syntheticEventID)
			if lookErr != nil {
				return injected, lookErr
			}
			if existing == nil || existing.Status != datamodel.SyntheticActive {
				zap.S().Debugf(
					"Skipping synthetic injection for %s/%s, snapshot moved",
					candidate.Key.ObjectType, candidate.Key.ObjectID)
				continue
			}
			zap.S().Infof(
				"Resuming interrupted synthetic injection %s for %s/%s",
				syntheticEventID, candidate.Key.ObjectType, candidate.Key.ObjectID)
		}

		err = s.evaluator.Evaluate(ctx, &Evaluation{
			ServiceID:  candidate.Key.ServiceID,
			EventID:    syntheticEventID,
			EventTs:    syntheticTs,
			ObjectType: candidate.Key.ObjectType,
			ObjectID:   candidate.Key.ObjectID,
			Attribute:  candidate.Key.Attribute,
			NewState:   rule.EmitState,
			Synthetic: &SyntheticContext{
				EventID: syntheticEventID,
				Records: s.records,
			},
		})
		if err != nil {
			return injected, err
		}

		s.telemetry.RecordSyntheticInjection(candidate.Key.ObjectType, rule.RuleID)
		s.telemetry.AdjustSyntheticActive(candidate.Key.ObjectType, 1)
		injected++
		zap.S().Infof(
			"Injected synthetic %s for %s/%s at %s (rule %s, reason %s)",
			rule.EmitState, candidate.Key.ObjectType, candidate.Key.ObjectID,
			syntheticTs.Format(time.RFC3339), rule.RuleID, rule.Reason)
	}
	return injected, nil
}
