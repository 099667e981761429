package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/statestream/statestream/cmd/transition-engine/engine"
	"github.com/statestream/statestream/cmd/transition-engine/kafka"
	"github.com/statestream/statestream/cmd/transition-engine/postgresql"
	sharedStructs "github.com/statestream/statestream/cmd/transition-engine/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type Worker struct {
	kafka      kafka.IConnection
	evaluator  *engine.Evaluator
	supersede  *engine.SupersedeService
	inference  *engine.InferenceService
	postgres   *postgresql.Connection
	sweepLimit int

	// dedup short-circuits redelivered events before they hit the database.
	// The posting-id layer stays authoritative for events older than the TTL.
	dedup *cache.Cache

	received  atomic.Uint64
	processed atomic.Uint64
	skipped   atomic.Uint64
	injected  atomic.Uint64
}

var worker *Worker
var once sync.Once

func GetOrInit() *Worker {
	once.Do(func() {
		zap.S().Debugf("worker.GetOrInit().once")
		cfg, err := engine.LoadConfig()
		if err != nil {
			zap.S().Fatalf("Failed to load engine configuration: %s", err)
		}
		pg := postgresql.GetOrInit()
		telemetry := engine.NewPrometheusTelemetry(prometheus.DefaultRegisterer)
		postings := engine.NewPostingService(pg, nil)
		evaluator := engine.NewEvaluator(pg, pg, cfg, cfg, postings, telemetry, cfg.MaxFromStates, cfg.MaxSeenStates)

		worker = &Worker{
			kafka:      kafka.GetOrInit(),
			evaluator:  evaluator,
			supersede:  engine.NewSupersedeService(cfg, pg, postings, evaluator, telemetry),
			inference:  engine.NewInferenceService(cfg.Rules(), pg, pg, evaluator, telemetry),
			postgres:   pg,
			sweepLimit: cfg.SweepLimit,
			dedup:      cache.New(10*time.Minute, 20*time.Second),
		}
		go worker.startWorkLoop()
		go worker.startSweepLoop()
		go worker.postStats()
	})
	return worker
}

func (w *Worker) startWorkLoop() {
	zap.S().Debugf("Started work loop")
	messageChannel := w.kafka.GetMessages()
	for {
		msg := <-messageChannel
		w.received.Add(1)
		w.handleMessage(msg)
	}
}

// handleMessage processes one Kafka message end to end. Malformed messages are
// marked and dropped; processing failures leave the message unmarked so the
// consumer group redelivers it.
func (w *Worker) handleMessage(msg *kafka.Message) {
	topic, err := recreateTopic(msg)
	if err != nil {
		zap.S().Warnf("Failed to parse message %+v into topic: %s", msg, err)
		w.kafka.MarkMessage(msg)
		w.skipped.Add(1)
		return
	}

	event, err := parseStateChangeEvent(msg.Value)
	if err != nil {
		zap.S().Warnf("Failed to parse payload for message %+v: %s", msg, err)
		w.kafka.MarkMessage(msg)
		w.skipped.Add(1)
		return
	}

	dedupKey := topic.ServiceID + "*" + event.EventID
	if err = w.dedup.Add(dedupKey, struct{}{}, cache.DefaultExpiration); err != nil {
		zap.S().Debugf("Skipping already processed event %s", event.EventID)
		w.kafka.MarkMessage(msg)
		w.skipped.Add(1)
		return
	}

	err = w.processEvent(context.Background(), topic, event)
	if err != nil {
		zap.S().Warnf("Failed to process event %s: %s", event.EventID, err)
		w.dedup.Delete(dedupKey)
		return
	}

	w.kafka.MarkMessage(msg)
	w.processed.Add(1)
}

func (w *Worker) processEvent(ctx context.Context, topic *sharedStructs.TopicDetails, event *sharedStructs.StateChangeEvent) error {
	eventTs := time.UnixMilli(event.TimestampMs).UTC()

	for {
		superseded, err := w.supersede.HandleIfSuperseding(
			ctx,
			topic.ServiceID, event.EventID, eventTs,
			topic.ObjectType, event.ObjectID, topic.Attribute, event.NewState)
		if err == nil {
			if superseded {
				return nil
			}
			break
		}
		if !errors.Is(err, engine.ErrObjectBusy) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}

	evaluation := &engine.Evaluation{
		ServiceID:  topic.ServiceID,
		EventID:    event.EventID,
		EventTs:    eventTs,
		ObjectType: topic.ObjectType,
		ObjectID:   event.ObjectID,
		Attribute:  topic.Attribute,
		NewState:   event.NewState,
	}
	for {
		err := w.evaluator.Evaluate(ctx, evaluation)
		if !errors.Is(err, engine.ErrObjectBusy) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func parseStateChangeEvent(value []byte) (*sharedStructs.StateChangeEvent, error) {
	var event sharedStructs.StateChangeEvent
	err := json.Unmarshal(value, &event)
	if err != nil {
		return nil, err
	}
	if event.EventID == "" {
		return nil, errors.New("event has no eventId")
	}
	if event.ObjectID == "" {
		return nil, errors.New("event has no objectId")
	}
	if event.NewState == "" {
		return nil, errors.New("event has no newState")
	}
	if event.TimestampMs <= 0 {
		return nil, fmt.Errorf("event has invalid timestampMs: %d", event.TimestampMs)
	}
	return &event, nil
}

func (w *Worker) startSweepLoop() {
	sweepIntervalSeconds, err := env.GetAsInt("SWEEP_INTERVAL_SECONDS", false, 60)
	if err != nil {
		zap.S().Fatalf("Failed to get SWEEP_INTERVAL_SECONDS from env: %s", err)
	}
	zap.S().Debugf("Started sweep loop (every %d seconds)", sweepIntervalSeconds)

	ticker := time.NewTicker(time.Duration(sweepIntervalSeconds) * time.Second)
	for {
		<-ticker.C
		injected, err := w.inference.RunOnce(context.Background(), time.Now().UTC(), w.sweepLimit)
		w.injected.Add(uint64(injected))
		if err != nil {
			zap.S().Warnf("Inference sweep failed after %d injections: %s", injected, err)
			continue
		}
		if injected > 0 {
			zap.S().Infof("Inference sweep injected %d synthetic terminals", injected)
		}
	}
}

func (w *Worker) postStats() {
	startTime := time.Now()

	tenSecondTicker := time.NewTicker(10 * time.Second)
	for {
		<-tenSecondTicker.C
		received := w.received.Load()
		processed := w.processed.Load()
		skipped := w.skipped.Load()
		injected := w.injected.Load()

		lruHits, lruMisses := w.postgres.CacheStats()
		totalLRUAccesses := lruHits + lruMisses
		lruHitPercentage := 0.0
		if totalLRUAccesses > 0 {
			lruHitPercentage = float64(lruHits) / float64(totalLRUAccesses) * 100
		}

		elapsedTime := time.Since(startTime).Seconds()
		processedRate := float64(processed) / elapsedTime

		zap.S().Infof(
			"Received: %d, Processed: %d (%.1f/s), Skipped: %d, Synthetic injected: %d, Codec LRU hit rate: %.1f%%",
			received, processed, processedRate, skipped, injected, lruHitPercentage)
	}
}
