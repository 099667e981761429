package kafka

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

type IConnection interface {
	GetMessages() <-chan *Message
	MarkMessage(message *Message)
}

type Connection struct {
	consumer *consumer
}

var conn *Connection
var once sync.Once

func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("kafka.GetOrInit().once")
		kafkaBrokers, err := env.GetAsString("KAFKA_BROKERS", true, "localhost:9092")
		if err != nil {
			zap.S().Fatalf("Failed to get KAFKA_BROKERS from env")
		}
		consumerGroup, err := env.GetAsString("KAFKA_CONSUMER_GROUP", false, "transition-engine")
		if err != nil {
			zap.S().Fatalf("Failed to get KAFKA_CONSUMER_GROUP from env")
		}

		brokers := strings.Split(kafkaBrokers, ",")
		instanceID := rand.Int63() //nolint:gosec

		c, err := newConsumer(brokers, `^statestream\.v1\..+$`, consumerGroup, strconv.FormatInt(instanceID, 10))
		if err != nil {
			zap.S().Fatalf("Failed to create kafka client: %s", err)
		}
		conn = &Connection{
			consumer: c,
		}
	})
	return conn
}

func (c *Connection) GetMessages() <-chan *Message {
	return c.consumer.getMessages()
}

func (c *Connection) MarkMessage(message *Message) {
	c.consumer.markMessage(message)
}

func (c *Connection) Close() {
	c.consumer.close()
}

var lastMarked atomic.Uint64
var lastChangeUTCSeconds atomic.Int64

func GetLivenessCheck() healthcheck.Check {
	return func() error {
		marked, _ := GetOrInit().consumer.getStats()
		oldValue := lastMarked.Swap(marked)
		nowUTCSeconds := time.Now().UTC().Unix()
		if oldValue < marked {
			lastChangeUTCSeconds.Store(nowUTCSeconds)
			return nil
		} else if oldValue > marked {
			return errors.New("amount of marked messages went down")
		} else {
			// Check if last change is more then 5 minutes ago
			lastChange := lastChangeUTCSeconds.Load()
			elapsedSeconds := nowUTCSeconds - lastChange
			if elapsedSeconds > 60*5 {
				return errors.New("no new kafka message in the last 5 minutes")
			} else {
				return nil
			}
		}
	}
}

func GetReadinessCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().consumer.isReady.Load() {
			return nil
		} else {
			return errors.New("kafka consumer is not ready")
		}
	}
}
