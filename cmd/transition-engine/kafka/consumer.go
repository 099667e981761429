package kafka

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Message is one consumed Kafka message, carrying enough position info to
// mark it after processing.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

type consumer struct {
	subscribeRegex   *regexp.Regexp
	topics           []string
	topicsMutex      sync.RWMutex
	groupId          string
	incomingMessages chan *Message
	messagesToMark   chan *Message
	read             atomic.Uint64
	marked           atomic.Uint64
	isReady          atomic.Bool
	config           *sarama.Config
	brokers          []string

	// clientMutex guards client and consumerGroup, which are rebuilt by the
	// consume loop and closed by the topic refresher.
	clientMutex   sync.Mutex
	client        sarama.Client
	consumerGroup sarama.ConsumerGroup
}

func newConsumer(brokers []string, subscribeRegex, groupId, instanceId string) (*consumer, error) {
	zap.S().Infof("Connecting to brokers: %v", brokers)
	zap.S().Infof("Creating new consumer with Group ID: %s, Instance ID: %s", groupId, instanceId)
	zap.S().Infof("Subscribing to topics matching: %s", subscribeRegex)

	sarama.Logger = zap.NewStdLog(zap.L())

	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second
	config.Consumer.Group.InstanceId = instanceId
	config.Version = sarama.V2_3_0_0
	config.Metadata.RefreshFrequency = 1 * time.Minute

	re, err := regexp.Compile(subscribeRegex)
	if err != nil {
		zap.S().Errorf("Failed to compile regex: %v", err)
		return nil, err
	}

	c := consumer{
		subscribeRegex: re,
		groupId:        groupId,
		config:         config,
		brokers:        brokers,
	}
	c.incomingMessages = make(chan *Message, 100_000)
	c.messagesToMark = make(chan *Message, 100_000)

	zap.S().Debugf("Setting up initial client")
	initialClient, err := sarama.NewClient(brokers, config)
	if err != nil {
		zap.S().Errorf("Failed to create new client: %v", err)
		return nil, err
	}

	for {
		err = initialClient.RefreshMetadata()
		if err != nil {
			zap.S().Errorf("Failed to refresh metadata: %v", err)
			return nil, err
		}

		var topics []string
		topics, err = initialClient.Topics()
		if err != nil {
			zap.S().Errorf("Failed to retrieve topics: %v", err)
			return nil, err
		}
		topics = filterTopics(topics, re)
		if len(topics) > 0 {
			c.topicsMutex.Lock()
			c.topics = topics
			c.topicsMutex.Unlock()
			break
		}
		zap.S().Infof("No topics found. Waiting for 1 second")
		time.Sleep(1 * time.Second)
	}
	err = initialClient.Close()
	if err != nil {
		zap.S().Warnf("Failed to close initial client: %s", err)
	}

	go c.start()
	go c.refreshTopics()

	return &c, nil
}

func (c *consumer) start() {
	var err error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		var topics []string
		c.topicsMutex.RLock()
		topics = make([]string, len(c.topics))
		copy(topics, c.topics)
		c.topicsMutex.RUnlock()
		if len(topics) == 0 {
			zap.S().Infof("No topics found. Waiting for 1 second")
			time.Sleep(1 * time.Second)
			continue
		}

		c.clientMutex.Lock()
		if c.client != nil {
			zap.S().Infof("Closing old client")
			err = c.client.Close()
			if err != nil {
				zap.S().Warnf("Failed to close client: %s", err)
			}
		}
		var client sarama.Client
		client, err = sarama.NewClient(c.brokers, c.config)
		if err != nil {
			c.client = nil
			c.consumerGroup = nil
			c.clientMutex.Unlock()
			zap.S().Errorf("Failed to create new client: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		c.client = client

		var group sarama.ConsumerGroup
		group, err = sarama.NewConsumerGroupFromClient(c.groupId, client)
		if err != nil {
			c.consumerGroup = nil
			c.clientMutex.Unlock()
			zap.S().Errorf("Failed to create new consumer: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		c.consumerGroup = group
		c.clientMutex.Unlock()

		zap.S().Infof("Starting to consume messages")
		for {
			cgh := consumerGroupHandler{
				incomingMessages: c.incomingMessages,
				messagesToMark:   c.messagesToMark,
				ready:            &c.isReady,
				read:             &c.read,
				marked:           &c.marked,
			}
			err = group.Consume(ctx, topics, &cgh)
			if errors.Is(err, sarama.ErrClosedClient) {
				zap.S().Infof("Consumer closed")
				break
			} else if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				zap.S().Infof("Consumer group closed")
				break
			} else if err != nil {
				zap.S().Errorf("Consumer error: %v", err)
				time.Sleep(1 * time.Second)
			}
			if ctx.Err() != nil {
				zap.S().Infof("Context closed")
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		zap.S().Debugf("Ending consume loop")
	}
}

func (c *consumer) refreshTopics() {
	ticker := time.NewTicker(5 * time.Second)
	for {
		<-ticker.C
		c.clientMutex.Lock()
		client := c.client
		c.clientMutex.Unlock()
		if client == nil {
			zap.S().Debugf("Client not ready")
			continue
		}

		err := client.RefreshMetadata()
		if err != nil {
			zap.S().Errorf("Error refreshing metadata: %v", err)
			continue
		}

		topics, err := client.Topics()
		if err != nil {
			zap.S().Errorf("Error getting topics: %v", err)
			continue
		}

		topics = filterTopics(topics, c.subscribeRegex)
		c.topicsMutex.RLock()
		compare := slices.Compare(c.topics, topics)
		c.topicsMutex.RUnlock()
		if compare == 0 {
			continue
		}
		c.topicsMutex.Lock()
		zap.S().Infof("Detected topic change. Old topics: %v, New topics: %v", c.topics, topics)
		c.topics = topics
		c.topicsMutex.Unlock()

		// Closing the group makes the consume loop pick up the new topic set.
		c.clientMutex.Lock()
		if c.consumerGroup != nil {
			err = c.consumerGroup.Close()
			if err != nil {
				zap.S().Warnf("Failed to close consumer group: %s", err)
			}
		}
		if c.client != nil {
			err = c.client.Close()
			if err != nil {
				zap.S().Warnf("Failed to close client: %s", err)
			}
		}
		c.clientMutex.Unlock()
		ticker.Reset(5 * time.Second)
	}
}

// getStats returns the marked and read message counts.
func (c *consumer) getStats() (uint64, uint64) {
	return c.marked.Load(), c.read.Load()
}

func (c *consumer) getMessages() <-chan *Message {
	return c.incomingMessages
}

func (c *consumer) markMessage(message *Message) {
	c.messagesToMark <- message
}

func (c *consumer) close() {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	if c.consumerGroup != nil {
		err := c.consumerGroup.Close()
		if err != nil {
			zap.S().Warnf("Failed to close consumer group: %s", err)
		}
	}
	if c.client != nil {
		err := c.client.Close()
		if err != nil {
			zap.S().Warnf("Failed to close client: %s", err)
		}
	}
}

func filterTopics(topics []string, re *regexp.Regexp) []string {
	result := make([]string, 0, len(topics))
	for _, topic := range topics {
		if re.MatchString(topic) {
			result = append(result, topic)
		}
	}
	slices.Sort(result)
	return result
}

type consumerGroupHandler struct {
	ready            *atomic.Bool
	incomingMessages chan *Message
	messagesToMark   chan *Message
	read             *atomic.Uint64
	marked           *atomic.Uint64
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (c *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	c.ready.Store(true)
	zap.S().Debugf("consumerGroupHandler set up for: %+v", session.Claims())
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (c *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error {
	zap.S().Debugf("consumerGroupHandler cleaned up")
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
// Once the Messages() channel is closed, the Handler must finish its processing
// loop and exit.
func (c *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				zap.S().Infof("consumerGroupHandler: message channel closed")
				return nil
			}
			c.incomingMessages <- &Message{
				Topic:     message.Topic,
				Partition: message.Partition,
				Offset:    message.Offset,
				Key:       message.Key,
				Value:     message.Value,
			}
			c.read.Add(1)
		case msg := <-c.messagesToMark:
			session.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
			c.marked.Add(1)
		// Must return when session.Context() is done, otherwise rebalances
		// raise ErrRebalanceInProgress. See https://github.com/IBM/sarama/issues/1192
		case <-session.Context().Done():
			zap.S().Infof("consumerGroupHandler: session context closed")
			return nil
		}
	}
}
