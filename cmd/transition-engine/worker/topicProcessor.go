package worker

import (
	"errors"
	"strings"

	"github.com/statestream/statestream/cmd/transition-engine/kafka"
	sharedStructs "github.com/statestream/statestream/cmd/transition-engine/shared"
)

// recreateTopic parses the topic details from the topic string
// (statestream.v1.<serviceId>.<objectType>.<attribute>).
func recreateTopic(msg *kafka.Message) (*sharedStructs.TopicDetails, error) {
	fullTopic := constructFullTopic(msg)
	parts := strings.Split(fullTopic, ".")

	if len(parts) != 5 || parts[0] != "statestream" || parts[1] != "v1" {
		return nil, errors.New("invalid topic format")
	}
	for _, part := range parts[2:] {
		if part == "" {
			return nil, errors.New("empty segment in topic")
		}
	}

	return &sharedStructs.TopicDetails{
		ServiceID:  parts[2],
		ObjectType: parts[3],
		Attribute:  parts[4],
	}, nil
}

// constructFullTopic constructs the full topic string from a Message. Producers
// may split the routing info between topic and key.
func constructFullTopic(msg *kafka.Message) string {
	topic := msg.Topic
	if len(msg.Key) > 0 {
		key := string(msg.Key)
		if strings.HasSuffix(topic, ".") && strings.HasPrefix(key, ".") {
			// Remove the dot from the key
			topic += key[1:]
		} else if !strings.HasSuffix(topic, ".") && !strings.HasPrefix(key, ".") {
			// Add a dot between topic and key
			topic += "." + key
		} else {
			// Directly concatenate topic and key
			topic += key
		}
	}
	return topic
}
