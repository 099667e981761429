package kafka

import (
	"testing"
)

type MockConnection struct {
	MessagesToSend chan *Message
	Marked         []*Message
}

func (c *MockConnection) GetMessages() <-chan *Message {
	return c.MessagesToSend
}

func (c *MockConnection) MarkMessage(msg *Message) {
	c.Marked = append(c.Marked, msg)
}

func GetMockKafkaClient(t *testing.T) *MockConnection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock client")
	return &MockConnection{
		MessagesToSend: make(chan *Message),
		Marked:         make([]*Message, 0),
	}
}
