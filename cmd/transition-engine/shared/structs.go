package shared

// TopicDetails is the parsed form of an ingestion topic
// (statestream.v1.<serviceId>.<objectType>.<attribute>).
type TopicDetails struct {
	ServiceID  string
	ObjectType string
	Attribute  string
}

// StateChangeEvent is the payload of one ingested state-change message.
type StateChangeEvent struct {
	EventID     string `json:"eventId"`
	ObjectID    string `json:"objectId"`
	NewState    string `json:"newState"`
	TimestampMs int64  `json:"timestampMs"`
}
