package publisher

import "github.com/maxpert/marmot-restore/hlc"

// EventKind classifies restore events
type EventKind string

const (
	EventStage EventKind = "stage" // A host entered a stage
	EventTable EventKind = "table" // A table was restored
	EventError EventKind = "error" // The restore failed on a host
)

// Event is one entry of the restore event log
type Event struct {
	SeqNum    uint64        `msgpack:"seq" json:"seq"`
	RestoreID string        `msgpack:"restore" json:"restore_id"`
	Host      string        `msgpack:"host" json:"host"`
	NodeID    uint64        `msgpack:"node" json:"node_id"`
	Kind      EventKind     `msgpack:"kind" json:"kind"`
	Stage     string        `msgpack:"stage" json:"stage,omitempty"`
	Database  string        `msgpack:"db" json:"database,omitempty"`
	Table     string        `msgpack:"tbl" json:"table,omitempty"`
	Message   string        `msgpack:"msg" json:"message,omitempty"`
	Time      hlc.Timestamp `msgpack:"time" json:"time"`
}

// Key identifies the object an event is about; sinks partition by it.
func (e Event) Key() string {
	switch {
	case e.Table != "":
		return e.RestoreID + "/" + e.Database + "." + e.Table
	case e.Database != "":
		return e.RestoreID + "/" + e.Database
	default:
		return e.RestoreID + "/" + e.Host
	}
}

// Sink represents a destination for restore events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Encoder converts events to a sink's wire format
type Encoder interface {
	Encode(event Event) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(event Event) bool
}
