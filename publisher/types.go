package publisher

import "github.com/maxpert/tpc/participant"

// Sink represents a destination for resolution events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts resolution events to sink payloads
type Transformer interface {
	Transform(event participant.ResolutionEvent) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	Match(resource, xid string) bool
}
