// Package transformer provides implementations of the publisher.Transformer
// interface for resolution events.
package transformer

import (
	"encoding/json"

	"github.com/maxpert/tpc/encoding"
	"github.com/maxpert/tpc/participant"
	"github.com/maxpert/tpc/publisher"
)

// EnvelopeVersion is bumped when the payload layout changes incompatibly.
const EnvelopeVersion = 1

const eventType = "tpc.resolution"

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return &JSONTransformer{}
	})
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return &MsgpackTransformer{}
	})
}

// Envelope wraps an event with its type and layout version so consumers
// can route and evolve independently.
type Envelope struct {
	Type    string                      `json:"type" msgpack:"type"`
	Version int                         `json:"version" msgpack:"version"`
	Payload participant.ResolutionEvent `json:"payload" msgpack:"payload"`
}

func wrap(ev participant.ResolutionEvent) Envelope {
	return Envelope{Type: eventType, Version: EnvelopeVersion, Payload: ev}
}

// JSONTransformer emits the envelope as JSON.
type JSONTransformer struct{}

func (t *JSONTransformer) Transform(ev participant.ResolutionEvent) ([]byte, error) {
	return json.Marshal(wrap(ev))
}

// MsgpackTransformer emits the envelope as msgpack.
type MsgpackTransformer struct{}

func (t *MsgpackTransformer) Transform(ev participant.ResolutionEvent) ([]byte, error) {
	return encoding.Marshal(wrap(ev))
}
