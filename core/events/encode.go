package events

import (
	"time"

	json "github.com/goccy/go-json"
)

// Envelope is the wire representation of a lifecycle event used by the history
// store and the live stream.
type Envelope struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Body any       `json:"body"`
}

// Encode wraps the event in an envelope and marshals it to JSON.
func Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, nil
	}
	env := Envelope{Kind: evt.EventKind(), Time: evt.OccurredAt(), Body: evt}
	return json.Marshal(env)
}
