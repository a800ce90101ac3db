package events

import (
	"context"
	"encoding/json"

	"github.com/synclab/collabd/internal/common/cnst"
)

// Event is a domain-change notification emitted by the surrounding platform
// whenever a record is created, updated or deleted. Delivery is at-least-once
// and may be duplicated; consumers must be idempotent.
type Event struct {
	Collection string           `json:"collection"`
	Action     cnst.EventAction `json:"action"`
	Keys       []string         `json:"keys,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// UnmarshalJSON accepts either a "keys" list or a singular "key", which some
// producers emit for single-record mutations.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Key *string `json:"key,omitempty"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Key != nil && len(e.Keys) == 0 {
		e.Keys = []string{*aux.Key}
	}
	return nil
}

// HasKey reports whether the event carries the given record key
func (e *Event) HasKey(key string) bool {
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Notifier defines the interface for the domain-change event stream
type Notifier interface {
	// Watch returns a channel that receives every domain-change event until ctx is done
	Watch(ctx context.Context) (<-chan *Event, error)

	// Publish emits an event to every watching process, including the publisher
	Publish(ctx context.Context, event *Event) error
}
