package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the change a Message carries.
type Kind string

const (
	KindUpdated     Kind = "updated"
	KindRemoved     Kind = "removed"
	KindInvalidated Kind = "invalidated"
)

const (
	attrOrigin = "origin"
	attrKind   = "kind"
)

// Message is the wire form of a cache change.
type Message struct {
	Kind      Kind            `json:"kind"`
	Hash      string          `json:"hash"`
	Key       json.RawMessage `json:"key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (m Message) validate() error {
	switch m.Kind {
	case KindUpdated:
		if len(m.Data) == 0 {
			return fmt.Errorf("updated message for %s has no data", m.Hash)
		}
	case KindRemoved, KindInvalidated:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.Hash == "" {
		return fmt.Errorf("message has no hash")
	}
	return nil
}

// DecodeFunc turns broadcast JSON back into an Entry value.
type DecodeFunc func(hash string, data json.RawMessage) (any, error)

func decodeAny(_ string, data json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
