// Package events defines the canonical event contract: the envelope shared by
// the event log and the external mirror, the v0 event type vocabulary, legacy
// type normalization, and the mirror subject format.
package events

import (
	"encoding/json"
	"time"
)

// Source identifies who produced an event.
type Source string

// Event sources.
const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// ValidSource reports whether s is one of the three known sources.
func ValidSource(s Source) bool {
	switch s {
	case SourceUser, SourceAgent, SourceSystem:
		return true
	}
	return false
}

// Event is one entry in the append-only log. Seq is the local monotonic
// sequence number; ExternalSeq is the mirror's sequence when the publish
// succeeded, nil otherwise. Payload is an opaque map — typed accessors live
// with the consumers that understand each type.
type Event struct {
	Seq         int64          `json:"seq"`
	ExternalSeq *int64         `json:"external_seq,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Source      Source         `json:"source"`
	Payload     map[string]any `json:"payload"`
}

// PayloadString returns payload[key] as a string, or "" when absent or not a
// string.
func (e *Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MarshalPayload renders the payload as JSON for persistence. A nil payload
// is stored as an empty object so rebuilds never see SQL NULLs.
func (e *Event) MarshalPayload() ([]byte, error) {
	if e.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Payload)
}
