// Package model defines the persisted shapes of the call-data store.
//
// Callers intentionally store heterogeneous payloads, so metadata values and
// message fields are open JSON-like values (string, number, bool, null, nested
// map, nested sequence) rather than a fixed schema.
package model

// Message is a single conversation message embedded in a call document.
// The sequence order on the call is append order and is never reordered.
// A "timestamp" field, when present, drives range filtering.
type Message map[string]any

// TimestampField is the message key consulted for range filtering.
const TimestampField = "timestamp"

// MergeMode selects how AddMetadata combines new metadata with stored metadata.
type MergeMode string

const (
	// MergeModeMerge sets each top-level key individually, preserving siblings.
	MergeModeMerge MergeMode = "merge"
	// MergeModeReplace overwrites the whole metadata field.
	MergeModeReplace MergeMode = "replace"
)

// Valid reports whether m is a recognized merge mode.
func (m MergeMode) Valid() bool {
	return m == MergeModeMerge || m == MergeModeReplace
}

// WrapMessage converts one decoded JSON value into a Message. Maps are used
// as-is; anything else is wrapped as {"data": v}.
func WrapMessage(v any) Message {
	if m, ok := v.(map[string]any); ok {
		return Message(m)
	}
	return Message{"data": v}
}

// NormalizeMessages converts the raw "messages" payload into an ordered
// message slice. A sequence yields one Message per element and a single value
// yields exactly one Message, with scalar elements wrapped by WrapMessage.
// Relative order of sequence elements is preserved.
func NormalizeMessages(raw any) []Message {
	if seq, ok := raw.([]any); ok {
		msgs := make([]Message, 0, len(seq))
		for _, item := range seq {
			msgs = append(msgs, WrapMessage(item))
		}
		return msgs
	}
	return []Message{WrapMessage(raw)}
}

// Timestamp returns the raw timestamp value of the message, or nil.
func (m Message) Timestamp() any {
	return m[TimestampField]
}
