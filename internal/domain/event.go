package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the SDKs. Only LLM calls carry billable usage.
const (
	EventTypeLLMCall = "llm_call"
)

// Enrichment fields written into QueuedEvent.Data before persistence.
const (
	FieldEstimatedCost = "estimated_cost_usd"
	FieldPrevHash      = "prev_hash"
	FieldHash          = "hash"
)

// QueuedEvent is a telemetry event as the ingest API placed it on the stream.
type QueuedEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Timestamp  string         `json:"timestamp"`
	SessionID  string         `json:"sessionId"`
	OrgID      string         `json:"orgId"`
	APIKeyID   string         `json:"apiKeyId"`
	ReceivedAt string         `json:"receivedAt"`
	RequestID  string         `json:"requestId"`
	Data       map[string]any `json:"data"`
}

// ParseQueuedEvent decodes a stream payload. Anything that can never be
// inserted (bad JSON, missing identity fields, unparseable timestamp) is
// reported as ErrMalformedEvent.
func ParseQueuedEvent(raw []byte) (QueuedEvent, error) {
	var e QueuedEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return QueuedEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch {
	case e.ID == "":
		return QueuedEvent{}, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	case e.Type == "":
		return QueuedEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	case e.OrgID == "":
		return QueuedEvent{}, fmt.Errorf("%w: missing orgId", ErrMalformedEvent)
	}
	if _, err := e.Time(); err != nil {
		return QueuedEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, nil
}

// Time parses the event timestamp, truncated to microseconds. Postgres
// rounds sub-microsecond input, so the stored value and the key must both
// come from this truncated time.
func (e QueuedEvent) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", e.Timestamp, err)
	}
	return t.Truncate(time.Microsecond), nil
}

// Key returns the natural key the event is stored under.
func (e QueuedEvent) Key() (EventKey, error) {
	t, err := e.Time()
	if err != nil {
		return EventKey{}, err
	}
	return NewEventKey(e.ID, t), nil
}

// EventKey is the (id, timestamp) natural key of a stored event. The
// timestamp is kept at microsecond precision, which is what timestamptz holds.
type EventKey struct {
	ID     string
	Micros int64
}

// NewEventKey builds the key for an id and timestamp.
func NewEventKey(id string, t time.Time) EventKey {
	return EventKey{ID: id, Micros: t.UnixMicro()}
}

// StreamMessage pairs a queue message id with its decoded event.
type StreamMessage struct {
	StreamID string
	Event    QueuedEvent
	// Deliveries is the queue's delivery count for the message, 0 when the
	// queue does not report one.
	Deliveries int64
}

// MalformedMessage is a claimed message whose payload could not be decoded.
type MalformedMessage struct {
	StreamID string
	Raw      string
	Err      error
}

// ClaimedBatch is the result of one claim against the queue.
type ClaimedBatch struct {
	Messages  []StreamMessage
	Malformed []MalformedMessage
}

// Len is the total number of claimed messages.
func (b ClaimedBatch) Len() int {
	return len(b.Messages) + len(b.Malformed)
}

// StoredEvent is an event ready for insertion with its chain link.
type StoredEvent struct {
	Event    QueuedEvent
	At       time.Time
	PrevHash string
	Hash     string
	Seq      int64
}

// ChainHead is the last link of a tenant's hash chain.
type ChainHead struct {
	Hash string
	Seq  int64
}

// UsageIncrement adds Count events to one hourly usage bucket.
type UsageIncrement struct {
	OrgID    string
	APIKeyID string
	Hour     time.Time
	Count    int64
}

// WriterStats are the running counters of an event writer.
type WriterStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	DLQd      uint64 `json:"dlqd"`
}
