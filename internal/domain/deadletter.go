package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dead-letter reasons.
const (
	ReasonUnparseable     = "unparseable"
	ReasonMaxRetries      = "max_retries_exceeded"
	dlqFieldPrefix        = "_dlq_"
	dlqTimestampLayout    = "2006-01-02T15:04:05.000Z07:00"
	deadLetterRawFieldKey = "_raw"
)

// DeadLetter is a message that left the pipeline without being stored.
// Event is nil when the payload could not be decoded; Raw then holds it.
type DeadLetter struct {
	Event    *QueuedEvent
	Raw      string
	Reason   string
	Error    string
	StreamID string
	Attempts int
	FailedAt time.Time
}

// Payload renders the letter as the event JSON stamped with _dlq_* fields.
func (d DeadLetter) Payload() ([]byte, error) {
	doc := map[string]any{}
	if d.Event != nil {
		b, err := json.Marshal(d.Event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dead-letter event: %w", err)
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("failed to flatten dead-letter event: %w", err)
		}
	} else {
		doc[deadLetterRawFieldKey] = d.Raw
	}

	doc["_dlq_reason"] = d.Reason
	doc["_dlq_stream_id"] = d.StreamID
	doc["_dlq_timestamp"] = d.FailedAt.UTC().Format(dlqTimestampLayout)
	if d.Error != "" {
		doc["_dlq_error"] = d.Error
	}
	if d.Attempts > 0 {
		doc["_dlq_attempts"] = d.Attempts
	}
	return json.Marshal(doc)
}

// ParseDeadLetter is the inverse of Payload.
func ParseDeadLetter(payload []byte) (DeadLetter, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}

	d := DeadLetter{}
	d.Reason, _ = doc["_dlq_reason"].(string)
	d.StreamID, _ = doc["_dlq_stream_id"].(string)
	d.Error, _ = doc["_dlq_error"].(string)
	if n, ok := doc["_dlq_attempts"].(float64); ok {
		d.Attempts = int(n)
	}
	if ts, ok := doc["_dlq_timestamp"].(string); ok {
		d.FailedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}

	if raw, ok := doc[deadLetterRawFieldKey].(string); ok {
		d.Raw = raw
		return d, nil
	}

	for k := range doc {
		if strings.HasPrefix(k, dlqFieldPrefix) {
			delete(doc, k)
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return DeadLetter{}, err
	}
	var e QueuedEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to decode dead-lettered event: %w", err)
	}
	d.Event = &e
	d.Raw = string(b)
	return d, nil
}
