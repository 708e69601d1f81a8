package domain

import "errors"

var (
	// ErrMalformedEvent marks a payload that can never be processed.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrClaimFailed is returned when the queue cannot be read.
	ErrClaimFailed = errors.New("claim from queue failed")

	// ErrDeadLetterFailed is returned when a dead letter could neither be
	// appended to the DLQ stream nor spilled locally. The writer loop stops.
	ErrDeadLetterFailed = errors.New("dead-letter append failed")

	// ErrInvalidConfig is returned by configuration validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrNotReplayable marks a dead letter whose payload never parsed as an
	// event.
	ErrNotReplayable = errors.New("dead letter has no replayable event")
)
