package domain

import (
	"context"
	"encoding/json"
)

// Consumer is a handler bound to exactly one (connection, queue) pair.
// An empty Connection selects the configured default connection.
type Consumer interface {
	Connection() string
	Queue() string
	Describe() string

	// Consume processes one payload. Returning an error wrapped with
	// UnretryableError skips the retry budget.
	Consume(ctx context.Context, data json.RawMessage) (any, error)
}

// SuccessHook is implemented by consumers that want the result of a successful delivery.
type SuccessHook interface {
	OnConsumeSuccess(ctx context.Context, result any, env Envelope) error
}

// FailureHook is implemented by consumers that observe failures. A non-nil
// returned envelope overrides data, attempts, max_attempts and error on the
// retryable path. Only fields the override sets are merged: nil Data or
// Error and zero MaxAttempts keep the current value, and Attempts is only
// taken when it is larger.
type FailureHook interface {
	OnConsumeFailure(ctx context.Context, err error, env Envelope) (*Envelope, error)
}

// Sink consumes delivery outcomes (audit row, log line, broadcast).
// Implementations must not panic; errors are logged by the caller.
type Sink interface {
	Handle(ctx context.Context, outcome Outcome) error
}

// Outcome describes one finished delivery.
type Outcome struct {
	Connection string   `json:"connection"`
	Queue      string   `json:"queue"`
	Status     bool     `json:"status"`
	Result     string   `json:"result"`
	Envelope   Envelope `json:"envelope"`
}
