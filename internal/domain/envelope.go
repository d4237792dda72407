package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEnvelope marks a payload that cannot be decoded into an Envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ConsumeTimeLayout is the layout of Envelope.ConsumeTime.
const ConsumeTimeLayout = "2006-01-02 15:04:05"

// Envelope is the serialized unit of work and its delivery metadata.
// Connect, Queue, ID, Time and Delay never change after NewEnvelope.
type Envelope struct {
	ID          string          `json:"id"`
	Time        int64           `json:"time"`
	Delay       int64           `json:"delay"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Connect     string          `json:"connect"`
	Queue       string          `json:"queue"`
	Data        json.RawMessage `json:"data"`

	// Set by the client right before the handler runs.
	ConsumeTime *string  `json:"consume_time,omitempty"`
	ConsumeMsec *float64 `json:"consume_msec,omitempty"`

	// Last captured failure message.
	Error *string `json:"error,omitempty"`
}

// NewEnvelope builds a fresh envelope with attempts = 0.
func NewEnvelope(connect, queue string, data any, delay int64, maxAttempts int, now time.Time) (*Envelope, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	if delay < 0 {
		delay = 0
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return &Envelope{
		ID:          newID(),
		Time:        now.Unix(),
		Delay:       delay,
		MaxAttempts: maxAttempts,
		Connect:     connect,
		Queue:       queue,
		Data:        raw,
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("data is not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// newID returns a time-ordered id when the clock allows it.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// DecodeEnvelope parses raw into an Envelope. Anything that is not a JSON
// object naming a queue is reported as ErrMalformedEnvelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Queue == "" {
		return nil, fmt.Errorf("%w: missing queue", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Encode returns the wire form of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MarkConsumed stamps consume_time and consume_msec.
func (e *Envelope) MarkConsumed(now time.Time) {
	ts := now.Format(ConsumeTimeLayout)
	msec := float64(now.UnixMicro()) / 1e6
	e.ConsumeTime = &ts
	e.ConsumeMsec = &msec
}

// RunningTime returns the seconds elapsed since MarkConsumed, or 0.
func (e *Envelope) RunningTime(now time.Time) float64 {
	if e.ConsumeMsec == nil {
		return 0
	}
	d := float64(now.UnixMicro())/1e6 - *e.ConsumeMsec
	if d < 0 {
		return 0
	}
	return d
}

// SetError records msg as the last failure.
func (e *Envelope) SetError(msg string) {
	e.Error = &msg
}

// ErrorMessage returns the last failure or "".
func (e *Envelope) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// ResetDelivery clears attempts, failure and consume markers for a manual re-send.
func (e *Envelope) ResetDelivery() {
	e.Attempts = 0
	e.Error = nil
	e.ConsumeTime = nil
	e.ConsumeMsec = nil
}
