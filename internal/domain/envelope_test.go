package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	now := time.Unix(1700000000, 0)
	env, err := NewEnvelope("default", "send-http", map[string]string{"url": "http://x"}, 10, 5, now)
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, int64(1700000000), env.Time)
	require.Equal(t, int64(10), env.Delay)
	require.Equal(t, 0, env.Attempts)
	require.Equal(t, 5, env.MaxAttempts)
	require.JSONEq(t, `{"url":"http://x"}`, string(env.Data))
	require.Nil(t, env.Error)
	require.Nil(t, env.ConsumeTime)

	_, err = NewEnvelope("default", "", nil, 0, 5, now)
	require.Error(t, err)

	env, err = NewEnvelope("default", "q", nil, -3, 5, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), env.Delay)
	require.Equal(t, "null", string(env.Data))
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope("c", "q", json.RawMessage(`[1,2]`), 0, 3, time.Unix(10, 0))
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, k := range []string{"id", "time", "delay", "attempts", "max_attempts", "connect", "queue", "data"} {
		require.Contains(t, fields, k)
	}
	require.NotContains(t, fields, "error")
	require.NotContains(t, fields, "consume_time")

	env.SetError("boom")
	env.MarkConsumed(time.Unix(20, 500000000))
	raw, err = env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "boom", decoded.ErrorMessage())
	require.Equal(t, time.Unix(20, 0).Format(ConsumeTimeLayout), *decoded.ConsumeTime)
	require.InDelta(t, 20.5, *decoded.ConsumeMsec, 0.0001)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `123`, `null`, `{"id":"x"}`, `{"queue":5}`} {
		_, err := DecodeEnvelope([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedEnvelope, raw)
	}
}

func TestRunningTimeAndReset(t *testing.T) {
	env := &Envelope{Queue: "q", Attempts: 3}
	require.Zero(t, env.RunningTime(time.Now()))

	start := time.Unix(100, 0)
	env.MarkConsumed(start)
	require.InDelta(t, 2.0, env.RunningTime(start.Add(2*time.Second)), 0.0001)

	env.SetError("x")
	env.ResetDelivery()
	require.Zero(t, env.Attempts)
	require.Nil(t, env.Error)
	require.Nil(t, env.ConsumeMsec)
}

func TestKindOf(t *testing.T) {
	base := errors.New("bad input")
	require.Equal(t, Retryable, KindOf(base))
	require.Equal(t, Unretryable, KindOf(UnretryableError(base)))
	require.Equal(t, Retryable, KindOf(RetryableError(base)))
	require.Equal(t, Unretryable, KindOf(Unretryablef("code %d", 4)))

	wrapped := errors.Join(errors.New("ctx"), UnretryableError(base))
	require.Equal(t, Unretryable, KindOf(wrapped))
	require.ErrorIs(t, UnretryableError(base), base)
	require.Equal(t, "bad input", UnretryableError(base).Error())
	require.Nil(t, UnretryableError(nil))
}
