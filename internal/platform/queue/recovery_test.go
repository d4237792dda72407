package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailedListAndRetry(t *testing.T) {
	s, c, _ := newTestClient(t, WithMaxAttempts(0))
	ctx := context.Background()

	require.NoError(t, c.Subscribe("q", Subscription{Handle: func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("down")
	}}))
	_, err := c.Send(ctx, "q", "a", 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Pull(ctx))
	s.Lpush("failed", "junk")

	entries, err := c.Failed(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Nil(t, entries[0].Envelope)
	require.Equal(t, "junk", entries[0].Raw)
	require.NotNil(t, entries[1].Envelope)
	require.Equal(t, 1, entries[1].Envelope.Attempts)

	n, err := c.RetryFailed(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waiting := decodeList(t, s, "waiting:q")
	require.Len(t, waiting, 1)
	require.Equal(t, 0, waiting[0].Attempts)
	require.Nil(t, waiting[0].Error)
	require.Nil(t, waiting[0].ConsumeTime)

	failed, err := s.List("failed")
	require.NoError(t, err)
	require.Equal(t, []string{"junk"}, failed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Waiting["q"])
	require.Equal(t, int64(1), stats.Failed)
}
