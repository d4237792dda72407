package queue

import (
	"context"
	"fmt"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// FailedEntry is one item of the failed store. Envelope is nil when the raw
// payload could not be decoded.
type FailedEntry struct {
	Raw      string           `json:"raw"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
}

// Failed lists failed entries, newest first.
func (c *Client) Failed(ctx context.Context, offset, limit int64) ([]FailedEntry, error) {
	raws, err := c.store.ListFailed(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed store: %w", err)
	}
	out := make([]FailedEntry, 0, len(raws))
	for _, raw := range raws {
		entry := FailedEntry{Raw: raw}
		if env, err := domain.DecodeEnvelope([]byte(raw)); err == nil {
			entry.Envelope = env
		}
		out = append(out, entry)
	}
	return out, nil
}

// RetryFailed re-sends up to limit failed envelopes, oldest first, with a
// fresh attempts budget. Malformed entries stay in the failed store.
func (c *Client) RetryFailed(ctx context.Context, limit int) (int, error) {
	st, err := c.store.Stats(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed store size: %w", err)
	}
	if int64(limit) > st.Failed || limit <= 0 {
		limit = int(st.Failed)
	}

	requeued := 0
	for i := 0; i < limit; i++ {
		raw, ok, err := c.store.PopFailed(ctx)
		if err != nil {
			return requeued, err
		}
		if !ok {
			break
		}
		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			wctx, cancel := c.writeContext(ctx)
			perr := c.store.PushFailed(wctx, raw)
			cancel()
			if perr != nil {
				return requeued, perr
			}
			continue
		}
		env.ResetDelivery()
		fresh, err := env.Encode()
		if err == nil {
			err = c.store.PushWaiting(ctx, env.Queue, fresh)
		}
		if err != nil {
			// Restore the raw entry.
			wctx, cancel := c.writeContext(ctx)
			defer cancel()
			_ = c.store.PushFailed(wctx, raw)
			return requeued, err
		}
		requeued++
		c.logger.Info("failed envelope requeued", "queue", env.Queue, "id", env.ID)
	}
	return requeued, nil
}

// Stats reports waiting sizes of the subscribed queues plus delayed and failed sizes.
func (c *Client) Stats(ctx context.Context, queues ...string) (Stats, error) {
	if len(queues) == 0 {
		queues = c.Queues()
	}
	return c.store.Stats(ctx, queues)
}
