package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the thin adapter over the durability substrate.
type Store interface {
	// PushWaiting appends raw to the tail of the queue's waiting list.
	PushWaiting(ctx context.Context, queue string, raw []byte) error
	// Requeue puts raw back at the pop end of the queue's waiting list.
	Requeue(ctx context.Context, queue string, raw []byte) error
	// AddDelayed adds raw to the delayed set with the given release epoch.
	AddDelayed(ctx context.Context, score int64, raw []byte) error
	PushFailed(ctx context.Context, raw []byte) error
	// MigrateDue moves up to limit delayed entries with score <= now onto their waiting lists.
	MigrateDue(ctx context.Context, now time.Time, limit int) (int, error)
	// BlockingPop waits up to timeout for an entry on any of the queues.
	// ok is false when the wait timed out.
	BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (queue string, raw []byte, ok bool, err error)
	ListFailed(ctx context.Context, offset, limit int64) ([]string, error)
	// PopFailed removes the oldest failed entry.
	PopFailed(ctx context.Context) ([]byte, bool, error)
	Stats(ctx context.Context, queues []string) (Stats, error)
	Close() error
}

// Stats is a point-in-time view of the key space.
type Stats struct {
	Waiting map[string]int64 `json:"waiting"`
	Delayed int64            `json:"delayed"`
	Failed  int64            `json:"failed"`
}

// redisCommander is the subset of go-redis used by RedisStore, so tests and
// callers can hand in a *redis.Client, a ring or a cluster client.
type redisCommander interface {
	redis.Scripter
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisStore implements Store on Redis lists and a sorted set.
type RedisStore struct {
	cli  redisCommander
	keys Keys
}

// Ensure RedisStore satisfies the interface
var _ Store = (*RedisStore)(nil)

// migrateScript atomically moves due delayed entries to their waiting lists.
// KEYS[1] delayed set, KEYS[2] failed list; ARGV[1] now, ARGV[2] limit, ARGV[3] waiting key prefix.
var migrateScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
	redis.call("ZREM", KEYS[1], raw)
	local ok, env = pcall(cjson.decode, raw)
	if ok and type(env) == "table" and type(env["queue"]) == "string" and env["queue"] ~= "" then
		redis.call("LPUSH", ARGV[3] .. env["queue"], raw)
	else
		redis.call("LPUSH", KEYS[2], raw)
	end
end
return #due
`)

// NewRedisStore wraps an existing go-redis client. The caller owns the client
// unless Close is called on the store.
func NewRedisStore(cli redisCommander, keys Keys) (*RedisStore, error) {
	if cli == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisStore{cli: cli, keys: keys}, nil
}

// Keys returns the key layout of the store.
func (s *RedisStore) Keys() Keys { return s.keys }

func (s *RedisStore) PushWaiting(ctx context.Context, queue string, raw []byte) error {
	if err := s.cli.LPush(ctx, s.keys.Waiting(queue), raw).Err(); err != nil {
		return fmt.Errorf("redis lpush %s failed: %w", queue, err)
	}
	return nil
}

func (s *RedisStore) Requeue(ctx context.Context, queue string, raw []byte) error {
	if err := s.cli.RPush(ctx, s.keys.Waiting(queue), raw).Err(); err != nil {
		return fmt.Errorf("redis rpush %s failed: %w", queue, err)
	}
	return nil
}

func (s *RedisStore) AddDelayed(ctx context.Context, score int64, raw []byte) error {
	err := s.cli.ZAdd(ctx, s.keys.Delayed(), redis.Z{Score: float64(score), Member: raw}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd delayed failed: %w", err)
	}
	return nil
}

func (s *RedisStore) PushFailed(ctx context.Context, raw []byte) error {
	if err := s.cli.LPush(ctx, s.keys.Failed(), raw).Err(); err != nil {
		return fmt.Errorf("redis lpush failed-list failed: %w", err)
	}
	return nil
}

func (s *RedisStore) MigrateDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 128
	}
	n, err := migrateScript.Run(ctx, s.cli,
		[]string{s.keys.Delayed(), s.keys.Failed()},
		strconv.FormatInt(now.Unix(), 10), limit, s.keys.WaitingPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("migrate delayed failed: %w", err)
	}
	return n, nil
}

func (s *RedisStore) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, bool, error) {
	if len(queues) == 0 {
		return "", nil, false, nil
	}
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = s.keys.Waiting(q)
	}
	res, err := s.cli.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("redis brpop failed: %w", err)
	}
	if len(res) != 2 {
		return "", nil, false, fmt.Errorf("redis brpop: unexpected reply of %d items", len(res))
	}
	queue, ok := s.keys.QueueOf(res[0])
	if !ok {
		return "", nil, false, fmt.Errorf("redis brpop: unexpected key %q", res[0])
	}
	return queue, []byte(res[1]), true, nil
}

func (s *RedisStore) ListFailed(ctx context.Context, offset, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.cli.LRange(ctx, s.keys.Failed(), offset, offset+limit-1).Result()
}

func (s *RedisStore) PopFailed(ctx context.Context) ([]byte, bool, error) {
	raw, err := s.cli.RPop(ctx, s.keys.Failed()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis rpop failed-list failed: %w", err)
	}
	return []byte(raw), true, nil
}

func (s *RedisStore) Stats(ctx context.Context, queues []string) (Stats, error) {
	st := Stats{Waiting: make(map[string]int64, len(queues))}
	for _, q := range queues {
		n, err := s.cli.LLen(ctx, s.keys.Waiting(q)).Result()
		if err != nil {
			return st, err
		}
		st.Waiting[q] = n
	}
	var err error
	if st.Delayed, err = s.cli.ZCard(ctx, s.keys.Delayed()).Result(); err != nil {
		return st, err
	}
	if st.Failed, err = s.cli.LLen(ctx, s.keys.Failed()).Result(); err != nil {
		return st, err
	}
	return st, nil
}

func (s *RedisStore) Close() error { return s.cli.Close() }
