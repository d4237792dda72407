package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/domain"
	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
)

// Multi fans an outcome out to every sink.
type Multi []domain.Sink

func (m Multi) Handle(ctx context.Context, o domain.Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Handle(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisProvider hands out the pooled Redis client of a connection.
type RedisProvider interface {
	QueueRedis(name string, keepalive time.Duration) (*redis.Client, config.Connection, error)
}

// FromConfig builds the sinks named by cfg.HandlerDriver, a comma list of
// "log", "mysql" and "broadcast". An empty driver returns nil.
func FromConfig(cfg config.Config, redises RedisProvider) (domain.Sink, error) {
	var sinks Multi
	for _, name := range strings.Split(cfg.HandlerDriver, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "":
		case "log":
			sinks = append(sinks, NewLogger(nil))
		case "mysql":
			if cfg.MySQLDSN == "" {
				return nil, errors.New("mysql handler driver requires a dsn")
			}
			s, err := NewMySQL(cfg.MySQLDSN, cfg.LogTable)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "broadcast":
			b, err := NewBroadcastFor(redises, "")
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, b)
		default:
			return nil, fmt.Errorf("unknown handler driver %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// NewBroadcastFor returns a Broadcast on the outcomes channel of connection.
func NewBroadcastFor(redises RedisProvider, connection string) (*Broadcast, error) {
	rdb, conn, err := redises.QueueRedis(connection, 0)
	if err != nil {
		return nil, err
	}
	return NewBroadcast(rdb, queue.Keys{Prefix: conn.Prefix}.Outcomes()), nil
}
