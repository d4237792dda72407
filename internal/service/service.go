// Package service is the producer-facing facade over named queue connections.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/domain"
	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
)

// ErrNoListener is returned by Communication when the worker's introspection
// listener cannot be reached.
var ErrNoListener = errors.New("queue listener unavailable")

// DefaultKeepalive is the idle lifetime of pooled sync-send connections.
const DefaultKeepalive = 55 * time.Second

// Service resolves connection names and caches one Client per connection.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	now         func() time.Time
	dialTimeout time.Duration
	clientOpts  []queue.Option

	mu      sync.Mutex
	clients map[string]*queue.Client
	redises map[string]*redis.Client
	pools   map[string]*redis.Client
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger handed to the service and every Client it builds.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDialTimeout bounds Communication when ctx carries no deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Service) { s.dialTimeout = d }
}

// WithClientOptions appends options to every Client the service builds.
func WithClientOptions(opts ...queue.Option) Option {
	return func(s *Service) { s.clientOpts = append(s.clientOpts, opts...) }
}

// New returns a Service over cfg. No connection is opened until first use.
func New(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		dialTimeout: 5 * time.Second,
		clients:     make(map[string]*queue.Client),
		redises:     make(map[string]*redis.Client),
		pools:       make(map[string]*redis.Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue-service")
	return s
}

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// Resolve maps name to its configured connection name; "" selects the default.
func (s *Service) Resolve(name string) (string, error) {
	resolved, _, err := s.cfg.Resolve(name)
	return resolved, err
}

// Connection returns the cached Client for name, building and pinging its
// Redis connection on first use.
func (s *Service) Connection(ctx context.Context, name string) (*queue.Client, error) {
	resolved, conn, err := s.cfg.Resolve(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[resolved]; ok {
		return c, nil
	}

	rdb := redis.NewClient(redisOptions(conn))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect queue %s at %s: %w", resolved, conn.Addr(), err)
	}
	store, err := queue.NewRedisStore(rdb, queue.Keys{Prefix: conn.Prefix})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	opts := []queue.Option{
		queue.WithMaxAttempts(conn.MaxAttempts),
		queue.WithRetrySeconds(conn.RetrySeconds),
		queue.WithClock(s.now),
		queue.WithLogger(s.logger),
	}
	c := queue.NewClient(resolved, store, append(opts, s.clientOpts...)...)
	s.clients[resolved] = c
	s.redises[resolved] = rdb
	s.logger.Info("queue connection ready", "connection", resolved, "addr", conn.Addr(), "db", conn.Database)
	return c, nil
}

// QueueRedis returns the pooled Redis client of a connection for ad-hoc
// inspection. keepalive <= 0 uses DefaultKeepalive.
func (s *Service) QueueRedis(name string, keepalive time.Duration) (*redis.Client, config.Connection, error) {
	resolved, conn, err := s.cfg.Resolve(name)
	if err != nil {
		return nil, config.Connection{}, err
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rdb, ok := s.pools[resolved]; ok {
		return rdb, conn, nil
	}
	opts := redisOptions(conn)
	opts.PoolSize = 4
	opts.ConnMaxIdleTime = keepalive
	rdb := redis.NewClient(opts)
	s.pools[resolved] = rdb
	return rdb, conn, nil
}

// SyncSend writes one envelope with a single LPUSH or ZADD over the pooled
// connection. It needs no running Client and reports whether Redis accepted it.
func (s *Service) SyncSend(ctx context.Context, queueName string, data any, delay int64, connection string, keepalive time.Duration) (bool, error) {
	env, err := s.SyncSendEnvelope(ctx, queueName, data, delay, connection, keepalive)
	return env != nil, err
}

// SyncSendEnvelope is SyncSend returning the stored envelope.
func (s *Service) SyncSendEnvelope(ctx context.Context, queueName string, data any, delay int64, connection string, keepalive time.Duration) (*domain.Envelope, error) {
	rdb, conn, err := s.QueueRedis(connection, keepalive)
	if err != nil {
		return nil, err
	}
	resolved, _ := s.Resolve(connection)
	env, err := domain.NewEnvelope(resolved, queueName, data, delay, conn.MaxAttempts, s.now())
	if err != nil {
		return nil, err
	}
	store, err := queue.NewRedisStore(rdb, queue.Keys{Prefix: conn.Prefix})
	if err != nil {
		return nil, err
	}
	if err := queue.Write(ctx, store, env); err != nil {
		s.logger.Error("sync send failed", "connection", resolved, "queue", queueName, "error", err)
		return nil, err
	}
	return env, nil
}

// AsyncSend hands data to the connection's cached Client. ack, when set, is
// invoked with the store's verdict.
func (s *Service) AsyncSend(ctx context.Context, queueName string, data any, delay int64, connection string, ack func(bool)) (*domain.Envelope, error) {
	c, err := s.Connection(ctx, connection)
	if err != nil {
		if ack != nil {
			go ack(false)
		}
		return nil, err
	}
	return c.Send(ctx, queueName, data, delay, ack)
}

// Communication sends one line to the worker's introspection listener and
// returns its trimmed single-line reply.
func (s *Service) Communication(ctx context.Context, message string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoListener, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(strings.TrimRight(message, "\n") + "\n")); err != nil {
		return "", fmt.Errorf("write to listener: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read from listener: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// Clients returns the constructed Clients ordered by connection name.
func (s *Service) Clients() []*queue.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queue.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every Redis connection opened by the service.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, rdb := range s.redises {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	for name, rdb := range s.pools {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", name, err))
		}
	}
	clear(s.clients)
	clear(s.redises)
	clear(s.pools)
	return errors.Join(errs...)
}

func redisOptions(conn config.Connection) *redis.Options {
	return &redis.Options{
		Addr:     conn.Addr(),
		Password: conn.Auth,
		DB:       conn.Database,
	}
}
