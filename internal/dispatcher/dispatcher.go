// Package dispatcher binds consumers to their queues, tracks per-queue
// counters and answers the worker's introspection protocol.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonGDCH/gaia-queue/internal/domain"
	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
)

// ErrDuplicateRegistration is returned when two consumers bind the same
// (connection, queue) pair.
var ErrDuplicateRegistration = errors.New("queue is already registered")

// Connector resolves connection names to running Clients.
type Connector interface {
	Resolve(name string) (string, error)
	Connection(ctx context.Context, name string) (*queue.Client, error)
}

// PoolEntry is the introspection view of one registered consumer.
type PoolEntry struct {
	ID              string `json:"id"`
	Connection      string `json:"connection"`
	Queue           string `json:"queue"`
	Describe        string `json:"describe"`
	Success         int64  `json:"success"`
	Failure         int64  `json:"failure"`
	LastRunningTime string `json:"last_running_time"`
	CreateTime      string `json:"create_time"`
}

type registration struct {
	consumer   domain.Consumer
	connection string
	queue      string
	createTime string

	success atomic.Int64
	failure atomic.Int64

	mu          sync.Mutex
	lastRunning string
}

func (r *registration) key() string { return poolKey(r.connection, r.queue) }

func (r *registration) touch(env domain.Envelope, now time.Time) {
	last := now.Format(domain.ConsumeTimeLayout)
	if env.ConsumeTime != nil {
		last = *env.ConsumeTime
	}
	r.mu.Lock()
	r.lastRunning = last
	r.mu.Unlock()
}

func (r *registration) entry() PoolEntry {
	r.mu.Lock()
	last := r.lastRunning
	r.mu.Unlock()
	return PoolEntry{
		ID:              r.key(),
		Connection:      r.connection,
		Queue:           r.queue,
		Describe:        r.consumer.Describe(),
		Success:         r.success.Load(),
		Failure:         r.failure.Load(),
		LastRunningTime: last,
		CreateTime:      r.createTime,
	}
}

// Dispatcher owns the consumer registry of one worker process.
type Dispatcher struct {
	conns  Connector
	sink   domain.Sink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	order []*registration
	byKey map[string]*registration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink sets the outcome sink. Without one outcomes are only counted.
func WithSink(s domain.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithLogger sets the logger used for registration and sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source for create and last-run times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New returns an empty Dispatcher resolving connections through conns.
func New(conns Connector, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conns:  conns,
		logger: slog.Default(),
		now:    time.Now,
		byKey:  make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Register binds every consumer to its queue. All pairs are resolved and
// checked for duplicates, and every Client is obtained, before the first
// subscription is made; on error nothing is subscribed.
func (d *Dispatcher) Register(ctx context.Context, consumers ...domain.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := make([]*registration, 0, len(consumers))
	seen := make(map[string]bool, len(consumers))
	for _, c := range consumers {
		if c.Queue() == "" {
			return fmt.Errorf("consumer %T: queue name is required", c)
		}
		name, err := d.conns.Resolve(c.Connection())
		if err != nil {
			return fmt.Errorf("consumer %s: %w", c.Queue(), err)
		}
		key := poolKey(name, c.Queue())
		if seen[key] || d.byKey[key] != nil {
			return fmt.Errorf("%w: queue %s on connection %s", ErrDuplicateRegistration, c.Queue(), name)
		}
		seen[key] = true
		pending = append(pending, &registration{consumer: c, connection: name, queue: c.Queue()})
	}

	clients := make([]*queue.Client, len(pending))
	for i, reg := range pending {
		client, err := d.conns.Connection(ctx, reg.connection)
		if err != nil {
			return err
		}
		clients[i] = client
	}

	for i, reg := range pending {
		reg.createTime = d.now().Format(domain.ConsumeTimeLayout)
		if err := clients[i].Subscribe(reg.queue, d.subscription(reg)); err != nil {
			return err
		}
		d.order = append(d.order, reg)
		d.byKey[reg.key()] = reg
		d.logger.Info("init queue subscribe", "connection", reg.connection, "queue", reg.queue)
	}
	return nil
}

func (d *Dispatcher) subscription(reg *registration) queue.Subscription {
	sub := queue.Subscription{
		Handle: reg.consumer.Consume,
		OnSuccess: func(ctx context.Context, result any, env domain.Envelope) error {
			reg.success.Add(1)
			reg.touch(env, d.now())
			d.emit(ctx, domain.Outcome{
				Connection: reg.connection,
				Queue:      reg.queue,
				Status:     true,
				Result:     resultString(result),
				Envelope:   env,
			})
			if hook, ok := reg.consumer.(domain.SuccessHook); ok {
				return hook.OnConsumeSuccess(ctx, result, env)
			}
			return nil
		},
		OnFailure: func(ctx context.Context, err error, env domain.Envelope) (*domain.Envelope, error) {
			reg.failure.Add(1)
			reg.touch(env, d.now())
			d.emit(ctx, domain.Outcome{
				Connection: reg.connection,
				Queue:      reg.queue,
				Status:     false,
				Result:     err.Error(),
				Envelope:   env,
			})
			if hook, ok := reg.consumer.(domain.FailureHook); ok {
				return hook.OnConsumeFailure(ctx, err, env)
			}
			return nil, nil
		},
	}
	return sub
}

// emit hands outcome to the sink. Sink errors and panics never reach the
// delivery path.
func (d *Dispatcher) emit(ctx context.Context, outcome domain.Outcome) {
	if d.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sink panic", "queue", outcome.Queue, "id", outcome.Envelope.ID, "panic", r)
		}
	}()
	if err := d.sink.Handle(ctx, outcome); err != nil {
		d.logger.Error("sink failed", "queue", outcome.Queue, "id", outcome.Envelope.ID, "error", err)
	}
}

// Pool returns a snapshot of every registration in registration order.
func (d *Dispatcher) Pool() []PoolEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PoolEntry, 0, len(d.order))
	for _, reg := range d.order {
		out = append(out, reg.entry())
	}
	return out
}

func poolKey(connection, queue string) string {
	return connection + "_" + queue
}

func resultString(result any) string {
	switch v := result.(type) {
	case nil:
		return "ok"
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
