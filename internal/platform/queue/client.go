package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// State is the blocking-pop state of a Client.
type State int32

const (
	// StateIdle means no blocking pop is outstanding.
	StateIdle State = iota
	// StateAwaitingPop means a pull cycle owns the connection's blocking pop.
	StateAwaitingPop
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPop:
		return "awaiting-pop"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler consumes the payload of one envelope.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// SuccessFunc observes a successful delivery.
type SuccessFunc func(ctx context.Context, result any, env domain.Envelope) error

// FailureFunc observes a failed delivery and may return an override for
// data, attempts, max_attempts and error (retryable failures only).
type FailureFunc func(ctx context.Context, err error, env domain.Envelope) (*domain.Envelope, error)

// Subscription binds a queue to its handler and optional hooks.
type Subscription struct {
	Handle    Handler
	OnSuccess SuccessFunc
	OnFailure FailureFunc
}

// Client owns one connection: it sends envelopes, pulls and dispatches them,
// and runs the retry state machine.
type Client struct {
	name  string
	store Store

	maxAttempts  int
	retrySeconds int64
	popTimeout   time.Duration
	idleInterval time.Duration
	errorBackoff time.Duration
	migrateLimit int
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	state atomic.Int32

	mu   sync.RWMutex
	subs map[string]Subscription
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets the attempts ceiling resolved at dispatch time.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithRetrySeconds sets the delay before a retryable failure is redelivered.
func WithRetrySeconds(n int) Option {
	return func(c *Client) { c.retrySeconds = int64(n) }
}

// WithPopTimeout bounds each blocking pop so delayed entries are migrated
// and cancellation is observed at least this often.
func WithPopTimeout(d time.Duration) Option {
	return func(c *Client) { c.popTimeout = d }
}

// WithMigrateLimit caps the delayed entries moved per pull cycle.
func WithMigrateLimit(n int) Option {
	return func(c *Client) { c.migrateLimit = n }
}

// WithWriteTimeout bounds each store write made after an envelope was popped.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithClock overrides the time source used for envelope times and retry scores.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger; records are tagged with the connection name.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client for the named connection backed by store.
func NewClient(name string, store Store, opts ...Option) *Client {
	c := &Client{
		name:         name,
		store:        store,
		maxAttempts:  5,
		retrySeconds: 5,
		popTimeout:   time.Second,
		idleInterval: 100 * time.Millisecond,
		errorBackoff: time.Second,
		migrateLimit: 128,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
		subs:         make(map[string]Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "queue-client", "connection", name)
	return c
}

// Name returns the connection name.
func (c *Client) Name() string { return c.name }

// Store returns the underlying store adapter.
func (c *Client) Store() Store { return c.store }

// State reports whether a blocking pop is outstanding.
func (c *Client) State() State { return State(c.state.Load()) }

// Subscribe binds queue to sub, replacing any previous binding on this client.
func (c *Client) Subscribe(queue string, sub Subscription) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if sub.Handle == nil {
		return fmt.Errorf("queue %s: handler is nil", queue)
	}
	c.mu.Lock()
	c.subs[queue] = sub
	c.mu.Unlock()
	c.logger.Info("queue subscribed", "queue", queue)
	return nil
}

// Unsubscribe stops delivery for queue. In-flight dispatches still complete.
func (c *Client) Unsubscribe(queue string) {
	c.mu.Lock()
	delete(c.subs, queue)
	c.mu.Unlock()
	c.logger.Info("queue unsubscribed", "queue", queue)
}

// Queues returns the subscribed queue names in sorted order.
func (c *Client) Queues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for q := range c.subs {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether any queue is subscribed.
func (c *Client) Subscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) > 0
}

func (c *Client) subscription(queue string) (Subscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[queue]
	return sub, ok
}

// Send enqueues data on queue. delay > 0 parks the envelope in the delayed
// set until now+delay. ack, when non-nil, is called on its own goroutine with
// whether the store accepted the write.
func (c *Client) Send(ctx context.Context, queue string, data any, delay int64, ack func(bool)) (*domain.Envelope, error) {
	env, err := domain.NewEnvelope(c.name, queue, data, delay, c.maxAttempts, c.now())
	if err != nil {
		if ack != nil {
			go ack(false)
		}
		return nil, err
	}
	err = Write(ctx, c.store, env)
	if ack != nil {
		go ack(err == nil)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Write stores env on its waiting list, or in the delayed set when env.Delay > 0.
func Write(ctx context.Context, store Store, env *domain.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if env.Delay > 0 {
		return store.AddDelayed(ctx, env.Time+env.Delay, raw)
	}
	return store.PushWaiting(ctx, env.Queue, raw)
}

// Pull runs one delivery cycle: migrate due delayed entries, block on the
// subscribed waiting lists and dispatch what arrives. While another cycle
// holds the blocking pop, Pull returns immediately without touching the store.
func (c *Client) Pull(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingPop)) {
		return nil
	}
	queue, raw, ok, err := c.poll(ctx)
	c.state.Store(int32(StateIdle))
	if err != nil || !ok {
		return err
	}
	// The envelope left the waiting list; it must reach its next location
	// even if ctx is cancelled while the handler runs.
	c.dispatch(context.WithoutCancel(ctx), queue, raw)
	return nil
}

func (c *Client) poll(ctx context.Context) (string, []byte, bool, error) {
	queues := c.Queues()
	if len(queues) == 0 {
		return "", nil, false, nil
	}
	n, err := c.store.MigrateDue(ctx, c.now(), c.migrateLimit)
	if err != nil {
		return "", nil, false, err
	}
	if n > 0 {
		c.logger.Debug("delayed entries migrated", "count", n)
	}
	return c.store.BlockingPop(ctx, queues, c.popTimeout)
}

// Run re-arms Pull through a timer until ctx is cancelled. With nothing
// subscribed it idles instead of polling the store.
func (c *Client) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if !c.Subscribed() {
			timer.Reset(c.idleInterval)
			continue
		}
		if err := c.Pull(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("pull cycle failed", "error", err)
			timer.Reset(c.errorBackoff)
			continue
		}
		timer.Reset(0)
	}
}

func (c *Client) dispatch(ctx context.Context, queue string, raw []byte) {
	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		c.logger.Warn("malformed envelope moved to failed store", "queue", queue, "error", err)
		wctx, cancel := c.writeContext(ctx)
		defer cancel()
		if perr := c.store.PushFailed(wctx, raw); perr != nil {
			c.logger.Error("failed to store malformed envelope", "queue", queue, "error", perr)
		}
		return
	}

	sub, ok := c.subscription(queue)
	if !ok {
		// Put it back for whichever consumer still subscribes to the queue.
		wctx, cancel := c.writeContext(ctx)
		defer cancel()
		if rerr := c.store.Requeue(wctx, queue, raw); rerr != nil {
			c.logger.Error("failed to requeue unsubscribed envelope", "queue", queue, "id", env.ID, "error", rerr)
		}
		return
	}

	env.MarkConsumed(c.now())
	result, err := invoke(ctx, sub.Handle, env.Data)
	if err == nil {
		c.succeed(ctx, sub, result, env)
		return
	}
	c.fail(ctx, sub, err, env)
}

func invoke(ctx context.Context, h Handler, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, data)
}

func (c *Client) succeed(ctx context.Context, sub Subscription, result any, env *domain.Envelope) {
	if sub.OnSuccess == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("success hook panic: %v", r)
			}
		}()
		return sub.OnSuccess(ctx, result, *env)
	}()
	if err != nil {
		c.logger.Error("success hook failed", "queue", env.Queue, "id", env.ID, "error", err)
	}
}

func (c *Client) observeFailure(ctx context.Context, sub Subscription, cause error, env *domain.Envelope) *domain.Envelope {
	if sub.OnFailure == nil {
		return nil
	}
	override, err := func() (out *domain.Envelope, err error) {
		defer func() {
			if r := recover(); r != nil {
				out, err = nil, fmt.Errorf("failure hook panic: %v", r)
			}
		}()
		return sub.OnFailure(ctx, cause, *env)
	}()
	if err != nil {
		c.logger.Error("failure hook failed", "queue", env.Queue, "id", env.ID, "error", err)
		return nil
	}
	return override
}

func (c *Client) fail(ctx context.Context, sub Subscription, cause error, env *domain.Envelope) {
	env.MaxAttempts = c.maxAttempts
	env.SetError(cause.Error())
	log := c.logger.With("queue", env.Queue, "id", env.ID)

	if domain.KindOf(cause) == domain.Unretryable {
		log.Error("unretryable failure", "error", cause)
		c.observeFailure(ctx, sub, cause, env)
		c.bury(ctx, env)
		return
	}

	log.Error("consume failed", "error", cause, "attempts", env.Attempts)
	if override := c.observeFailure(ctx, sub, cause, env); override != nil {
		applyOverride(env, override)
	}

	env.Attempts++
	if env.Attempts > env.MaxAttempts {
		log.Warn("attempts exhausted", "attempts", env.Attempts, "max_attempts", env.MaxAttempts)
		c.bury(ctx, env)
		return
	}
	c.retry(ctx, env)
}

// applyOverride merges the hook-controlled fields that the override sets.
// Zero values leave the envelope unchanged and attempts never decrease.
func applyOverride(env, override *domain.Envelope) {
	if override.Data != nil {
		env.Data = override.Data
	}
	if override.Attempts > env.Attempts {
		env.Attempts = override.Attempts
	}
	if override.MaxAttempts > 0 {
		env.MaxAttempts = override.MaxAttempts
	}
	if override.Error != nil {
		env.SetError(*override.Error)
	}
}

// writeContext bounds a store write that has to land after shutdown began.
func (c *Client) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
}

func (c *Client) retry(ctx context.Context, env *domain.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		c.logger.Error("failed to marshal retry envelope", "id", env.ID, "error", err)
		return
	}
	score := c.now().Unix() + c.retrySeconds
	wctx, cancel := c.writeContext(ctx)
	defer cancel()
	if err := c.store.AddDelayed(wctx, score, raw); err != nil {
		c.logger.Error("failed to schedule retry", "queue", env.Queue, "id", env.ID, "error", err)
		return
	}
	c.logger.Info("retry scheduled", "queue", env.Queue, "id", env.ID, "attempts", env.Attempts, "release_at", score)
}

func (c *Client) bury(ctx context.Context, env *domain.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		c.logger.Error("failed to marshal failed envelope", "id", env.ID, "error", err)
		return
	}
	wctx, cancel := c.writeContext(ctx)
	defer cancel()
	if err := c.store.PushFailed(wctx, raw); err != nil {
		c.logger.Error("failed to store failed envelope", "queue", env.Queue, "id", env.ID, "error", err)
	}
}
