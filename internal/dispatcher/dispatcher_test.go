package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/domain"
	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
)

var fixedNow = time.Unix(1700000000, 0)

type fakeConnector struct {
	clients map[string]*queue.Client
	calls   int
}

func newFakeConnector(t *testing.T, names ...string) (*miniredis.Miniredis, *fakeConnector) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fc := &fakeConnector{clients: map[string]*queue.Client{}}
	for _, name := range names {
		store, err := queue.NewRedisStore(rdb, queue.Keys{Prefix: name + ":"})
		require.NoError(t, err)
		fc.clients[name] = queue.NewClient(name, store,
			queue.WithClock(func() time.Time { return fixedNow }),
			queue.WithMaxAttempts(1),
		)
	}
	return m, fc
}

func (f *fakeConnector) Resolve(name string) (string, error) {
	if name == "" {
		name = "default"
	}
	if _, ok := f.clients[name]; !ok {
		return name, config.ErrConnectionNotFound
	}
	return name, nil
}

func (f *fakeConnector) Connection(_ context.Context, name string) (*queue.Client, error) {
	f.calls++
	resolved, err := f.Resolve(name)
	if err != nil {
		return nil, err
	}
	return f.clients[resolved], nil
}

type testConsumer struct {
	conn, queue string
	consume     func(json.RawMessage) (any, error)
}

func (c *testConsumer) Connection() string { return c.conn }
func (c *testConsumer) Queue() string      { return c.queue }
func (c *testConsumer) Describe() string   { return "test " + c.queue }
func (c *testConsumer) Consume(_ context.Context, data json.RawMessage) (any, error) {
	if c.consume == nil {
		return nil, nil
	}
	return c.consume(data)
}

type hookedConsumer struct {
	testConsumer
	mu       sync.Mutex
	results  []any
	failures []string
}

func (h *hookedConsumer) OnConsumeSuccess(_ context.Context, result any, _ domain.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result)
	return nil
}

func (h *hookedConsumer) OnConsumeFailure(_ context.Context, err error, _ domain.Envelope) (*domain.Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err.Error())
	return nil, nil
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	err      error
	panics   bool
}

func (s *recordingSink) Handle(_ context.Context, o domain.Outcome) error {
	if s.panics {
		panic("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func TestRegisterDuplicateFailsBeforeSubscribing(t *testing.T) {
	_, fc := newFakeConnector(t, "default", "other")
	d := New(fc)

	err := d.Register(context.Background(),
		&testConsumer{queue: "a"},
		&testConsumer{conn: "other", queue: "a"},
		&testConsumer{conn: "default", queue: "a"},
	)
	require.ErrorIs(t, err, ErrDuplicateRegistration)
	require.Zero(t, fc.calls)
	require.False(t, fc.clients["default"].Subscribed())
	require.False(t, fc.clients["other"].Subscribed())
	require.Empty(t, d.Pool())
}

func TestRegisterDuplicateAcrossCalls(t *testing.T) {
	_, fc := newFakeConnector(t, "default")
	d := New(fc)
	require.NoError(t, d.Register(context.Background(), &testConsumer{queue: "a"}))

	err := d.Register(context.Background(), &testConsumer{queue: "b"}, &testConsumer{conn: "default", queue: "a"})
	require.ErrorIs(t, err, ErrDuplicateRegistration)
	require.Equal(t, []string{"a"}, fc.clients["default"].Queues())
}

func TestRegisterUnknownConnection(t *testing.T) {
	_, fc := newFakeConnector(t, "default")
	d := New(fc)
	err := d.Register(context.Background(), &testConsumer{queue: "a"}, &testConsumer{conn: "nope", queue: "b"})
	require.ErrorIs(t, err, config.ErrConnectionNotFound)
	require.False(t, fc.clients["default"].Subscribed())
}

func TestDeliveryUpdatesPoolSinkAndHooks(t *testing.T) {
	_, fc := newFakeConnector(t, "default")
	sink := &recordingSink{err: errors.New("sink rejected")}
	d := New(fc, WithSink(sink), WithClock(func() time.Time { return fixedNow }))

	ok := &hookedConsumer{testConsumer: testConsumer{queue: "ok", consume: func(json.RawMessage) (any, error) {
		return map[string]int{"n": 1}, nil
	}}}
	bad := &hookedConsumer{testConsumer: testConsumer{queue: "bad", consume: func(json.RawMessage) (any, error) {
		return nil, errors.New("broken")
	}}}
	require.NoError(t, d.Register(context.Background(), ok, bad))

	ctx := context.Background()
	client := fc.clients["default"]
	_, err := client.Send(ctx, "ok", "x", 0, nil)
	require.NoError(t, err)
	_, err = client.Send(ctx, "bad", "y", 0, nil)
	require.NoError(t, err)
	require.NoError(t, client.Pull(ctx))
	require.NoError(t, client.Pull(ctx))

	pool := d.Pool()
	require.Len(t, pool, 2)
	require.Equal(t, "default_ok", pool[0].ID)
	require.Equal(t, int64(1), pool[0].Success)
	require.Equal(t, "test ok", pool[0].Describe)
	require.Equal(t, fixedNow.Format(domain.ConsumeTimeLayout), pool[0].LastRunningTime)
	require.Equal(t, fixedNow.Format(domain.ConsumeTimeLayout), pool[0].CreateTime)
	require.Equal(t, "default_bad", pool[1].ID)
	require.Equal(t, int64(1), pool[1].Failure)

	require.Len(t, sink.outcomes, 2)
	byQueue := map[string]domain.Outcome{}
	for _, o := range sink.outcomes {
		byQueue[o.Queue] = o
	}
	require.True(t, byQueue["ok"].Status)
	require.Equal(t, `{"n":1}`, byQueue["ok"].Result)
	require.False(t, byQueue["bad"].Status)
	require.Equal(t, "broken", byQueue["bad"].Result)

	require.Len(t, ok.results, 1)
	require.Equal(t, []string{"broken"}, bad.failures)
}

func TestSinkPanicIsIsolated(t *testing.T) {
	m, fc := newFakeConnector(t, "default")
	d := New(fc, WithSink(&recordingSink{panics: true}))
	require.NoError(t, d.Register(context.Background(), &testConsumer{queue: "q"}))

	client := fc.clients["default"]
	_, err := client.Send(context.Background(), "q", 1, 0, nil)
	require.NoError(t, err)
	require.NoError(t, client.Pull(context.Background()))
	require.Equal(t, int64(1), d.Pool()[0].Success)
	require.False(t, m.Exists("default:failed"))
}

func TestHandle(t *testing.T) {
	_, fc := newFakeConnector(t, "default")
	d := New(fc)
	require.NoError(t, d.Register(context.Background(), &testConsumer{queue: "q"}))

	require.Equal(t, "pong", d.Handle("ping"))
	require.Equal(t, "pong", d.Handle("ping\n"))
	require.Equal(t, NotSupported, d.Handle(`{"fn":"shutdown"}`))
	require.Equal(t, NotSupported, d.Handle("hello"))

	var resp struct {
		Code int         `json:"code"`
		Msg  string      `json:"msg"`
		Data []PoolEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(d.Handle(`{"fn":"getPool","data":{}}`)), &resp))
	require.Equal(t, 1, resp.Code)
	require.Equal(t, "ok", resp.Msg)
	require.Len(t, resp.Data, 1)
	require.Equal(t, "default_q", resp.Data[0].ID)
	require.Equal(t, "", resp.Data[0].LastRunningTime)
}

func TestServe(t *testing.T) {
	_, fc := newFakeConnector(t, "default")
	d := New(fc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("ping\n{\"fn\":\"getPool\"}\nbogus\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "pong\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, `{"code":1,"msg":"ok","data":[]}`))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, NotSupported+"\n", line)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
