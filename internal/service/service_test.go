package service

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/domain"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestService(t *testing.T) (*miniredis.Miniredis, *Service) {
	t.Helper()
	m := miniredis.RunT(t)
	port, err := strconv.Atoi(m.Port())
	require.NoError(t, err)

	cfg := config.Default()
	conn := cfg.Connections["default"]
	conn.Host = m.Host()
	conn.Port = port
	conn.Prefix = "app:"
	cfg.Connections["default"] = conn

	other := conn
	other.Database = 2
	other.Prefix = "jobs:"
	cfg.Connections["jobs"] = other

	svc := New(cfg, WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(func() { _ = svc.Close() })
	return m, svc
}

func TestConnectionIsCachedPerResolvedName(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Connection(ctx, "")
	require.NoError(t, err)
	b, err := svc.Connection(ctx, "default")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, "default", a.Name())

	j, err := svc.Connection(ctx, "jobs")
	require.NoError(t, err)
	require.NotSame(t, a, j)
	require.Len(t, svc.Clients(), 2)
	require.Equal(t, "default", svc.Clients()[0].Name())
}

func TestConnectionUnknown(t *testing.T) {
	_, svc := newTestService(t)
	_, err := svc.Connection(context.Background(), "nope")
	require.ErrorIs(t, err, config.ErrConnectionNotFound)

	_, err = svc.SyncSend(context.Background(), "q", 1, 0, "nope", 0)
	require.ErrorIs(t, err, config.ErrConnectionNotFound)
}

func TestConnectionPingFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.Default()
	conn := cfg.Connections["default"]
	conn.Port = port
	cfg.Connections["default"] = conn
	svc := New(cfg)

	_, err = svc.Connection(context.Background(), "")
	require.Error(t, err)
	require.Empty(t, svc.Clients())
}

func TestSyncSend(t *testing.T) {
	m, svc := newTestService(t)
	ctx := context.Background()

	ok, err := svc.SyncSend(ctx, "send-http", map[string]string{"url": "http://example.com"}, 0, "", 0)
	require.NoError(t, err)
	require.True(t, ok)

	raws, err := m.DB(5).List("app:waiting:send-http")
	require.NoError(t, err)
	require.Len(t, raws, 1)
	env, err := domain.DecodeEnvelope([]byte(raws[0]))
	require.NoError(t, err)
	require.Equal(t, "default", env.Connect)
	require.Equal(t, fixedNow.Unix(), env.Time)
	require.Equal(t, 5, env.MaxAttempts)

	ok, err = svc.SyncSend(ctx, "later", "x", 60, "jobs", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	members, err := m.DB(2).ZMembers("jobs:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := m.DB(2).ZScore("jobs:delayed", members[0])
	require.NoError(t, err)
	require.Equal(t, float64(fixedNow.Unix()+60), score)
}

func TestAsyncSend(t *testing.T) {
	m, svc := newTestService(t)
	acked := make(chan bool, 1)
	env, err := svc.AsyncSend(context.Background(), "mail", []int{1, 2}, 0, "", func(ok bool) { acked <- ok })
	require.NoError(t, err)
	require.True(t, <-acked)
	require.JSONEq(t, `[1,2]`, string(env.Data))
	require.True(t, m.DB(5).Exists("app:waiting:mail"))

	_, err = svc.AsyncSend(context.Background(), "mail", 1, 0, "missing", func(ok bool) { acked <- ok })
	require.Error(t, err)
	require.False(t, <-acked)
}

func TestCommunication(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, _ := bufio.NewReader(conn).ReadString('\n')
			if strings.TrimSpace(line) == "ping" {
				_, _ = conn.Write([]byte("pong\n"))
			} else {
				_, _ = conn.Write([]byte("Not support fn\n"))
			}
			conn.Close()
		}
	}()

	cfg := config.Default()
	cfg.Listen = ln.Addr().String()
	svc := New(cfg)

	reply, err := svc.Communication(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, "pong", reply)

	req, _ := json.Marshal(map[string]any{"fn": "nope"})
	reply, err = svc.Communication(context.Background(), string(req))
	require.NoError(t, err)
	require.Equal(t, "Not support fn", reply)
}

func TestCommunicationNoListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Listen = addr
	svc := New(cfg, WithDialTimeout(time.Second))
	_, err = svc.Communication(context.Background(), "ping")
	require.ErrorIs(t, err, ErrNoListener)
}
