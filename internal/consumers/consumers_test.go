package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHTTPQueueGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "7", r.URL.Query().Get("id"))
		require.Equal(t, "gaia", r.Header.Get("User-Agent"))
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	q := NewHTTPQueue(srv.Client(), nil)
	result, err := q.Consume(context.Background(), payload(t, map[string]any{
		"url":    srv.URL,
		"data":   map[string]any{"id": 7},
		"header": map[string]string{"X-Trace": "yes"},
		"agent":  "gaia",
	}))
	require.NoError(t, err)
	require.Equal(t, HTTPResult{Status: 200, Body: "hello"}, result)
}

func TestHTTPQueuePostForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "bob", r.PostForm.Get("name"))
		require.Equal(t, `{"a":1}`, r.PostForm.Get("meta"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	q := NewHTTPQueue(srv.Client(), nil)
	result, err := q.Consume(context.Background(), payload(t, HTTPRequest{
		URL:    srv.URL,
		Method: "post",
		Data:   map[string]any{"name": "bob", "meta": map[string]any{"a": 1}},
	}))
	require.NoError(t, err)
	require.Equal(t, HTTPResult{Status: http.StatusCreated}, result)
}

func TestHTTPQueueFailureKinds(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	q := NewHTTPQueue(srv.Client(), nil)
	ctx := context.Background()

	_, err := q.Consume(ctx, payload(t, map[string]any{"url": srv.URL}))
	require.Error(t, err)
	require.Equal(t, domain.Retryable, domain.KindOf(err))

	status = http.StatusNotFound
	_, err = q.Consume(ctx, payload(t, map[string]any{"url": srv.URL}))
	require.Equal(t, domain.Unretryable, domain.KindOf(err))

	_, err = q.Consume(ctx, payload(t, map[string]any{"url": ""}))
	require.Equal(t, domain.Unretryable, domain.KindOf(err))

	_, err = q.Consume(ctx, json.RawMessage(`"not an object"`))
	require.Equal(t, domain.Unretryable, domain.KindOf(err))

	_, err = q.Consume(ctx, payload(t, map[string]any{"url": "ftp://example.com"}))
	require.Equal(t, domain.Unretryable, domain.KindOf(err))
}

func TestHTTPQueueTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPQueue(nil, nil).Consume(context.Background(), payload(t, map[string]any{"url": url, "timeout": 1}))
	require.Error(t, err)
	require.Equal(t, domain.Retryable, domain.KindOf(err))
}

type fakeSender struct {
	queue string
	data  any
	delay int64
	err   error
}

func (f *fakeSender) SyncSend(_ context.Context, queue string, data any, delay int64, _ string, _ time.Duration) (bool, error) {
	f.queue, f.data, f.delay = queue, data, delay
	return f.err == nil, f.err
}

func TestSendQuery(t *testing.T) {
	s := &fakeSender{}
	ok, err := SendQuery(context.Background(), s, HTTPRequest{URL: "http://example.com"}, 30)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, HTTPQueueName, s.queue)
	require.Equal(t, int64(30), s.delay)
	req := s.data.(HTTPRequest)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, 10, req.Timeout)

	s.err = errors.New("redis down")
	ok, err = SendQuery(context.Background(), s, HTTPRequest{URL: "http://example.com"}, 0)
	require.Error(t, err)
	require.False(t, ok)
}

func TestDemoQueue(t *testing.T) {
	q := NewDemoQueue(nil)
	result, err := q.Consume(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, "demo-queue success!", result)

	override, err := q.OnConsumeFailure(context.Background(), errors.New("x"), domain.Envelope{ID: "1"})
	require.NoError(t, err)
	require.Nil(t, override)

	require.Len(t, Builtin(nil), 2)
}
