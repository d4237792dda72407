// Package consumers holds the built-in queue consumers.
package consumers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

const (
	// HTTPQueueName is the queue served by HTTPQueue.
	HTTPQueueName = "send-http"

	defaultHTTPTimeout = 10
)

// HTTPRequest is the payload of a send-http message.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Data    map[string]any    `json:"data,omitempty"`
	Header  map[string]string `json:"header,omitempty"`
	Agent   string            `json:"agent,omitempty"`
	Timeout int               `json:"timeout"`
	// SaveRet keeps the response body in the result when 1.
	SaveRet int `json:"saveRet"`
}

// HTTPResult is returned by HTTPQueue on success.
type HTTPResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// SyncSender writes a message without a running Client.
type SyncSender interface {
	SyncSend(ctx context.Context, queue string, data any, delay int64, connection string, keepalive time.Duration) (bool, error)
}

// HTTPQueue performs the HTTP request described by each message.
type HTTPQueue struct {
	client *http.Client
	logger *slog.Logger
}

var _ domain.Consumer = (*HTTPQueue)(nil)

// NewHTTPQueue returns the send-http consumer. A nil client uses a fresh http.Client.
func NewHTTPQueue(client *http.Client, logger *slog.Logger) *HTTPQueue {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPQueue{client: client, logger: logger.With("component", "consumer", "queue", HTTPQueueName)}
}

func (q *HTTPQueue) Connection() string { return "" }
func (q *HTTPQueue) Queue() string      { return HTTPQueueName }
func (q *HTTPQueue) Describe() string   { return "send HTTP requests" }

// Consume sends the request. Bad payloads and 4xx replies are unretryable;
// transport errors and 5xx replies are retried.
func (q *HTTPQueue) Consume(ctx context.Context, data json.RawMessage) (any, error) {
	req := HTTPRequest{Method: http.MethodGet, Timeout: defaultHTTPTimeout, SaveRet: 1}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.Unretryablef("http queue data error: %v", err)
	}
	if req.URL == "" {
		return nil, domain.Unretryablef("http queue query url is empty")
	}

	if req.Timeout <= 0 {
		req.Timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		return nil, domain.UnretryableError(err)
	}
	q.logger.Info("http queue query", "url", req.URL, "method", httpReq.Method)

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http queue query error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("http queue query %s: status %d", req.URL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, domain.Unretryablef("http queue query %s: status %d", req.URL, resp.StatusCode)
	}

	result := HTTPResult{Status: resp.StatusCode}
	if req.SaveRet == 1 {
		result.Body = string(body)
		q.logger.Info("http queue query result", "status", resp.StatusCode, "body", result.Body)
	}
	return result, nil
}

func buildRequest(ctx context.Context, req HTTPRequest) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errors.New("url scheme must be http or https")
	}

	form := url.Values{}
	for k, v := range req.Data {
		form.Set(k, formValue(v))
	}

	var body io.Reader
	if method == http.MethodGet || method == http.MethodHead {
		if len(form) > 0 {
			q := target.Query()
			for k := range form {
				q.Set(k, form.Get(k))
			}
			target.RawQuery = q.Encode()
		}
	} else {
		body = bytes.NewBufferString(form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if req.Agent != "" {
		httpReq.Header.Set("User-Agent", req.Agent)
	}
	return httpReq, nil
}

func formValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return fmt.Sprint(v)
}

// SendQuery enqueues an HTTP request on the send-http queue.
func SendQuery(ctx context.Context, sender SyncSender, req HTTPRequest, delay int64) (bool, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultHTTPTimeout
	}
	return sender.SyncSend(ctx, HTTPQueueName, req, delay, "", 0)
}
