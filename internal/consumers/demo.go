package consumers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// DemoQueueName is the queue served by DemoQueue.
const DemoQueueName = "demo-queue"

// DemoQueue logs every payload and reports success.
type DemoQueue struct {
	logger *slog.Logger
}

var (
	_ domain.Consumer    = (*DemoQueue)(nil)
	_ domain.FailureHook = (*DemoQueue)(nil)
)

func NewDemoQueue(logger *slog.Logger) *DemoQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DemoQueue{logger: logger.With("component", "consumer", "queue", DemoQueueName)}
}

func (q *DemoQueue) Connection() string { return "" }
func (q *DemoQueue) Queue() string      { return DemoQueueName }
func (q *DemoQueue) Describe() string   { return "demo queue" }

func (q *DemoQueue) Consume(ctx context.Context, data json.RawMessage) (any, error) {
	q.logger.InfoContext(ctx, "demo queue consume", "data", string(data))
	return "demo-queue success!", nil
}

func (q *DemoQueue) OnConsumeFailure(ctx context.Context, err error, env domain.Envelope) (*domain.Envelope, error) {
	q.logger.ErrorContext(ctx, "demo queue consume failed", "id", env.ID, "attempts", env.Attempts, "error", err)
	return nil, nil
}

// Builtin returns every built-in consumer.
func Builtin(logger *slog.Logger) []domain.Consumer {
	return []domain.Consumer{
		NewHTTPQueue(nil, logger),
		NewDemoQueue(logger),
	}
}
