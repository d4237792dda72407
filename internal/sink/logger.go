// Package sink records delivery outcomes: log lines, audit rows and a
// Redis pub/sub feed.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// Logger writes one line per outcome.
type Logger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger returns a Logger sink. A nil logger uses slog.Default().
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{logger: l.With("component", "sink", "driver", "log"), now: time.Now}
}

func (s *Logger) Handle(ctx context.Context, o domain.Outcome) error {
	line := FormatLine(o, s.now())
	if o.Status {
		s.logger.InfoContext(ctx, line, "id", o.Envelope.ID)
	} else {
		s.logger.ErrorContext(ctx, line, "id", o.Envelope.ID)
	}
	return nil
}

// FormatLine renders o as
// "[conn] [queue] [send_time] data [run_time] result [runing_time: s]".
func FormatLine(o domain.Outcome, now time.Time) string {
	return fmt.Sprintf("[%s] [%s] [%s] %s [%s] %s [runing_time: %s]",
		o.Envelope.Connect,
		o.Queue,
		sendTime(o.Envelope),
		sendData(o.Envelope.Data),
		runTime(o.Envelope, now),
		o.Result,
		strconv.FormatFloat(runningTime(o.Envelope, now), 'f', -1, 64),
	)
}

func sendTime(env domain.Envelope) string {
	return time.Unix(env.Time, 0).Format(domain.ConsumeTimeLayout)
}

func runTime(env domain.Envelope, now time.Time) string {
	if env.ConsumeTime != nil {
		return *env.ConsumeTime
	}
	return now.Format(domain.ConsumeTimeLayout)
}

// runningTime is rounded to microseconds.
func runningTime(env domain.Envelope, now time.Time) float64 {
	d := env.RunningTime(now)
	return float64(int64(d*1e6+0.5)) / 1e6
}

// sendData prints string payloads bare and everything else as JSON.
func sendData(data json.RawMessage) string {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return string(data)
}
