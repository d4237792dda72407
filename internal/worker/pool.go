package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
)

// Loop is one delivery loop, typically a *queue.Client.
type Loop interface {
	Name() string
	Run(ctx context.Context) error
}

var _ Loop = (*queue.Client)(nil)

// Pool runs one goroutine per connection loop.
type Pool struct {
	loops []Loop
	// wg tracks active loops to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewPool returns a Pool over loops. Nothing runs until Start.
func NewPool(loops ...Loop) *Pool {
	return &Pool{loops: loops, logger: slog.Default().With("component", "worker-pool")}
}

// Start spawns the loops and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting worker pool", "loops", len(p.loops))

	for _, l := range p.loops {
		p.wg.Add(1)
		go p.run(ctx, l)
	}
}

// Stop cancels every loop and blocks until they have exited. A dispatch in
// progress finishes first.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for loops to drain...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Wait blocks until every loop has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, l Loop) {
	defer p.wg.Done()
	p.logger.Info("Loop started", "connection", l.Name())

	err := l.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Loop exited", "connection", l.Name(), "error", err)
		return
	}
	p.logger.Info("Loop stopped", "connection", l.Name())
}
