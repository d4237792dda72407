package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// OutcomeSource streams delivery outcomes, e.g. the broadcast sink.
type OutcomeSource interface {
	Subscribe(ctx context.Context) (<-chan domain.Outcome, error)
}

// Hub fans outcomes out to websocket clients filtered by queue.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]string
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]string)}
}

func (h *Hub) add(conn *websocket.Conn, queue string) {
	h.mu.Lock()
	h.conns[conn] = queue
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run forwards every outcome from src until ctx is done or src closes.
func (h *Hub) Run(ctx context.Context, src OutcomeSource) error {
	slog.Info("Starting outcome broadcaster...")
	ch, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	for o := range ch {
		h.broadcast(o)
	}
	return nil
}

func (h *Hub) broadcast(o domain.Outcome) {
	var dead []*websocket.Conn
	h.mu.RLock()
	for conn, queue := range h.conns {
		if queue != "" && queue != o.Queue {
			continue
		}
		if err := conn.WriteJSON(o); err != nil {
			slog.Error("Failed to write to websocket", "queue", o.Queue, "error", err)
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range dead {
		h.remove(conn)
		_ = conn.Close()
	}
}
