// Package web exposes the producer HTTP API and the live outcome feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/domain"
	"github.com/MonGDCH/gaia-queue/internal/platform/queue"
	"github.com/MonGDCH/gaia-queue/internal/service"
)

// Backend is the queue surface the API needs.
type Backend interface {
	SyncSendEnvelope(ctx context.Context, queue string, data any, delay int64, connection string, keepalive time.Duration) (*domain.Envelope, error)
	Communication(ctx context.Context, message string) (string, error)
	Connection(ctx context.Context, name string) (*queue.Client, error)
}

// Server holds the API handlers.
type Server struct {
	backend Backend
	limiter *RateLimiter
	hub     *Hub
}

// NewServer wires the handlers. limiter may be nil.
func NewServer(backend Backend, limiter *RateLimiter, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	return &Server{backend: backend, limiter: limiter, hub: hub}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	api := r.Group("/api")
	send := []gin.HandlerFunc{s.handleSend}
	if s.limiter != nil {
		send = append([]gin.HandlerFunc{s.limiter.Middleware()}, send...)
	}
	api.POST("/send", send...)
	api.GET("/ping", s.handlePing)
	api.GET("/pool", s.handlePool)
	api.GET("/failed", s.handleFailed)
	api.POST("/failed/retry", s.handleRetryFailed)
	api.GET("/stats", s.handleStats)
	api.GET("/ws", s.handleWS)
	return r
}

type sendRequest struct {
	Queue      string          `json:"queue"`
	Data       json.RawMessage `json:"data"`
	Delay      int64           `json:"delay"`
	Connection string          `json:"connection"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Queue == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "queue is required"})
		return
	}
	if req.Delay < 0 {
		req.Delay = 0
	}

	env, err := s.backend.SyncSendEnvelope(c.Request.Context(), req.Queue, req.Data, req.Delay, req.Connection, 0)
	if err != nil {
		if errors.Is(err, config.ErrConnectionNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to send message", "queue", req.Queue, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	slog.Info("Received message", "queue", req.Queue, "id", env.ID, "delay", env.Delay)
	c.JSON(http.StatusAccepted, gin.H{"id": env.ID, "status": "queued"})
}

func (s *Server) handlePing(c *gin.Context) {
	reply, err := s.backend.Communication(c.Request.Context(), "ping")
	if err != nil {
		s.listenerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (s *Server) handlePool(c *gin.Context) {
	reply, err := s.backend.Communication(c.Request.Context(), `{"fn":"getPool","data":{}}`)
	if err != nil {
		s.listenerError(c, err)
		return
	}
	if !json.Valid([]byte(reply)) {
		c.JSON(http.StatusBadGateway, gin.H{"error": reply})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(reply))
}

func (s *Server) listenerError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrNoListener) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (s *Server) client(c *gin.Context) (*queue.Client, bool) {
	client, err := s.backend.Connection(c.Request.Context(), c.Query("connection"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrConnectionNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return client, true
}

func (s *Server) handleFailed(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", 20)
	entries, err := client.Failed(c.Request.Context(), int64(offset), int64(limit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": client.Name(), "data": entries})
}

func (s *Server) handleRetryFailed(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	n, err := client.RetryFailed(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "requeued": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (s *Server) handleStats(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	stats, err := client.Stats(c.Request.Context(), c.QueryArray("queue")...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

// handleWS streams outcomes, optionally only those of ?queue=.
func (s *Server) handleWS(c *gin.Context) {
	queueName := c.Query("queue")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr(), "queue", queueName)
	s.hub.add(conn, queueName)
	defer func() {
		slog.Info("Client disconnected", "queue", queueName)
		s.hub.remove(conn)
		conn.Close()
	}()

	// Keep the connection open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
