// internal/handler/ws_hub.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"refill-service/internal/domain"
	"refill-service/internal/usecase"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var ErrChannelFull = fmt.Errorf("send channel is full")

// Hub tracks the live terminal connection of each session. A reconnect for the
// same session replaces the previous connection.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.SessionID]; ok && old != client {
				old.shutdown()
			}
			h.clients[client.SessionID] = client
			h.mu.Unlock()
			h.logger.Info("terminal connected", zap.String("session_id", client.SessionID))

		case client := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[client.SessionID]; ok && cur == client {
				delete(h.clients, client.SessionID)
			}
			client.shutdown()
			h.mu.Unlock()
			h.logger.Info("terminal disconnected", zap.String("session_id", client.SessionID))
		}
	}
}

// Engine returns the engine of the connected terminal for a session, if any.
func (h *Hub) Engine(sessionID string) (*usecase.ReconciliationEngine, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID]
	if !ok || c.engine == nil {
		return nil, false
	}
	return c.engine, true
}

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type WSResponse struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Client is one terminal connection. It is also the engine's notifier.
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub

	engine *usecase.ReconciliationEngine
	medium *WSMedium
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

func newClient(sessionID string, conn *websocket.Conn, hub *Hub, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		Hub:       hub,
		logger:    logger.With(zap.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.medium = NewWSMedium(c)
	return c
}

// Context is cancelled when the connection goes away. Engine work started
// from this connection runs under it.
func (c *Client) Context() context.Context { return c.ctx }

func (c *Client) shutdown() {
	c.cancel()
}

func (c *Client) SendJSON(data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("failed to marshal websocket message", zap.Error(err))
		return err
	}
	if c.ctx.Err() != nil {
		return nil
	}
	select {
	case c.Send <- bytes:
		return nil
	default:
		c.logger.Warn("send channel full")
		return ErrChannelFull
	}
}

func (c *Client) SendMessage(msgType string, data interface{}) {
	_ = c.SendJSON(WSResponse{Type: msgType, Data: data, Timestamp: time.Now().Unix()})
}

func (c *Client) SendError(message string) {
	c.SendMessage("error", map[string]string{"message": message})
}

// sendRefillError reports a classified engine failure so the UI can offer the right control.
func (c *Client) sendRefillError(err error) {
	payload := map[string]interface{}{
		"message":   err.Error(),
		"kind":      string(domain.KindOf(err)),
		"retryable": domain.IsRetryable(err),
	}
	c.SendMessage("error", payload)
}

// Notify implements usecase.Notifier.
func (c *Client) Notify(ev domain.StatusEvent) {
	c.SendMessage("status", ev)
	if ev.Balance != nil && ev.CardID != "" {
		c.SendMessage("card", map[string]interface{}{
			"card_id": domain.MaskCardID(ev.CardID),
			"balance": ev.Balance.StringFixed(2),
		})
	}
}

// Receipt implements usecase.Notifier.
func (c *Client) Receipt(r *domain.ReconciliationReceipt) {
	c.SendMessage("receipt", r)
}

// startScan runs fn with a context that cancel_scan, a newer scan, or the
// connection closing will cancel.
func (c *Client) startScan(fn func(ctx context.Context)) {
	c.scanMu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	c.scanMu.Unlock()

	go func() {
		defer cancel()
		fn(ctx)
	}()
}

func (c *Client) cancelScan() {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

func (c *Client) ReadPump(handler *RefillHandler) {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 << 10)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendError("invalid message format")
			continue
		}
		handler.HandleWSMessage(c, &msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
