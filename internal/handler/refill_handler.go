// internal/handler/refill_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"refill-service/internal/domain"
	"refill-service/internal/repository"
	"refill-service/internal/usecase"
	"refill-service/pkg/jwtutil"
	"refill-service/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type RefillOptions struct {
	Presets  []decimal.Decimal
	Currency string
}

type RefillHandler struct {
	factory   *usecase.EngineFactory
	hub       *Hub
	signer    *jwtutil.Signer
	receipts  repository.ReceiptRepository
	anomalies repository.AnomalyRepository
	options   RefillOptions
	checks    map[string]HealthCheck
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewRefillHandler(
	factory *usecase.EngineFactory,
	hub *Hub,
	signer *jwtutil.Signer,
	receipts repository.ReceiptRepository,
	anomalies repository.AnomalyRepository,
	options RefillOptions,
	checks map[string]HealthCheck,
	logger *zap.Logger,
) *RefillHandler {
	return &RefillHandler{
		factory:   factory,
		hub:       hub,
		signer:    signer,
		receipts:  receipts,
		anomalies: anomalies,
		options:   options,
		checks:    checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// collectingNotifier keeps what a request-scoped engine reported so it can be
// returned in the HTTP response.
type collectingNotifier struct {
	mu       sync.Mutex
	events   []domain.StatusEvent
	receipts []*domain.ReconciliationReceipt
}

func (n *collectingNotifier) Notify(ev domain.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *collectingNotifier) Receipt(r *domain.ReconciliationReceipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, r)
}

func (n *collectingNotifier) last() *domain.StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return nil
	}
	ev := n.events[len(n.events)-1]
	return &ev
}

// ===============================
// REST
// ===============================

type createSessionRequest struct {
	Terminal string `json:"terminal"`
}

// CreateSession issues the session id a terminal keeps across the checkout redirect.
func (h *RefillHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sessionID := uuid.NewString()
	token, expiresAt, err := h.signer.Generate(sessionID, strings.TrimSpace(req.Terminal))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "could not create session")
		return
	}

	h.logger.Info("terminal session created", zap.String("session_id", sessionID), zap.String("terminal", req.Terminal))
	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sessionID,
		"token":      token,
		"expires_at": expiresAt.UTC(),
	})
}

func (h *RefillHandler) Options(w http.ResponseWriter, r *http.Request) {
	policy := h.factory.Policy()
	presets := make([]string, 0, len(h.options.Presets))
	for _, p := range h.options.Presets {
		presets = append(presets, p.StringFixed(2))
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"presets":  presets,
		"step":     policy.Step.String(),
		"max":      policy.Max.StringFixed(2),
		"currency": h.options.Currency,
	})
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

// VerifyPayment runs the return-from-checkout step for a terminal that has
// not reconnected its websocket yet.
func (h *RefillHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reference) == "" {
		response.Error(w, http.StatusBadRequest, "reference is required")
		return
	}

	notes := &collectingNotifier{}
	engine, live := h.hub.Engine(sessionID)
	if !live {
		engine = h.factory.New(sessionID, nil, notes)
	}

	if err := engine.ConfirmPayment(r.Context(), strings.TrimSpace(req.Reference)); err != nil {
		writeRefillError(w, err, notes.last())
		return
	}

	resp := map[string]interface{}{
		"state":     engine.State(),
		"reference": req.Reference,
	}
	if ev := notes.last(); ev != nil {
		resp["status"] = ev
	}
	if len(notes.receipts) > 0 {
		resp["receipt"] = notes.receipts[len(notes.receipts)-1]
	}
	response.JSON(w, http.StatusOK, resp)
}

// State reports what the terminal should do next, derived from the session store.
func (h *RefillHandler) State(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	notes := &collectingNotifier{}
	engine := h.factory.New(sessionID, nil, notes)
	state, err := engine.Resume(r.Context())
	if err != nil {
		writeRefillError(w, err, notes.last())
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"state":  state,
		"status": notes.last(),
	})
}

func (h *RefillHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	h.writeReceipt(w, r, func(ctx context.Context) (*domain.ReconciliationReceipt, error) {
		return h.receipts.GetByReference(ctx, reference)
	})
}

func (h *RefillHandler) GetReceiptByCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	h.writeReceipt(w, r, func(ctx context.Context) (*domain.ReconciliationReceipt, error) {
		return h.receipts.GetByCode(ctx, code)
	})
}

func (h *RefillHandler) writeReceipt(w http.ResponseWriter, r *http.Request, get func(context.Context) (*domain.ReconciliationReceipt, error)) {
	rc, err := get(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrReceiptNotFound) {
			response.Error(w, http.StatusNotFound, "receipt not found")
			return
		}
		h.logger.Error("failed to load receipt", zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "failed to load receipt")
		return
	}
	out := *rc
	out.CardID = domain.MaskCardID(out.CardID)
	response.JSON(w, http.StatusOK, out)
}

func (h *RefillHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			response.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	items, err := h.anomalies.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list anomalies", zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	out := make([]domain.Anomaly, 0, len(items))
	for _, a := range items {
		masked := *a
		masked.CardID = domain.MaskCardID(masked.CardID)
		out = append(out, masked)
	}
	response.JSON(w, http.StatusOK, out)
}

func (h *RefillHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	if status != http.StatusOK {
		response.ErrorWithCode(w, status, "unhealthy", "dependency check failed", deps)
		return
	}
	response.JSON(w, status, map[string]interface{}{"service": "refill-service", "dependencies": deps})
}

// writeRefillError maps the engine's error taxonomy onto HTTP.
func writeRefillError(w http.ResponseWriter, err error, status *domain.StatusEvent) {
	kind := domain.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case domain.KindValidation:
		code = http.StatusBadRequest
	case domain.KindState, domain.KindDecodeAmbiguity:
		code = http.StatusConflict
	case domain.KindGateway:
		code = http.StatusBadGateway
	case domain.KindMedium:
		code = http.StatusServiceUnavailable
	}
	data := map[string]interface{}{"retryable": domain.IsRetryable(err)}
	if status != nil {
		data["status"] = status
	}
	msg := err.Error()
	var re *domain.RefillError
	if errors.As(err, &re) && re.Err != nil {
		msg = re.Err.Error()
	}
	response.ErrorWithCode(w, code, string(kind), msg, data)
}

// ===============================
// WebSocket
// ===============================

func (h *RefillHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(sessionID, conn, h.hub, h.logger)
	client.engine = h.factory.New(sessionID, client.medium, client)
	client.Hub.register <- client

	client.SendMessage("connected", map[string]interface{}{
		"session_id": sessionID,
		"timestamp":  time.Now().Unix(),
	})

	go client.WritePump()
	go client.ReadPump(h)

	go func() {
		if _, err := client.engine.Resume(client.Context()); err != nil {
			client.sendRefillError(err)
		}
		h.sendState(client)
	}()
}

type beginRefillData struct {
	Amount json.Number `json:"amount"`
}

type referenceData struct {
	Reference string `json:"reference"`
}

type tagReadData struct {
	CardID  string `json:"card_id"`
	Payload []byte `json:"payload"`
}

type failureData struct {
	Error string `json:"error"`
}

// HandleWSMessage routes one inbound terminal message. Engine work runs off the
// read loop because a scan waits for a tag_read arriving on this same loop.
func (h *RefillHandler) HandleWSMessage(c *Client, msg *WSMessage) {
	switch msg.Type {
	case "scan":
		c.startScan(func(ctx context.Context) {
			if err := c.engine.Scan(ctx); err != nil && !errors.Is(err, domain.ErrScanCancelled) {
				c.sendRefillError(err)
			}
			h.sendState(c)
		})

	case "cancel_scan":
		c.cancelScan()

	case "begin_refill":
		var data beginRefillData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.SendError("invalid amount")
			return
		}
		amount, err := domain.ParseAmount(data.Amount.String())
		if err != nil {
			c.sendRefillError(err)
			return
		}
		h.run(c, func(ctx context.Context) error {
			co, err := c.engine.BeginRefill(ctx, amount)
			if err != nil {
				return err
			}
			c.SendMessage("checkout", map[string]string{
				"checkout_url": co.CheckoutURL,
				"reference":    co.Reference,
			})
			return nil
		})

	case "payment_return":
		var data referenceData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.SendError("invalid reference")
			return
		}
		h.run(c, func(ctx context.Context) error {
			return c.engine.ConfirmPayment(ctx, strings.TrimSpace(data.Reference))
		})

	case "reset_card":
		h.run(c, c.engine.ResetCard)

	case "get_receipt":
		var data referenceData
		if err := decodeWSData(msg, &data); err != nil {
			c.SendError("invalid reference")
			return
		}
		rc, err := c.engine.Receipt(c.Context(), data.Reference)
		if err != nil {
			c.SendError("receipt not found")
			return
		}
		c.SendMessage("receipt", rc)

	case "get_state":
		h.sendState(c)

	case "tag_read":
		var data tagReadData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.CardID == "" {
			c.SendError("invalid tag read")
			return
		}
		ev := &domain.TagEvent{CardID: data.CardID, Payload: data.Payload}
		if c.medium.DeliverRead(ev) {
			return
		}
		// Unsolicited tap: process it like a scan result.
		h.run(c, func(ctx context.Context) error {
			return c.engine.PresentCard(ctx, ev)
		})

	case "tag_read_failed":
		var data failureData
		if err := decodeWSData(msg, &data); err != nil {
			// The frame type alone says the read failed; the scan must not hang.
			c.SendError("invalid tag read failure")
		}
		if data.Error == "" {
			data.Error = "unknown"
		}
		c.medium.FailRead(data.Error)

	case "tag_written":
		c.medium.AckWrite("")

	case "tag_write_failed":
		var data failureData
		if err := decodeWSData(msg, &data); err != nil {
			c.SendError("invalid tag write failure")
		}
		if data.Error == "" {
			data.Error = "unknown"
		}
		c.medium.AckWrite(data.Error)

	default:
		c.SendError("unknown message type")
	}
}

// decodeWSData unmarshals a frame's data. Absent data is allowed and leaves v zero.
func decodeWSData(msg *WSMessage, v interface{}) error {
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return nil
	}
	return json.Unmarshal(msg.Data, v)
}

func (h *RefillHandler) run(c *Client, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(c.Context()); err != nil {
			c.sendRefillError(err)
		}
		h.sendState(c)
	}()
}

func (h *RefillHandler) sendState(c *Client) {
	state := map[string]interface{}{
		"state": c.engine.State(),
		"busy":  c.engine.Busy(),
	}
	if snap := c.engine.Snapshot(); snap != nil {
		state["card_id"] = domain.MaskCardID(snap.CardID)
		state["balance"] = snap.Balance.StringFixed(2)
	}
	c.SendMessage("state", state)
}
