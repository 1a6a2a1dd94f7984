package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"equation_consensus/pkg/channel"
	"equation_consensus/pkg/config"
	"equation_consensus/pkg/data"
)

// Event types pushed to websocket subscribers
const (
	EventDecision    = "decision"
	EventPending     = "pending"
	EventJudgeHealth = "judgeHealth"
)

// Event is the wire form of a pushed notification
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pipeline events out to connected websocket clients. Delivery
// is best effort: there is no replay, and a client whose send buffer
// fills is dropped rather than allowed to stall the pipeline.
// Reconnecting clients recover missed decisions through the query API.
type Hub struct {
	logger *zap.Logger
	cfg    *config.GatewayConfig

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewHub creates a websocket broadcast hub
func NewHub(cfg *config.GatewayConfig, logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		cfg:     cfg,
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeWS upgrades the request and registers the client with the hub
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected", zap.Int("clients", count))

	go h.writePump(client)
	go h.readPump(client)
}

// SubscribeDecisions attaches the hub to the decisions topic in its own
// consumer group, so every decision reaching the store also reaches the
// connected clients.
func (h *Hub) SubscribeDecisions(ctx context.Context, broker *channel.Broker) error {
	return broker.Subscribe(ctx, channel.DecisionsTopic, "gateway", func(_ context.Context, msg *channel.Message) error {
		var decision data.Decision
		if err := msg.Decode(&decision); err != nil {
			h.logger.Error("Discarding undecodable decision message", zap.Error(err))
			return nil
		}
		h.Broadcast(EventDecision, &decision)
		return nil
	})
}

// NotifyPending implements the coordinator's submission notifier
func (h *Hub) NotifyPending(candidate *data.Candidate) {
	h.Broadcast(EventPending, candidate)
}

// BroadcastJudgeHealth pushes the current judge roster to subscribers
func (h *Hub) BroadcastJudgeHealth(judges []*data.JudgeRegistration) {
	h.Broadcast(EventJudgeHealth, judges)
}

// Broadcast sends an event to every connected client. Clients that
// cannot keep up are disconnected.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	raw, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- raw:
		default:
			h.logger.Warn("Dropping slow WebSocket client")
			h.dropLocked(client)
		}
	}
}

// ClientCount reports the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new connections
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		h.dropLocked(client)
	}
}

func (h *Hub) dropLocked(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

func (h *Hub) writePump(client *wsClient) {
	defer client.conn.Close()

	for raw := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.unregister(client)
			// Drain anything queued so the channel close cannot block.
			for range client.send {
			}
			return
		}
	}
	_ = client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client frames; its job is detecting disconnects
func (h *Hub) readPump(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.unregister(client)
			return
		}
	}
}
