package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 512              // bytes; clients only send pongs
	sendBufferSize = 256              // messages in each client send channel
)

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one connected WebSocket endpoint.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte // buffered outbound message queue
	account  string
	operator bool // operators receive every event
}

// event is one message addressed to a borrower account.
type event struct {
	account string
	data    []byte
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub maintains the set of active clients and routes risk events. A borrower
// only receives events for their own loans. Run must be started before
// ServeWs is used.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	// channels consumed by Run()
	broadcast  chan event
	register   chan *Client
	unregister chan *Client

	auth     *service.AuthService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a Hub ready to be started with Run(). Connections must carry
// a valid access token.
func NewHub(auth *service.AuthService, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan event, 512),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		auth:       auth,
		logger:     logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Run: hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration and broadcast events
// sequentially until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.operator && client.account != ev.account {
					continue
				}
				select {
				case client.send <- ev.data:
				default:
					// Buffer full, drop.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs: HTTP to WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs authenticates the caller from the Authorization header or the
// ?token= query parameter, upgrades the connection and starts the pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	claims, err := h.auth.ParseAccessToken(token)
	if err != nil {
		http.Error(w, domain.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		account:  claims.Subject,
		operator: claims.Role.IsOperator(),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection. It also sends ping frames every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles pongs; the protocol is server-push. When the
// connection drops the client is unregistered.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-time.After(time.Second):
			// Hub already stopped.
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Info("unexpected close", "account", c.account, "err", err)
			}
			return
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// RiskNotifier
// ──────────────────────────────────────────────────────────────────────────────

// NotifyAtRisk broadcasts an at-risk warning.
func (h *Hub) NotifyAtRisk(loan domain.AtRiskLoan) {
	h.broadcastJSON(loan.BorrowerAccount, AtRiskMessage{
		Type:            MsgTypeAtRisk,
		LoanID:          loan.LoanID,
		BorrowerAccount: loan.BorrowerAccount,
		HealthFactor:    loan.HealthFactor,
		Price:           loan.Price,
		Timestamp:       time.Now().UTC(),
	})
}

// NotifyLiquidated broadcasts a settled liquidation.
func (h *Hub) NotifyLiquidated(res *domain.LiquidationResult) {
	lq := res.Liquidation
	if lq == nil {
		return
	}
	h.broadcastJSON(lq.BorrowerAccount, LiquidatedMessage{
		Type:            MsgTypeLiquidated,
		LoanID:          res.LoanID,
		BorrowerAccount: lq.BorrowerAccount,
		HealthFactor:    res.HealthFactor,
		Price:           lq.LiquidationPrice,
		Recovered:       lq.USDCRecovered,
		Penalty:         lq.LiquidationPenalty,
		Timestamp:       time.Now().UTC(),
	})
}

// broadcastJSON is the common marshalling path. It never blocks the caller.
func (h *Hub) broadcastJSON(account string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal error", "err", err)
		return
	}
	select {
	case h.broadcast <- event{account: account, data: data}:
	default:
		h.logger.Warn("broadcast channel full, message dropped")
	}
}
