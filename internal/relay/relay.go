// Package relay implements the downstream relay server (C6): a WebSocket
// hub that lets consumers subscribe to per-token forward events, driving
// upstream subscription demand only for tokens someone is actually asking
// for.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/enher36/polymarket-relay/internal/bus"
	"github.com/enher36/polymarket-relay/pkg/types"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 30 * time.Second
	pingPeriod      = 20 * time.Second
	maxMessageSize  = 64 * 1024
	subscribePacing = 50 * time.Millisecond
)

// Error codes returned in {"type":"error","error":<code>} frames.
const (
	ErrInvalidJSON             = "invalid_json"
	ErrInvalidTokenID          = "invalid_token_id"
	ErrInvalidTokenIDs         = "invalid_token_ids"
	ErrEmptyTokenIDs           = "empty_token_ids"
	ErrUnsupportedAction       = "unsupported_action"
	ErrDatabaseUnavailable     = "database_unavailable"
	ErrListMarketsFailed       = "list_markets_failed"
	ErrSubscribeCategoryFailed = "subscribe_category_failed"
)

// BusPort is the subset of the event bus the relay server needs.
type BusPort interface {
	Subscribe(key string, cb bus.Callback) bus.SubscriptionID
	Unsubscribe(key string, id bus.SubscriptionID)
}

// UpstreamPort is the subset of the upstream session manager the relay
// server needs to drive demand.
type UpstreamPort interface {
	Subscribe(tokenID string, channels ...types.Channel)
}

// StorePort is the subset of the persistence port the relay server needs
// for catalog queries.
type StorePort interface {
	ListActiveMarkets(ctx context.Context, category *string, limit int) ([]types.Market, error)
	GetTokenIDsByMarket(ctx context.Context, marketID string) ([]types.TokenRef, error)
}

// Hub manages connected downstream clients and their per-token
// subscriptions, and propagates first-subscriber demand upstream.
type Hub struct {
	bus      BusPort
	upstream UpstreamPort
	store    StorePort
	maxLimit int
	log      *slog.Logger

	upgrader websocket.Upgrader

	mu         sync.Mutex
	tokenConns map[string]map[*client]bool
	connTokens map[*client]map[string]bool
	tokenSub   map[string]bus.SubscriptionID
}

// NewHub creates a relay hub. maxLimit bounds list_markets/subscribe_category.
func NewHub(b BusPort, up UpstreamPort, st StorePort, maxLimit int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &Hub{
		bus:        b,
		upstream:   up,
		store:      st,
		maxLimit:   maxLimit,
		log:        log.With("component", "relay"),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tokenConns: make(map[string]map[*client]bool),
		connTokens: make(map[*client]map[string]bool),
		tokenSub:   make(map[string]bus.SubscriptionID),
	}
}

// ServeHTTP upgrades the connection and runs the client's read/write pumps
// until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("ctx_error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.New(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.connTokens[c] = make(map[string]bool)
	h.mu.Unlock()

	go c.writePump()
	c.readPump(r.Context())
}

// ClientCount returns the number of currently connected downstream clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connTokens)
}

// SubscriptionCount returns the number of distinct tokens with at least one
// subscriber.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tokenConns)
}

// Shutdown disconnects every client; each client's disconnect cleanup then
// releases the hub's bus callbacks. Upstream subscriptions are left in place.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.connTokens))
	for c := range h.connTokens {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) forwardToClient(c *client, event types.ForwardEvent) {
	payload, err := json.Marshal(map[string]any{
		"type":      event.EventType,
		"token_id":  event.TokenID,
		"data":      event.Payload,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.log.Error("failed to marshal forward event", slog.String("ctx_error", err.Error()))
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn("client send buffer full, dropping connection", slog.String("ctx_client_id", c.id.String()))
		h.dropClient(c)
	}
}

// addSubscription registers c for token: adds to both indices and, on the
// first subscriber for token, registers the hub's own bus callback and
// asks upstream for the token. Returns whether this was the first
// subscriber (callers use this to pace upstream demand propagation).
func (h *Hub) addSubscription(c *client, token string) bool {
	h.mu.Lock()
	conns, ok := h.tokenConns[token]
	if !ok {
		conns = make(map[*client]bool)
		h.tokenConns[token] = conns
	}
	isFirst := len(conns) == 0
	conns[c] = true
	h.connTokens[c][token] = true
	h.mu.Unlock()

	if isFirst {
		id := h.bus.Subscribe(token, func(e types.ForwardEvent) { h.dispatchToTokenConns(token, e) })
		h.mu.Lock()
		h.tokenSub[token] = id
		h.mu.Unlock()
		h.upstream.Subscribe(token, types.ChannelL2, types.ChannelTrades)
	}
	return isFirst
}

func (h *Hub) dispatchToTokenConns(token string, event types.ForwardEvent) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.tokenConns[token]))
	for c := range h.tokenConns[token] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.forwardToClient(c, event)
	}
}

// removeSubscription removes c's subscription to token. If c was the last
// subscriber, the hub's own bus callback is unregistered too; upstream is
// never auto-unsubscribed, matching the wire protocol's ambiguity there.
func (h *Hub) removeSubscription(c *client, token string) {
	h.mu.Lock()
	var subID bus.SubscriptionID
	var shouldUnsub bool
	if conns, ok := h.tokenConns[token]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.tokenConns, token)
			if id, ok := h.tokenSub[token]; ok {
				subID = id
				shouldUnsub = true
				delete(h.tokenSub, token)
			}
		}
	}
	if tokens, ok := h.connTokens[c]; ok {
		delete(tokens, token)
	}
	h.mu.Unlock()

	if shouldUnsub {
		h.bus.Unsubscribe(token, subID)
	}
}

// dropClient disconnects c and releases every subscription it held.
func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	tokens := make([]string, 0, len(h.connTokens[c]))
	for t := range h.connTokens[c] {
		tokens = append(tokens, t)
	}
	delete(h.connTokens, c)
	h.mu.Unlock()

	for _, t := range tokens {
		h.removeSubscription(c, t)
	}
	c.conn.Close()
}
