package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// client is one connected downstream consumer.
type client struct {
	id   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// clientMessage is the union of every field any client action may carry.
type clientMessage struct {
	Action   string   `json:"action"`
	TokenID  string   `json:"token_id"`
	Token    string   `json:"token"`
	TokenIDs []string `json:"token_ids"`
	Category *string  `json:"category"`
	Limit    *int     `json:"limit"`
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.hub.dropClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *client) handleFrame(ctx context.Context, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(ErrInvalidJSON)
		return
	}

	switch strings.ToLower(msg.Action) {
	case "subscribe":
		c.handleSubscribe(msg)
	case "subscribe_batch":
		c.handleSubscribeBatch(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "list_markets":
		c.handleListMarkets(ctx, msg)
	case "subscribe_category":
		c.handleSubscribeCategory(ctx, msg.Category, msg.Limit)
	case "subscribe_all":
		c.handleSubscribeCategory(ctx, nil, msg.Limit)
	case "ping":
		c.reply(map[string]any{"type": "pong"})
	default:
		c.sendError(ErrUnsupportedAction)
	}
}

func (c *client) handleSubscribe(msg clientMessage) {
	tokenID := firstNonEmpty(msg.TokenID, msg.Token)
	if tokenID == "" {
		c.sendError(ErrInvalidTokenID)
		return
	}
	c.hub.addSubscription(c, tokenID)
	c.reply(map[string]any{"type": "subscribed", "token_id": tokenID})
}

func (c *client) handleSubscribeBatch(msg clientMessage) {
	tokens := dedupTrim(msg.TokenIDs)
	if msg.TokenIDs == nil {
		c.sendError(ErrInvalidTokenIDs)
		return
	}
	if len(tokens) == 0 {
		c.sendError(ErrEmptyTokenIDs)
		return
	}

	accepted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		isFirst := c.hub.addSubscription(c, tok)
		accepted = append(accepted, tok)
		if isFirst {
			time.Sleep(subscribePacing)
		}
	}
	c.reply(map[string]any{"type": "subscribed_batch", "token_ids": accepted})
}

func (c *client) handleUnsubscribe(msg clientMessage) {
	tokenID := firstNonEmpty(msg.TokenID, msg.Token)
	if tokenID == "" {
		c.sendError(ErrInvalidTokenID)
		return
	}
	c.hub.removeSubscription(c, tokenID)
	c.reply(map[string]any{"type": "unsubscribed", "token_id": tokenID})
}

func (c *client) handleListMarkets(ctx context.Context, msg clientMessage) {
	limit := clampLimit(msg.Limit, c.hub.maxLimit)
	markets, err := c.hub.store.ListActiveMarkets(ctx, msg.Category, limit)
	if err != nil {
		c.hub.log.Error("list_markets failed", slog.String("ctx_error", err.Error()))
		c.sendError(ErrListMarketsFailed)
		return
	}

	out := make([]map[string]any, 0, len(markets))
	for _, m := range markets {
		tokens, err := c.hub.store.GetTokenIDsByMarket(ctx, m.ID)
		if err != nil {
			c.hub.log.Error("list_markets token lookup failed", slog.String("ctx_error", err.Error()))
			c.sendError(ErrListMarketsFailed)
			return
		}
		tokenList := make([]map[string]any, 0, len(tokens))
		for _, tr := range tokens {
			tokenList = append(tokenList, map[string]any{"token_id": tr.TokenID, "outcome": tr.Outcome})
		}
		out = append(out, map[string]any{
			"id": m.ID, "slug": m.Slug, "question": m.Question, "category": m.Category,
			"tokens": tokenList,
		})
	}

	c.reply(map[string]any{
		"status": "markets", "category": msg.Category, "count": len(out),
		"limit": limit, "max_limit": c.hub.maxLimit, "markets": out,
	})
}

func (c *client) handleSubscribeCategory(ctx context.Context, category *string, limitField *int) {
	limit := clampLimit(limitField, c.hub.maxLimit)
	markets, err := c.hub.store.ListActiveMarkets(ctx, category, limit)
	if err != nil {
		c.hub.log.Error("subscribe_category failed", slog.String("ctx_error", err.Error()))
		c.sendError(ErrSubscribeCategoryFailed)
		return
	}

	tokenCount := 0
	newSubs := 0
	for _, m := range markets {
		tokens, err := c.hub.store.GetTokenIDsByMarket(ctx, m.ID)
		if err != nil {
			c.hub.log.Error("subscribe_category token lookup failed", slog.String("ctx_error", err.Error()))
			c.sendError(ErrSubscribeCategoryFailed)
			return
		}
		for _, tr := range tokens {
			tokenCount++
			isFirst := c.hub.addSubscription(c, tr.TokenID)
			if isFirst {
				newSubs++
				time.Sleep(subscribePacing)
			}
		}
	}

	c.reply(map[string]any{
		"status": "subscribed_category", "category": category,
		"market_count": len(markets), "token_count": tokenCount,
		"new_subscriptions": newSubs, "limit": limit, "max_limit": c.hub.maxLimit,
	})
}

func (c *client) reply(v map[string]any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("failed to marshal reply", slog.String("ctx_error", err.Error()))
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.dropClient(c)
	}
}

func (c *client) sendError(code string) {
	c.reply(map[string]any{"type": "error", "error": code})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupTrim(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func clampLimit(limit *int, maxLimit int) int {
	if limit == nil {
		return maxLimit
	}
	if *limit <= 0 {
		return 1
	}
	if *limit > maxLimit {
		return maxLimit
	}
	return *limit
}
