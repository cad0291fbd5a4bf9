// Package router implements the message router (C4): it parses raw
// upstream frames, demultiplexes them by event type, and dispatches to
// the trade path or the order-book path, publishing a forward event on
// every accepted message.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/enher36/polymarket-relay/internal/bus"
	"github.com/enher36/polymarket-relay/internal/sequencer"
	"github.com/enher36/polymarket-relay/internal/store"
	"github.com/enher36/polymarket-relay/pkg/types"
)

// Store is the subset of the persistence port the router needs.
type Store interface {
	SaveTrade(ctx context.Context, tr types.Trade) (bool, error)
	UpsertOrderbook(ctx context.Context, snap types.OrderbookSnapshot) error
}

// Publisher is the subset of the event bus the router needs.
type Publisher interface {
	Publish(event types.ForwardEvent)
}

var (
	_ Store     = (*store.Store)(nil)
	_ Publisher = (*bus.Bus)(nil)
)

// Router dispatches raw upstream frames to the trade or order-book path.
type Router struct {
	seq   *sequencer.Sequencer
	store Store
	bus   Publisher
	log   *slog.Logger
}

// New creates a router wired to the given sequencer, persistence port, and
// event bus.
func New(seq *sequencer.Sequencer, st Store, b Publisher, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{seq: seq, store: st, bus: b, log: log}
}

// RouteMessage parses raw as a JSON array or object and dispatches each
// resulting object independently. Parse failure is logged and dropped.
func (r *Router) RouteMessage(ctx context.Context, raw []byte) {
	var anyVal any
	if err := json.Unmarshal(raw, &anyVal); err != nil {
		r.log.Warn("invalid JSON message", slog.String("ctx_error", err.Error()))
		return
	}

	switch v := anyVal.(type) {
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				r.routeSingle(ctx, obj)
			}
		}
	case map[string]any:
		r.routeSingle(ctx, v)
	default:
		r.log.Warn("unhandled JSON message shape")
	}
}

func (r *Router) routeSingle(ctx context.Context, data map[string]any) {
	eventType := strings.ToLower(stringField(data, "event_type"))
	msgType := strings.ToLower(stringField(data, "type"))
	channel := strings.ToLower(stringField(data, "channel"))

	switch {
	case eventType == "book" || eventType == "price_change":
		r.handleOrderbook(ctx, data, eventType)
	case eventType == "last_trade_price":
		r.handleTrade(ctx, data, eventType)
	case eventType == "tick_size_change":
		r.log.Debug("tick size change", slog.Any("ctx_data", data))
	case msgType == "trade" || channel == "trades":
		r.handleTrade(ctx, data, firstNonEmpty(eventType, msgType, "trade"))
	case msgType == "snapshot" || msgType == "l2update" || channel == "l2":
		r.handleOrderbook(ctx, data, firstNonEmpty(eventType, msgType, "book"))
	case msgType == "pong":
		// no-op
	case msgType == "subscribed":
		r.log.Info("subscription confirmed",
			slog.String("ctx_channel", stringField(data, "channel")),
			slog.String("ctx_market", stringField(data, "market")),
		)
	case msgType == "error":
		r.log.Error("websocket error from server", slog.String("ctx_error", stringField(data, "message")))
	case eventType != "" || msgType != "" || channel != "":
		r.log.Debug("unhandled message",
			slog.String("ctx_event_type", eventType),
			slog.String("ctx_type", msgType),
			slog.String("ctx_channel", channel),
		)
	}
}

func (r *Router) handleTrade(ctx context.Context, data map[string]any, eventType string) {
	tradeID := firstNonEmpty(stringField(data, "id"), stringField(data, "trade_id"))
	if tradeID == "" {
		r.log.Warn("trade missing id")
		return
	}
	tokenID := firstNonEmpty(stringField(data, "market"), stringField(data, "asset_id"))
	if tokenID == "" {
		r.log.Warn("trade missing token_id", slog.String("ctx_trade_id", tradeID))
		return
	}

	price := parseDecimal(data, "price")
	amount := parseDecimal(data, "size", "amount")
	side := types.Side(firstNonEmpty(stringField(data, "side"), stringField(data, "taker_side")))
	timestamp := parseTimestamp(firstRawField(data, "ts", "timestamp", "created_at"), r.log)

	tr := types.Trade{
		TradeID:   tradeID,
		TokenID:   tokenID,
		Price:     price,
		Amount:    amount,
		TakerSide: side,
		Timestamp: timestamp,
	}

	saved, err := r.store.SaveTrade(ctx, tr)
	if err != nil {
		r.log.Error("failed to save trade",
			slog.String("ctx_trade_id", tradeID),
			slog.String("ctx_error", err.Error()),
		)
	} else if saved {
		r.log.Debug("saved trade",
			slog.String("ctx_trade_id", tradeID),
			slog.String("ctx_token_id", tokenID),
			slog.String("ctx_price", price.String()),
		)
	}

	r.bus.Publish(types.ForwardEvent{
		TokenID:   tokenID,
		EventType: eventType,
		Timestamp: timestamp,
		Payload: map[string]any{
			"trade_id":   tradeID,
			"token_id":   tokenID,
			"price":      price.String(),
			"amount":     amount.String(),
			"taker_side": string(side),
			"timestamp":  timestamp.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (r *Router) handleOrderbook(ctx context.Context, data map[string]any, eventType string) {
	tokenID := firstNonEmpty(stringField(data, "market"), stringField(data, "asset_id"))
	if tokenID == "" {
		r.log.Warn("orderbook message missing token_id")
		return
	}

	kind := sequencer.KindUnknown
	switch strings.ToLower(stringField(data, "type")) {
	case "snapshot", "book":
		kind = sequencer.KindSnapshot
	case "l2update", "price_change":
		kind = sequencer.KindDelta
	}
	if eventType == "book" {
		kind = sequencer.KindSnapshot
	} else if eventType == "price_change" {
		kind = sequencer.KindDelta
	}

	sequence := parseSequence(data)
	decision := r.seq.Evaluate(tokenID, kind, sequence)
	if decision == sequencer.Drop {
		return
	}

	snap := types.OrderbookSnapshot{
		TokenID:    tokenID,
		Bids:       parseLevels(data["bids"]),
		Asks:       parseLevels(data["asks"]),
		Sequence:   sequence,
		ReceivedAt: time.Now().UTC(),
	}

	if err := r.store.UpsertOrderbook(ctx, snap); err != nil {
		r.log.Error("failed to upsert orderbook",
			slog.String("ctx_token_id", tokenID),
			slog.String("ctx_error", err.Error()),
		)
	} else {
		r.log.Debug("applied orderbook message",
			slog.String("ctx_token_id", tokenID),
			slog.Int("ctx_bids", len(snap.Bids)),
			slog.Int("ctx_asks", len(snap.Asks)),
		)
	}

	r.bus.Publish(types.ForwardEvent{
		TokenID:   tokenID,
		EventType: eventType,
		Timestamp: snap.ReceivedAt,
		Payload:   orderbookPayload(snap),
	})
}

func orderbookPayload(snap types.OrderbookSnapshot) map[string]any {
	levels := func(ls []types.OrderbookLevel) []any {
		out := make([]any, 0, len(ls))
		for _, l := range ls {
			out = append(out, []string{l.Price.String(), l.Size.String()})
		}
		return out
	}
	payload := map[string]any{
		"token_id":    snap.TokenID,
		"bids":        levels(snap.Bids),
		"asks":        levels(snap.Asks),
		"received_at": snap.ReceivedAt.Format(time.RFC3339Nano),
	}
	if snap.Sequence != nil {
		payload["sequence"] = *snap.Sequence
	}
	return payload
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRawField(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func parseDecimal(data map[string]any, keys ...string) decimal.Decimal {
	raw := firstRawField(data, keys...)
	if raw == nil {
		return decimal.Zero
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	default:
		return decimal.Zero
	}
}

func parseSequence(data map[string]any) *int64 {
	raw := firstRawField(data, "seq", "sequence")
	if raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int64(v)
		return &n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func parseLevels(raw any) []types.OrderbookLevel {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.OrderbookLevel, 0, len(arr))
	for _, item := range arr {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(fmt.Sprintf("%v", pair[0]))
		size, err2 := decimal.NewFromString(fmt.Sprintf("%v", pair[1]))
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.OrderbookLevel{Price: price, Size: size})
	}
	return out
}

// parseTimestamp accepts integer milliseconds since epoch, an all-digit
// string as milliseconds, or ISO-8601 with a trailing "Z" normalized to an
// offset. Anything else is logged and replaced with the current time.
func parseTimestamp(raw any, log *slog.Logger) time.Time {
	if raw == nil {
		return time.Now().UTC()
	}

	switch v := raw.(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case string:
		if isAllDigits(v) {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
		normalized := strings.ReplaceAll(v, "Z", "+00:00")
		if t, err := time.Parse(time.RFC3339Nano, normalized); err == nil {
			return t.UTC()
		}
		log.Warn("could not parse timestamp", slog.String("ctx_ts", v))
		return time.Now().UTC()
	default:
		return time.Now().UTC()
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
