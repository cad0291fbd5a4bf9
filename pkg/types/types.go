// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the relay — tokens, trades,
// order-book levels and snapshots, forward events, and market catalog
// records. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the taker side of a trade: buy, sell, or unknown.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = ""
)

// Channel identifies an upstream subscription channel for a token.
type Channel string

const (
	ChannelL2     Channel = "l2"
	ChannelTrades Channel = "trades"
)

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is a single executed fill reported by the upstream feed.
//
// TradeID is globally unique; inserting a trade with an existing TradeID
// is a no-op at the persistence port. Price and Amount are carried as
// arbitrary-precision decimals end-to-end — never round-tripped through
// binary floating point after ingestion.
type Trade struct {
	TradeID   string
	TokenID   string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	TakerSide Side
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// OrderbookLevel is a single bid or ask level. A level with Size == 0 is
// a deletion marker in the wire protocol and must not persist.
type OrderbookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookSnapshot is a point-in-time view of one token's order book.
// Both full snapshots and incremental deltas share this shape; the
// distinction lives in routing (see sequencer.Kind), not in the data.
type OrderbookSnapshot struct {
	TokenID    string
	Bids       []OrderbookLevel
	Asks       []OrderbookLevel
	Sequence   *int64 // nil when the upstream omitted a sequence number
	ReceivedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Forward events
// ————————————————————————————————————————————————————————————————————————

// ForwardEvent is the normalized message re-published by the relay to
// downstream consumers over the event bus.
type ForwardEvent struct {
	TokenID   string
	EventType string // "book", "price_change", "last_trade_price", "trade", "tick_size_change", ...
	Payload   map[string]any
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market catalog
// ————————————————————————————————————————————————————————————————————————

// Market is a tradable prediction-market event as discovered by the scanner
// and cached in the persistence port.
type Market struct {
	ID        string
	Slug      string
	Question  string
	Category  string
	Active    bool
	EndDate   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketToken is one outcome token belonging to a Market.
type MarketToken struct {
	TokenID  string
	MarketID string
	Outcome  string
	Symbol   string
}

// TokenRef is the (token_id, outcome) pair returned by catalog lookups.
type TokenRef struct {
	TokenID string
	Outcome string
}

// ————————————————————————————————————————————————————————————————————————
// Upstream wire protocol
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeMsg is the subscribe frame sent to the upstream market channel:
// {"assets_ids": [...], "type": "market"}.
type WSSubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}
