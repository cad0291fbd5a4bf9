// Package store implements the persistence port (C1): idempotent trade
// insert, order-book level upsert with zero-size pruning, and the market
// catalog queries used by the downstream relay server and the scanner.
//
// Backed by SQLite (mattn/go-sqlite3) rather than the flat JSON file the
// market-making bot used — the schema below needs relational constraints
// (UNIQUE(token_id,side,price), a foreign key with cascading delete) a
// single JSON document cannot express.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/enher36/polymarket-relay/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS markets (
    id TEXT PRIMARY KEY, slug TEXT UNIQUE NOT NULL, question TEXT NOT NULL,
    category TEXT, active INTEGER NOT NULL DEFAULT 1, end_date TEXT,
    created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
    token_id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
    outcome TEXT, symbol TEXT
);
CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY, token_id TEXT NOT NULL, price TEXT NOT NULL,
    amount TEXT NOT NULL, taker_side TEXT, timestamp TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orderbook_levels (
    id INTEGER PRIMARY KEY AUTOINCREMENT, token_id TEXT NOT NULL,
    side TEXT NOT NULL CHECK (side IN ('bid','ask')), price TEXT NOT NULL,
    size TEXT NOT NULL, sequence INTEGER, received_at TEXT NOT NULL,
    UNIQUE(token_id, side, price)
);
CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE INDEX IF NOT EXISTS idx_trades_token ON trades(token_id);
CREATE INDEX IF NOT EXISTS idx_orderbook_token ON orderbook_levels(token_id);
`

// MinMarketsForDeactivation guards DeactivateMissingMarkets against a
// partial/failed scan mass-deactivating the whole catalog.
const MinMarketsForDeactivation = 10

// Store wraps a SQLite connection pool with the operations the core
// pipeline and its collaborators call into.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path,
// applying the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTrade inserts a trade. A duplicate trade_id is not an error: it
// reports inserted=false and leaves the existing row untouched.
func (s *Store) SaveTrade(ctx context.Context, tr types.Trade) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (trade_id, token_id, price, amount, taker_side, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID, tr.TokenID, tr.Price.String(), tr.Amount.String(), string(tr.TakerSide),
		tr.Timestamp.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("save trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save trade rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertOrderbook writes every level in snap keyed by (token_id, side,
// price), then deletes any row for this token whose size is "0" — the
// wire protocol's deletion marker must not persist.
func (s *Store) UpsertOrderbook(ctx context.Context, snap types.OrderbookSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert orderbook begin: %w", err)
	}
	defer tx.Rollback()

	receivedAt := snap.ReceivedAt.UTC().Format(time.RFC3339Nano)
	var sequence any
	if snap.Sequence != nil {
		sequence = *snap.Sequence
	}

	upsertSide := func(side string, levels []types.OrderbookLevel) error {
		for _, lvl := range levels {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO orderbook_levels (token_id, side, price, size, sequence, received_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(token_id, side, price) DO UPDATE SET
					size = excluded.size,
					sequence = excluded.sequence,
					received_at = excluded.received_at`,
				snap.TokenID, side, lvl.Price.String(), lvl.Size.String(), sequence, receivedAt,
			); err != nil {
				return err
			}
		}
		return nil
	}

	if err := upsertSide("bid", snap.Bids); err != nil {
		return fmt.Errorf("upsert bids: %w", err)
	}
	if err := upsertSide("ask", snap.Asks); err != nil {
		return fmt.Errorf("upsert asks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM orderbook_levels WHERE token_id = ? AND size = '0'`, snap.TokenID,
	); err != nil {
		return fmt.Errorf("prune zero-size levels: %w", err)
	}

	return tx.Commit()
}

// GetTokenIDsByMarket returns the (token_id, outcome) pairs for a market.
func (s *Store) GetTokenIDsByMarket(ctx context.Context, marketID string) ([]types.TokenRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, outcome FROM tokens WHERE market_id = ?`, marketID)
	if err != nil {
		return nil, fmt.Errorf("get token ids by market: %w", err)
	}
	defer rows.Close()

	var out []types.TokenRef
	for rows.Next() {
		var ref types.TokenRef
		if err := rows.Scan(&ref.TokenID, &ref.Outcome); err != nil {
			return nil, fmt.Errorf("scan token ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ListActiveMarkets lists active markets, optionally filtered by category,
// capped at limit rows.
func (s *Store) ListActiveMarkets(ctx context.Context, category *string, limit int) ([]types.Market, error) {
	query := `SELECT id, slug, question, category, active, end_date, created_at, updated_at
	          FROM markets WHERE active = 1`
	args := []any{}
	if category != nil && *category != "" {
		query += ` AND category = ?`
		args = append(args, *category)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	defer rows.Close()
	return scanMarkets(rows)
}

// UpsertMarket writes a market and its tokens in one transaction. Returns
// "created" or "updated".
func (s *Store) UpsertMarket(ctx context.Context, m types.Market, tokens []types.MarketToken) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("upsert market begin: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM markets WHERE id = ?`, m.ID).Scan(&existing); err != nil {
		return "", fmt.Errorf("check existing market: %w", err)
	}
	status := "updated"
	if existing == 0 {
		status = "created"
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var endDate any
	if m.EndDate != nil {
		endDate = m.EndDate.UTC().Format(time.RFC3339Nano)
	}
	createdAt := now
	if status == "updated" {
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM markets WHERE id = ?`, m.ID).Scan(&createdAt); err != nil {
			return "", fmt.Errorf("read created_at: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO markets (id, slug, question, category, active, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug = excluded.slug, question = excluded.question, category = excluded.category,
			active = excluded.active, end_date = excluded.end_date, updated_at = excluded.updated_at`,
		m.ID, m.Slug, m.Question, m.Category, boolToInt(m.Active), endDate, createdAt, now,
	); err != nil {
		return "", fmt.Errorf("upsert market row: %w", err)
	}

	for _, tok := range tokens {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tokens (token_id, market_id, outcome, symbol)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(token_id) DO UPDATE SET
				market_id = excluded.market_id, outcome = excluded.outcome, symbol = excluded.symbol`,
			tok.TokenID, m.ID, tok.Outcome, tok.Symbol,
		); err != nil {
			return "", fmt.Errorf("upsert token row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("upsert market commit: %w", err)
	}
	return status, nil
}

// GetMarketBySlug looks up a market by its unique slug.
func (s *Store) GetMarketBySlug(ctx context.Context, slug string) (*types.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, question, category, active, end_date, created_at, updated_at
		FROM markets WHERE slug = ?`, slug)
	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market by slug: %w", err)
	}
	return m, nil
}

// DeactivateMissingMarkets marks inactive every market whose id is not in
// seenIDs. Refuses to run (returns 0, nil) when len(seenIDs) is below
// MinMarketsForDeactivation, to protect against a partial scan wiping the
// catalog.
func (s *Store) DeactivateMissingMarkets(ctx context.Context, seenIDs []string) (int, error) {
	if len(seenIDs) < MinMarketsForDeactivation {
		return 0, nil
	}

	placeholders := make([]byte, 0, len(seenIDs)*2)
	args := make([]any, 0, len(seenIDs)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for i, id := range seenIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`UPDATE markets SET active = 0, updated_at = ? WHERE active = 1 AND id NOT IN (%s)`,
		string(placeholders),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing markets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate missing markets rows affected: %w", err)
	}
	return int(n), nil
}

// CleanupOldTrades deletes trades older than olderThan.
func (s *Store) CleanupOldTrades(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old trades: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CleanupOldOrderbook deletes order-book levels older than olderThan.
func (s *Store) CleanupOldOrderbook(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM orderbook_levels WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old orderbook: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetMetadata reads a scanner bookkeeping key (e.g. last full scan time).
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return value, true, nil
}

// SetMetadata writes a scanner bookkeeping key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*types.Market, error) {
	var m types.Market
	var active int
	var endDate, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.Slug, &m.Question, &m.Category, &active, &endDate, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Active = active != 0
	if endDate != "" {
		if t, err := time.Parse(time.RFC3339Nano, endDate); err == nil {
			m.EndDate = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

func scanMarkets(rows *sql.Rows) ([]types.Market, error) {
	var out []types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
