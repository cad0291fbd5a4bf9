// Package scanner implements the periodic market catalog scan (C7): page
// through the REST catalog, upsert discovered markets and tokens, and
// safely deactivate markets that no longer appear.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/enher36/polymarket-relay/pkg/types"
)

// StorePort is the subset of the persistence port the scanner needs.
type StorePort interface {
	UpsertMarket(ctx context.Context, m types.Market, tokens []types.MarketToken) (string, error)
	DeactivateMissingMarkets(ctx context.Context, seenIDs []string) (int, error)
	CleanupOldTrades(ctx context.Context, olderThan time.Duration) (int, error)
	CleanupOldOrderbook(ctx context.Context, olderThan time.Duration) (int, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Result summarizes one ScanAll pass.
type Result struct {
	Total       int
	New         int
	Updated     int
	Failed      int
	Deactivated int
}

// Config tunes paging and retention.
type Config struct {
	PageSize    int
	TradeRetain time.Duration
	BookRetain  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.TradeRetain <= 0 {
		c.TradeRetain = 7 * 24 * time.Hour
	}
	if c.BookRetain <= 0 {
		c.BookRetain = 24 * time.Hour
	}
	return c
}

// Scanner periodically discovers markets via a MarketCatalogClient and
// keeps the persistence port's catalog current.
type Scanner struct {
	client MarketCatalogClient
	store  StorePort
	cfg    Config
	log    *slog.Logger
}

// New creates a scanner. client is typically a *RESTClient.
func New(client MarketCatalogClient, store StorePort, cfg Config, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{client: client, store: store, cfg: cfg.withDefaults(), log: log.With("component", "scanner")}
}

// ScanAll pages through the catalog (optionally filtered by category),
// upserting every market it sees, then deactivates markets missing from
// the scan. The deactivation call is safe to make unconditionally: the
// persistence port itself refuses to act below its minimum-markets floor.
func (s *Scanner) ScanAll(ctx context.Context, category *string) (Result, error) {
	var result Result
	seen := make([]string, 0, s.cfg.PageSize)
	offset := 0

	for {
		params := ListMarketsParams{Active: true, Limit: s.cfg.PageSize, Offset: offset}
		if category != nil {
			params.Category = *category
		}

		page, err := s.client.ListMarkets(ctx, params)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}

		for _, raw := range page {
			status, err := s.store.UpsertMarket(ctx, raw.Market, raw.Tokens)
			if err != nil {
				result.Failed++
				s.log.Warn("failed to persist market",
					slog.String("ctx_market_id", raw.Market.ID),
					slog.String("ctx_error", err.Error()),
				)
				continue
			}
			result.Total++
			seen = append(seen, raw.Market.ID)
			if status == "created" {
				result.New++
			} else {
				result.Updated++
			}
		}

		if len(page) < s.cfg.PageSize {
			break
		}
		offset += s.cfg.PageSize
	}

	if len(seen) > 0 {
		deactivated, err := s.store.DeactivateMissingMarkets(ctx, seen)
		if err != nil {
			s.log.Warn("deactivate missing markets failed", slog.String("ctx_error", err.Error()))
		} else {
			result.Deactivated = deactivated
		}
	}

	s.log.Info("market scan complete",
		slog.Int("ctx_total", result.Total),
		slog.Int("ctx_new", result.New),
		slog.Int("ctx_updated", result.Updated),
		slog.Int("ctx_failed", result.Failed),
		slog.Int("ctx_deactivated", result.Deactivated),
	)
	return result, nil
}

// Run ticks every interval, running a scan then retention cleanup, until
// ctx is cancelled. Scan errors are logged, never fatal.
func (s *Scanner) Run(ctx context.Context, interval time.Duration, category *string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanAll(ctx, category); err != nil {
				s.log.Error("periodic scan failed", slog.String("ctx_error", err.Error()))
				continue
			}
			s.cleanup(ctx)
		}
	}
}

func (s *Scanner) cleanup(ctx context.Context) {
	if n, err := s.store.CleanupOldTrades(ctx, s.cfg.TradeRetain); err != nil {
		s.log.Warn("cleanup old trades failed", slog.String("ctx_error", err.Error()))
	} else if n > 0 {
		s.log.Debug("cleaned up old trades", slog.Int("ctx_count", n))
	}

	if n, err := s.store.CleanupOldOrderbook(ctx, s.cfg.BookRetain); err != nil {
		s.log.Warn("cleanup old orderbook failed", slog.String("ctx_error", err.Error()))
	} else if n > 0 {
		s.log.Debug("cleaned up old orderbook levels", slog.Int("ctx_count", n))
	}

	if err := s.store.SetMetadata(ctx, "last_scan_time", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.log.Warn("failed to record last scan time", slog.String("ctx_error", err.Error()))
	}
}
