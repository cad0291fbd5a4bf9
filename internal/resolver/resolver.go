// Package resolver implements URL/slug resolution (C8): turning a venue
// URL or bare slug into the pair of outcome token ids clients actually
// subscribe with, preferring the persisted catalog cache over a fresh
// REST fetch.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/enher36/polymarket-relay/internal/scanner"
	"github.com/enher36/polymarket-relay/pkg/types"
)

var slugPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/event/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/market/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`polymarket\.com/([a-zA-Z0-9_-]+)$`),
}

// ErrNotFound is returned when a slug resolves to no market at all.
var ErrNotFound = errors.New("market not found for slug")

// ErrInsufficientTokens is returned when a market has fewer than two
// outcome tokens — not enough to name a yes/no pair.
var ErrInsufficientTokens = errors.New("market has fewer than two outcome tokens")

// Result is a resolved URL: the slug it reduced to, plus the yes/no token
// pair and the underlying market.
type Result struct {
	Slug     string
	YesToken string
	NoToken  string
	Market   types.Market
}

// Store is the subset of the persistence port the resolver needs.
type Store interface {
	GetMarketBySlug(ctx context.Context, slug string) (*types.Market, error)
	GetTokenIDsByMarket(ctx context.Context, marketID string) ([]types.TokenRef, error)
	UpsertMarket(ctx context.Context, m types.Market, tokens []types.MarketToken) (string, error)
}

// Resolver resolves venue URLs/slugs to token id pairs, caching results
// in the persistence port.
type Resolver struct {
	client scanner.MarketCatalogClient
	store  Store
	log    *slog.Logger
}

// New creates a resolver. client is typically a *scanner.RESTClient.
func New(client scanner.MarketCatalogClient, store Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{client: client, store: store, log: log.With("component", "resolver")}
}

// ExtractSlug pulls a market slug out of a full URL or returns the input
// unchanged if it already looks like a bare slug.
func ExtractSlug(raw string) (string, bool) {
	if !strings.Contains(raw, "/") && !strings.Contains(raw, ".") {
		return raw, raw != ""
	}

	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}

	for _, pattern := range slugPatterns {
		if m := pattern.FindStringSubmatch(path); len(m) == 2 {
			return m[1], true
		}
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1], true
}

// Resolve resolves rawURL to its yes/no token pair. When useCache is true
// the persistence port is checked first; a miss falls through to a fresh
// REST lookup, whose result is then cached.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, useCache bool) (Result, error) {
	slug, ok := ExtractSlug(rawURL)
	if !ok {
		return Result{}, fmt.Errorf("could not extract slug from %q", rawURL)
	}

	if useCache {
		if result, ok, err := r.resolveFromCache(ctx, slug); err != nil {
			r.log.Warn("cache lookup failed", slog.String("ctx_slug", slug), slog.String("ctx_error", err.Error()))
		} else if ok {
			return result, nil
		}
	}

	page, err := r.client.ListMarkets(ctx, scanner.ListMarketsParams{Slug: slug, Limit: 1})
	if err != nil {
		return Result{}, fmt.Errorf("fetch market by slug: %w", err)
	}
	if len(page) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	raw := page[0]
	if len(raw.Tokens) < 2 {
		return Result{}, fmt.Errorf("%w: %s", ErrInsufficientTokens, slug)
	}

	yes, no := pickYesNo(raw.Tokens)
	if _, err := r.store.UpsertMarket(ctx, raw.Market, raw.Tokens); err != nil {
		r.log.Warn("failed to cache resolved market", slog.String("ctx_slug", slug), slog.String("ctx_error", err.Error()))
	}

	return Result{Slug: slug, YesToken: yes, NoToken: no, Market: raw.Market}, nil
}

func (r *Resolver) resolveFromCache(ctx context.Context, slug string) (Result, bool, error) {
	m, err := r.store.GetMarketBySlug(ctx, slug)
	if err != nil {
		return Result{}, false, err
	}
	if m == nil {
		return Result{}, false, nil
	}

	refs, err := r.store.GetTokenIDsByMarket(ctx, m.ID)
	if err != nil {
		return Result{}, false, err
	}
	if len(refs) < 2 {
		return Result{}, false, nil
	}

	tokens := make([]types.MarketToken, 0, len(refs))
	for _, ref := range refs {
		tokens = append(tokens, types.MarketToken{TokenID: ref.TokenID, MarketID: m.ID, Outcome: ref.Outcome})
	}
	yes, no := pickYesNo(tokens)
	return Result{Slug: slug, YesToken: yes, NoToken: no, Market: *m}, true, nil
}

// pickYesNo matches tokens by outcome name, falling back to the first two
// tokens in order when the venue doesn't label them "Yes"/"No".
func pickYesNo(tokens []types.MarketToken) (yes, no string) {
	for _, t := range tokens {
		switch strings.ToLower(t.Outcome) {
		case "yes":
			yes = t.TokenID
		case "no":
			no = t.TokenID
		}
	}
	if yes == "" || no == "" {
		if len(tokens) >= 2 {
			return tokens[0].TokenID, tokens[1].TokenID
		}
	}
	return yes, no
}
