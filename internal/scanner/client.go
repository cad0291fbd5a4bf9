package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/enher36/polymarket-relay/pkg/types"
)

// ListMarketsParams filters one page of the market catalog.
type ListMarketsParams struct {
	Active   bool
	Limit    int
	Offset   int
	Category string
	Slug     string
}

// RawMarket pairs a market with the outcome tokens the catalog reported
// for it.
type RawMarket struct {
	Market types.Market
	Tokens []types.MarketToken
}

// MarketCatalogClient is the out-of-scope-in-depth REST client interface:
// the scanner and resolver share it, but its retry/backoff internals are
// not specified beyond this contract.
type MarketCatalogClient interface {
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]RawMarket, error)
}

// RESTClient is the MarketCatalogClient backed by the venue's gamma-style
// market catalog REST endpoint.
type RESTClient struct {
	http    *resty.Client
	limiter *tokenBucket
}

// NewRESTClient creates a catalog client against baseURL, rate limited to
// rps requests/second.
func NewRESTClient(baseURL string, timeout time.Duration, rps float64) *RESTClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)

	if rps <= 0 {
		rps = 2.0
	}
	return &RESTClient{http: c, limiter: newTokenBucket(rps)}
}

type marketTokenDTO struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Ticker  string `json:"ticker"`
	Symbol  string `json:"symbol"`
}

type marketDTO struct {
	ID       string           `json:"id"`
	Slug     string           `json:"slug"`
	Question string           `json:"question"`
	Category string           `json:"category"`
	Active   bool             `json:"active"`
	EndDate  string           `json:"end_date"`
	Tokens   []marketTokenDTO `json:"tokens"`
}

// ListMarkets fetches one page of markets from the catalog endpoint.
func (c *RESTClient) ListMarkets(ctx context.Context, params ListMarketsParams) ([]RawMarket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("active", boolString(params.Active)).
		SetQueryParam("limit", fmt.Sprintf("%d", params.Limit)).
		SetQueryParam("offset", fmt.Sprintf("%d", params.Offset))
	if params.Category != "" {
		req.SetQueryParam("category", params.Category)
	}
	if params.Slug != "" {
		req.SetQueryParam("slug", params.Slug)
	}

	var dtos []marketDTO
	resp, err := req.SetResult(&dtos).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("list markets request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list markets: status %d", resp.StatusCode())
	}

	out := make([]RawMarket, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		tokens := make([]types.MarketToken, 0, len(d.Tokens))
		for _, t := range d.Tokens {
			if t.TokenID == "" {
				continue
			}
			symbol := t.Symbol
			if symbol == "" {
				symbol = t.Ticker
			}
			tokens = append(tokens, types.MarketToken{TokenID: t.TokenID, Outcome: t.Outcome, Symbol: symbol})
		}
		if len(tokens) == 0 {
			continue
		}

		m := types.Market{ID: d.ID, Slug: d.Slug, Question: d.Question, Category: d.Category, Active: d.Active}
		if d.EndDate != "" {
			if t, err := time.Parse(time.RFC3339, d.EndDate); err == nil {
				m.EndDate = &t
			}
		}
		out = append(out, RawMarket{Market: m, Tokens: tokens})
	}
	return out, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
