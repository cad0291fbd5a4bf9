package resolver

import (
	"context"
	"testing"

	"github.com/enher36/polymarket-relay/internal/scanner"
	"github.com/enher36/polymarket-relay/pkg/types"
)

func TestExtractSlugFormats(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"will-it-rain":                                   "will-it-rain",
		"https://polymarket.com/event/will-it-rain":       "will-it-rain",
		"https://polymarket.com/market/will-it-rain":       "will-it-rain",
		"https://polymarket.com/will-it-rain":              "will-it-rain",
	}
	for input, want := range cases {
		got, ok := ExtractSlug(input)
		if !ok || got != want {
			t.Errorf("ExtractSlug(%q) = (%q, %v), want (%q, true)", input, got, ok, want)
		}
	}
}

func TestExtractSlugEmptyInput(t *testing.T) {
	t.Parallel()
	if _, ok := ExtractSlug(""); ok {
		t.Error("ExtractSlug(\"\") should fail")
	}
}

type fakeClient struct {
	result []scanner.RawMarket
}

func (f *fakeClient) ListMarkets(ctx context.Context, params scanner.ListMarketsParams) ([]scanner.RawMarket, error) {
	return f.result, nil
}

type fakeStore struct {
	marketsBySlug map[string]*types.Market
	tokensByID    map[string][]types.TokenRef
	upserted      []types.Market
}

func newFakeStore() *fakeStore {
	return &fakeStore{marketsBySlug: map[string]*types.Market{}, tokensByID: map[string][]types.TokenRef{}}
}

func (f *fakeStore) GetMarketBySlug(ctx context.Context, slug string) (*types.Market, error) {
	return f.marketsBySlug[slug], nil
}

func (f *fakeStore) GetTokenIDsByMarket(ctx context.Context, marketID string) ([]types.TokenRef, error) {
	return f.tokensByID[marketID], nil
}

func (f *fakeStore) UpsertMarket(ctx context.Context, m types.Market, tokens []types.MarketToken) (string, error) {
	f.upserted = append(f.upserted, m)
	return "created", nil
}

func TestResolveFromCache(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.marketsBySlug["will-it-rain"] = &types.Market{ID: "m1", Slug: "will-it-rain"}
	store.tokensByID["m1"] = []types.TokenRef{{TokenID: "yes-tok", Outcome: "Yes"}, {TokenID: "no-tok", Outcome: "No"}}

	r := New(&fakeClient{}, store, nil)
	result, err := r.Resolve(context.Background(), "will-it-rain", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.YesToken != "yes-tok" || result.NoToken != "no-tok" {
		t.Errorf("result = %+v", result)
	}
}

func TestResolveFallsThroughToClientOnCacheMiss(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	client := &fakeClient{result: []scanner.RawMarket{
		{
			Market: types.Market{ID: "m2", Slug: "will-it-snow"},
			Tokens: []types.MarketToken{{TokenID: "yes-tok", Outcome: "Yes"}, {TokenID: "no-tok", Outcome: "No"}},
		},
	}}

	r := New(client, store, nil)
	result, err := r.Resolve(context.Background(), "will-it-snow", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.YesToken != "yes-tok" || result.NoToken != "no-tok" {
		t.Errorf("result = %+v", result)
	}
	if len(store.upserted) != 1 {
		t.Errorf("expected resolved market to be cached, upserted = %d", len(store.upserted))
	}
}

func TestResolveInsufficientTokens(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	client := &fakeClient{result: []scanner.RawMarket{
		{Market: types.Market{ID: "m3", Slug: "lonely"}, Tokens: []types.MarketToken{{TokenID: "only-tok"}}},
	}}

	r := New(client, store, nil)
	if _, err := r.Resolve(context.Background(), "lonely", false); err == nil {
		t.Error("expected an error for a market with fewer than two tokens")
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := New(&fakeClient{}, store, nil)

	if _, err := r.Resolve(context.Background(), "ghost", false); err == nil {
		t.Error("expected an error when the client returns no markets")
	}
}

func TestPickYesNoFallsBackToOrder(t *testing.T) {
	t.Parallel()
	tokens := []types.MarketToken{{TokenID: "a", Outcome: "Up"}, {TokenID: "b", Outcome: "Down"}}
	yes, no := pickYesNo(tokens)
	if yes != "a" || no != "b" {
		t.Errorf("pickYesNo fallback = (%q, %q), want (a, b)", yes, no)
	}
}
