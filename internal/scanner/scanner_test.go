package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/enher36/polymarket-relay/pkg/types"
)

type fakeClient struct {
	pages [][]RawMarket
	calls int
}

func (f *fakeClient) ListMarkets(ctx context.Context, params ListMarketsParams) ([]RawMarket, error) {
	defer func() { f.calls++ }()
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	return f.pages[f.calls], nil
}

type fakeStore struct {
	upserts       []types.Market
	deactivateArg []string
	tradesPurged  int
	bookPurged    int
	metadata      map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{metadata: make(map[string]string)} }

func (f *fakeStore) UpsertMarket(ctx context.Context, m types.Market, tokens []types.MarketToken) (string, error) {
	f.upserts = append(f.upserts, m)
	return "created", nil
}

func (f *fakeStore) DeactivateMissingMarkets(ctx context.Context, seenIDs []string) (int, error) {
	f.deactivateArg = seenIDs
	return 0, nil
}

func (f *fakeStore) CleanupOldTrades(ctx context.Context, olderThan time.Duration) (int, error) {
	return f.tradesPurged, nil
}

func (f *fakeStore) CleanupOldOrderbook(ctx context.Context, olderThan time.Duration) (int, error) {
	return f.bookPurged, nil
}

func (f *fakeStore) SetMetadata(ctx context.Context, key, value string) error {
	f.metadata[key] = value
	return nil
}

func rawMarket(id string) RawMarket {
	return RawMarket{
		Market: types.Market{ID: id, Slug: id, Question: "q"},
		Tokens: []types.MarketToken{{TokenID: id + "-yes", Outcome: "Yes"}},
	}
}

func TestScanAllPaginatesUntilShortPage(t *testing.T) {
	t.Parallel()
	client := &fakeClient{pages: [][]RawMarket{
		{rawMarket("m1"), rawMarket("m2")},
		{rawMarket("m3")},
	}}
	store := newFakeStore()
	s := New(client, store, Config{PageSize: 2}, nil)

	result, err := s.ScanAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if result.Total != 3 || result.New != 3 {
		t.Errorf("result = %+v, want Total=3 New=3", result)
	}
	if len(store.deactivateArg) != 3 {
		t.Errorf("deactivate called with %d ids, want 3", len(store.deactivateArg))
	}
}

func TestScanAllSkipsDeactivationWithNoMarketsSeen(t *testing.T) {
	t.Parallel()
	client := &fakeClient{pages: nil}
	store := newFakeStore()
	s := New(client, store, Config{}, nil)

	if _, err := s.ScanAll(context.Background(), nil); err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if store.deactivateArg != nil {
		t.Errorf("DeactivateMissingMarkets should not be called with zero markets seen")
	}
}

func TestCleanupRecordsLastScanTime(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.tradesPurged = 4
	s := New(&fakeClient{}, store, Config{}, nil)

	s.cleanup(context.Background())

	if _, ok := store.metadata["last_scan_time"]; !ok {
		t.Error("expected last_scan_time to be recorded")
	}
}
