package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/enher36/polymarket-relay/internal/sequencer"
	"github.com/enher36/polymarket-relay/pkg/types"
)

type fakeStore struct {
	trades      []types.Trade
	tradeResult bool
	orderbooks  []types.OrderbookSnapshot
}

func (f *fakeStore) SaveTrade(ctx context.Context, tr types.Trade) (bool, error) {
	f.trades = append(f.trades, tr)
	return f.tradeResult, nil
}

func (f *fakeStore) UpsertOrderbook(ctx context.Context, snap types.OrderbookSnapshot) error {
	f.orderbooks = append(f.orderbooks, snap)
	return nil
}

type fakeBus struct {
	events []types.ForwardEvent
}

func (f *fakeBus) Publish(event types.ForwardEvent) {
	f.events = append(f.events, event)
}

func newTestRouter() (*Router, *fakeStore, *fakeBus, *sequencer.Sequencer) {
	seq := sequencer.New(sequencer.Config{}, nil)
	st := &fakeStore{tradeResult: true}
	b := &fakeBus{}
	return New(seq, st, b, nil), st, b, seq
}

func TestSnapshotThenUpdateAccepted(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`{"event_type":"book","market":"T1","bids":[["0.45","100"]],"asks":[],"sequence":1}`))
	r.RouteMessage(ctx, []byte(`{"event_type":"price_change","market":"T1","bids":[["0.46","50"]],"asks":[],"sequence":2}`))

	if len(st.orderbooks) != 2 {
		t.Fatalf("orderbooks saved = %d, want 2", len(st.orderbooks))
	}
	if len(b.events) != 2 {
		t.Fatalf("events published = %d, want 2", len(b.events))
	}
}

func TestDeltaBeforeSnapshotDropped(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`{"event_type":"price_change","market":"T1","bids":[],"asks":[],"sequence":1}`))

	if len(st.orderbooks) != 0 {
		t.Errorf("orderbooks saved = %d, want 0 (no snapshot yet)", len(st.orderbooks))
	}
	if len(b.events) != 0 {
		t.Errorf("events published = %d, want 0", len(b.events))
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`{"event_type":"book","market":"T1","bids":[],"asks":[],"sequence":5}`))
	r.RouteMessage(ctx, []byte(`{"event_type":"price_change","market":"T1","bids":[],"asks":[],"sequence":5}`))

	if len(st.orderbooks) != 1 {
		t.Errorf("orderbooks saved = %d, want 1 (stale delta dropped)", len(st.orderbooks))
	}
	if len(b.events) != 1 {
		t.Errorf("events published = %d, want 1", len(b.events))
	}
}

func TestZeroSizeLevelStillForwarded(t *testing.T) {
	t.Parallel()
	r, st, _, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`{"event_type":"book","market":"T1","bids":[["0.45","100"]],"asks":[],"sequence":1}`))
	r.RouteMessage(ctx, []byte(`{"event_type":"price_change","market":"T1","bids":[["0.45","0"]],"asks":[],"sequence":2}`))

	if len(st.orderbooks) != 2 {
		t.Fatalf("orderbooks saved = %d, want 2", len(st.orderbooks))
	}
	last := st.orderbooks[1]
	if len(last.Bids) != 1 || !last.Bids[0].Size.IsZero() {
		t.Errorf("expected zero-size deletion marker to reach the store: %+v", last.Bids)
	}
}

func TestDuplicateTradeStillPublishedButNotDoubleSaved(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()
	st.tradeResult = true

	msg := []byte(`{"event_type":"last_trade_price","market":"T1","id":"trade-1","price":"0.51","size":"25","side":"buy","ts":1716322234000}`)
	r.RouteMessage(ctx, msg)
	st.tradeResult = false // simulate the store reporting a duplicate insert
	r.RouteMessage(ctx, msg)

	if len(st.trades) != 2 {
		t.Fatalf("SaveTrade calls = %d, want 2 (router always attempts the call)", len(st.trades))
	}
	if len(b.events) != 2 {
		t.Errorf("events published = %d, want 2 (forwarding does not depend on insert novelty)", len(b.events))
	}
}

func TestArrayFrameRoutesEachElement(t *testing.T) {
	t.Parallel()
	r, st, _, _ := newTestRouter()
	ctx := context.Background()

	frame, err := json.Marshal([]map[string]any{
		{"event_type": "book", "market": "T1", "bids": []any{}, "asks": []any{}, "sequence": 1},
		{"event_type": "book", "market": "T2", "bids": []any{}, "asks": []any{}, "sequence": 1},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.RouteMessage(ctx, frame)

	if len(st.orderbooks) != 2 {
		t.Fatalf("orderbooks saved = %d, want 2", len(st.orderbooks))
	}
}

func TestTickSizeChangeLoggedAndDropped(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`{"event_type":"tick_size_change","market":"T1"}`))

	if len(st.orderbooks) != 0 || len(b.events) != 0 {
		t.Errorf("tick_size_change must not touch storage or the bus")
	}
}

func TestInvalidJSONIsDropped(t *testing.T) {
	t.Parallel()
	r, st, b, _ := newTestRouter()
	ctx := context.Background()

	r.RouteMessage(ctx, []byte(`not json`))

	if len(st.orderbooks) != 0 || len(st.trades) != 0 || len(b.events) != 0 {
		t.Errorf("invalid JSON must be a no-op")
	}
}
