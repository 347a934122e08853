package ledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBuyOrderUpsertKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderLedger(newTestStore(t))

	if err := orders.SetOrder(ctx, OrderRow{Symbol: "SOL/USDC", Side: "buy", OrderID: "1", Price: 99, Qty: 0.5}); err != nil {
		t.Fatalf("SetOrder: %v", err)
	}
	if err := orders.SetOrder(ctx, OrderRow{Symbol: "SOL/USDC", Side: "buy", OrderID: "2", Price: 98, Qty: 0.6}); err != nil {
		t.Fatalf("SetOrder: %v", err)
	}

	row, ok, err := orders.BuyOrder(ctx, "SOL/USDC")
	if err != nil || !ok {
		t.Fatalf("BuyOrder: ok=%v err=%v", ok, err)
	}
	if row.OrderID != "2" || row.Price != 98 {
		t.Fatalf("expected latest buy to win, got %+v", row)
	}
}

func TestSellOrdersKeyedByOrderID(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderLedger(newTestStore(t))

	for _, id := range []string{"10", "11", "12"} {
		if err := orders.SetOrder(ctx, OrderRow{Symbol: "SOL/USDC", Side: "sell", OrderID: id, Price: 102, Qty: 0.1}); err != nil {
			t.Fatalf("SetOrder: %v", err)
		}
	}
	sells, err := orders.SellOrders(ctx, "SOL/USDC")
	if err != nil {
		t.Fatalf("SellOrders: %v", err)
	}
	if len(sells) != 3 {
		t.Fatalf("expected 3 sell rows, got %d", len(sells))
	}

	if err := orders.DeleteOrder(ctx, "SOL/USDC", "sell", "11"); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	sells, _ = orders.SellOrders(ctx, "SOL/USDC")
	if len(sells) != 2 {
		t.Fatalf("expected 2 sell rows after delete, got %d", len(sells))
	}
}

func TestRecordBuyWeightedAverage(t *testing.T) {
	ctx := context.Background()
	portfolio := NewPortfolioLedger(newTestStore(t))

	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 100); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 200); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	pos, ok, err := portfolio.Position(ctx, "SOL/USDC")
	if err != nil || !ok {
		t.Fatalf("Position: ok=%v err=%v", ok, err)
	}
	if pos.Amount != 2 {
		t.Fatalf("expected amount 2, got %.8f", pos.Amount)
	}
	if math.Abs(pos.AvgPrice-150) > 1e-9 {
		t.Fatalf("expected avg 150, got %.8f", pos.AvgPrice)
	}
}

func TestRecordSellProfitAndPosition(t *testing.T) {
	ctx := context.Background()
	portfolio := NewPortfolioLedger(newTestStore(t))

	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 100); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	ev := ProfitEvent{
		PairID:    7,
		Symbol:    "SOL/USDC",
		BuyPrice:  100,
		SellPrice: 102,
		Qty:       0.4,
		Exchange:  "binance",
	}
	if err := portfolio.RecordSell(ctx, ev, 0); err != nil {
		t.Fatalf("RecordSell: %v", err)
	}

	pos, _, _ := portfolio.Position(ctx, "SOL/USDC")
	if math.Abs(pos.Amount-0.6) > 1e-9 {
		t.Fatalf("expected position 0.6, got %.8f", pos.Amount)
	}
	usdc, crypto, err := portfolio.PairProfit(ctx, 7)
	if err != nil {
		t.Fatalf("PairProfit: %v", err)
	}
	if math.Abs(usdc-0.8) > 1e-9 {
		t.Fatalf("expected profit 0.8, got %.8f", usdc)
	}
	if crypto != 0 {
		t.Fatalf("expected no retained crypto, got %.8f", crypto)
	}

	events, err := portfolio.ProfitEvents(ctx, 7, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("ProfitEvents: len=%d err=%v", len(events), err)
	}
	if math.Abs(events[0].Profit-0.8) > 1e-9 {
		t.Fatalf("unexpected event profit %.8f", events[0].Profit)
	}
}

func TestRecordSellRetainedCrypto(t *testing.T) {
	ctx := context.Background()
	portfolio := NewPortfolioLedger(newTestStore(t))

	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 100); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	ev := ProfitEvent{PairID: 1, Symbol: "SOL/USDC", BuyPrice: 100, SellPrice: 102, Qty: 10.0 / 102}
	if err := portfolio.RecordSell(ctx, ev, 1-10.0/102); err != nil {
		t.Fatalf("RecordSell: %v", err)
	}
	_, crypto, err := portfolio.PairProfit(ctx, 1)
	if err != nil {
		t.Fatalf("PairProfit: %v", err)
	}
	if math.Abs(crypto-(1-10.0/102)) > 1e-9 {
		t.Fatalf("expected retained %.8f, got %.8f", 1-10.0/102, crypto)
	}
}

func TestRecordSellZeroesDust(t *testing.T) {
	ctx := context.Background()
	portfolio := NewPortfolioLedger(newTestStore(t))

	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 100); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	ev := ProfitEvent{PairID: 1, Symbol: "SOL/USDC", BuyPrice: 100, SellPrice: 101, Qty: 1 - 1e-9}
	if err := portfolio.RecordSell(ctx, ev, 0); err != nil {
		t.Fatalf("RecordSell: %v", err)
	}
	pos, _, _ := portfolio.Position(ctx, "SOL/USDC")
	if pos.Amount != 0 {
		t.Fatalf("dust position should be zeroed, got %.12f", pos.Amount)
	}
}

func TestDeletePosition(t *testing.T) {
	ctx := context.Background()
	portfolio := NewPortfolioLedger(newTestStore(t))

	if err := portfolio.RecordBuy(ctx, "SOL/USDC", 1, 100); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := portfolio.DeletePosition(ctx, "SOL/USDC"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	if _, ok, _ := portfolio.Position(ctx, "SOL/USDC"); ok {
		t.Fatalf("position row should be gone")
	}
}

func TestLadderSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	snap := LadderSnapshot{
		Symbol:     "SOL/USDC",
		BuyOrderID: "b1",
		BuyPrice:   99,
		BuyQty:     0.5,
		Sells: []SnapshotSell{
			{OrderID: "s1", Price: 102, Qty: 0.5, BuyPrice: 100},
			{OrderID: "s2", Price: 104, Qty: 0.25, BuyPrice: 101},
		},
		UpdatedAtMS: 1700000000000,
	}
	if err := SaveLadderSnapshot(ctx, store, snap); err != nil {
		t.Fatalf("SaveLadderSnapshot: %v", err)
	}
	got, ok, err := LoadLadderSnapshot(ctx, store, "SOL/USDC")
	if err != nil || !ok {
		t.Fatalf("LoadLadderSnapshot: ok=%v err=%v", ok, err)
	}
	if got.BuyOrderID != "b1" || len(got.Sells) != 2 || got.Sells[1].OrderID != "s2" {
		t.Fatalf("snapshot mismatch: %+v", got)
	}

	if err := DeleteLadderSnapshot(ctx, store, "SOL/USDC"); err != nil {
		t.Fatalf("DeleteLadderSnapshot: %v", err)
	}
	if _, ok, _ := LoadLadderSnapshot(ctx, store, "SOL/USDC"); ok {
		t.Fatalf("snapshot should be gone")
	}
}
