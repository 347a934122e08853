package ledger

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// LadderSnapshot is the durable image of one engine's ladder, written
// after every tick so a restart can resume against live orders instead
// of opening a fresh cycle.
type LadderSnapshot struct {
	Symbol      string         `msgpack:"symbol"`
	BuyOrderID  string         `msgpack:"buy_order_id"`
	BuyPrice    float64        `msgpack:"buy_price"`
	BuyQty      float64        `msgpack:"buy_qty"`
	Sells       []SnapshotSell `msgpack:"sells"`
	UpdatedAtMS int64          `msgpack:"updated_at_ms"`
}

type SnapshotSell struct {
	OrderID  string  `msgpack:"order_id"`
	Price    float64 `msgpack:"price"`
	Qty      float64 `msgpack:"qty"`
	BuyPrice float64 `msgpack:"buy_price"`
	Retained float64 `msgpack:"retained"`
}

func ladderKey(symbol string) string { return "ladder:" + symbol }

func SaveLadderSnapshot(ctx context.Context, store *Store, snap LadderSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, ladderKey(snap.Symbol), payload)
}

func LoadLadderSnapshot(ctx context.Context, store *Store, symbol string) (LadderSnapshot, bool, error) {
	if store == nil {
		return LadderSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, ladderKey(symbol))
	if err != nil || !ok {
		return LadderSnapshot{}, false, err
	}
	var snap LadderSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return LadderSnapshot{}, false, err
	}
	return snap, true, nil
}

func DeleteLadderSnapshot(ctx context.Context, store *Store, symbol string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, ladderKey(symbol))
}
