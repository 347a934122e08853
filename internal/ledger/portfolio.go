package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Position amounts below this are treated as dust and zeroed.
const positionEpsilon = 1e-8

type Position struct {
	Symbol   string
	Amount   float64
	AvgPrice float64
}

type ProfitEvent struct {
	TS          time.Time
	PairID      int64
	Symbol      string
	BuyPrice    float64
	SellPrice   float64
	Qty         float64
	Profit      float64
	Exchange    string
	TradingMode string
}

// PortfolioLedger is the only writer of positions and profit totals.
type PortfolioLedger struct {
	store *Store
}

func NewPortfolioLedger(store *Store) *PortfolioLedger {
	return &PortfolioLedger{store: store}
}

// RecordBuy merges a fill into the position at the volume-weighted
// average price.
func (p *PortfolioLedger) RecordBuy(ctx context.Context, symbol string, qty, price float64) error {
	if qty <= 0 || price <= 0 {
		return errors.New("buy qty and price must be positive")
	}
	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var amount, avgPrice float64
	err = tx.QueryRowContext(ctx, `SELECT amount, avg_price FROM positions WHERE symbol = ?`, symbol).
		Scan(&amount, &avgPrice)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	total := amount + qty
	newAvg := (amount*avgPrice + qty*price) / total
	_, err = tx.ExecContext(ctx, `INSERT INTO positions (symbol, amount, avg_price, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			amount = excluded.amount,
			avg_price = excluded.avg_price,
			updated_at_ms = excluded.updated_at_ms`,
		symbol, total, newAvg, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSell appends a profit event, rolls the pair totals forward, and
// decrements the position. retained is the base quantity kept back in
// crypto profit mode; it lands in the pair's profit_crypto total.
func (p *PortfolioLedger) RecordSell(ctx context.Context, ev ProfitEvent, retained float64) error {
	if ev.Qty <= 0 {
		return errors.New("sell qty must be positive")
	}
	ev.Profit = (ev.SellPrice - ev.BuyPrice) * ev.Qty
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO profit_events (ts_ms, pair_id, symbol, buy_price, sell_price, qty, profit, exchange, trading_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TS.UnixMilli(), ev.PairID, ev.Symbol, ev.BuyPrice, ev.SellPrice, ev.Qty, ev.Profit, ev.Exchange, ev.TradingMode)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pair_profits (pair_id, symbol, profit_usdc, profit_crypto)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pair_id) DO UPDATE SET
			profit_usdc = pair_profits.profit_usdc + excluded.profit_usdc,
			profit_crypto = pair_profits.profit_crypto + excluded.profit_crypto`,
		ev.PairID, ev.Symbol, ev.Profit, retained)
	if err != nil {
		return err
	}
	var amount, avgPrice float64
	err = tx.QueryRowContext(ctx, `SELECT amount, avg_price FROM positions WHERE symbol = ?`, ev.Symbol).
		Scan(&amount, &avgPrice)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	remaining := amount - ev.Qty
	if remaining < positionEpsilon {
		remaining = 0
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO positions (symbol, amount, avg_price, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			amount = excluded.amount,
			updated_at_ms = excluded.updated_at_ms`,
		ev.Symbol, remaining, avgPrice, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PortfolioLedger) Position(ctx context.Context, symbol string) (Position, bool, error) {
	pos := Position{Symbol: symbol}
	err := p.store.db.QueryRowContext(ctx, `SELECT amount, avg_price FROM positions WHERE symbol = ?`, symbol).
		Scan(&pos.Amount, &pos.AvgPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, false, nil
		}
		return Position{}, false, err
	}
	return pos, true, nil
}

func (p *PortfolioLedger) DeletePosition(ctx context.Context, symbol string) error {
	_, err := p.store.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

// PairProfit returns the running quote and retained-base totals.
func (p *PortfolioLedger) PairProfit(ctx context.Context, pairID int64) (usdc, crypto float64, err error) {
	err = p.store.db.QueryRowContext(ctx, `SELECT profit_usdc, profit_crypto FROM pair_profits WHERE pair_id = ?`, pairID).
		Scan(&usdc, &crypto)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return usdc, crypto, err
}

// ProfitEvents returns the most recent events for a pair, newest first.
func (p *PortfolioLedger) ProfitEvents(ctx context.Context, pairID int64, limit int) ([]ProfitEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.store.db.QueryContext(ctx, `SELECT ts_ms, pair_id, symbol, buy_price, sell_price, qty, profit, exchange, trading_mode
		FROM profit_events WHERE pair_id = ? ORDER BY id DESC LIMIT ?`, pairID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProfitEvent
	for rows.Next() {
		var ev ProfitEvent
		var ts int64
		if err := rows.Scan(&ts, &ev.PairID, &ev.Symbol, &ev.BuyPrice, &ev.SellPrice, &ev.Qty, &ev.Profit, &ev.Exchange, &ev.TradingMode); err != nil {
			return nil, err
		}
		ev.TS = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
