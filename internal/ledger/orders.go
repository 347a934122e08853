package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type OrderRow struct {
	Symbol   string
	Side     string
	OrderID  string
	Price    float64
	Qty      float64
	Filled   float64
	Status   string
	Exchange string
}

// OrderLedger tracks the live orders of every symbol. A symbol holds at
// most one buy row; sell rows are keyed per order id.
type OrderLedger struct {
	store *Store
}

func NewOrderLedger(store *Store) *OrderLedger {
	return &OrderLedger{store: store}
}

// SetOrder upserts an order row. A buy replaces whatever buy row the
// symbol already had, regardless of order id.
func (l *OrderLedger) SetOrder(ctx context.Context, row OrderRow) error {
	if row.Status == "" {
		row.Status = "open"
	}
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if row.Side == "buy" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE symbol = ? AND side = 'buy'`, row.Symbol); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (symbol, side, order_id, price, qty, filled, status, exchange, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, side, order_id) DO UPDATE SET
			price = excluded.price,
			qty = excluded.qty,
			filled = excluded.filled,
			status = excluded.status,
			updated_at_ms = excluded.updated_at_ms`,
		row.Symbol, row.Side, row.OrderID, row.Price, row.Qty, row.Filled, row.Status, row.Exchange, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (l *OrderLedger) BuyOrder(ctx context.Context, symbol string) (OrderRow, bool, error) {
	row := OrderRow{}
	err := l.store.db.QueryRowContext(ctx, `SELECT symbol, side, order_id, price, qty, filled, status, exchange
		FROM orders WHERE symbol = ? AND side = 'buy'`, symbol).
		Scan(&row.Symbol, &row.Side, &row.OrderID, &row.Price, &row.Qty, &row.Filled, &row.Status, &row.Exchange)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OrderRow{}, false, nil
		}
		return OrderRow{}, false, err
	}
	return row, true, nil
}

func (l *OrderLedger) SellOrders(ctx context.Context, symbol string) ([]OrderRow, error) {
	rows, err := l.store.db.QueryContext(ctx, `SELECT symbol, side, order_id, price, qty, filled, status, exchange
		FROM orders WHERE symbol = ? AND side = 'sell' ORDER BY price ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderRow
	for rows.Next() {
		var row OrderRow
		if err := rows.Scan(&row.Symbol, &row.Side, &row.OrderID, &row.Price, &row.Qty, &row.Filled, &row.Status, &row.Exchange); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteOrder drops one order row. An empty orderID drops every row on
// that side of the symbol.
func (l *OrderLedger) DeleteOrder(ctx context.Context, symbol, side, orderID string) error {
	if orderID == "" {
		_, err := l.store.db.ExecContext(ctx, `DELETE FROM orders WHERE symbol = ? AND side = ?`, symbol, side)
		return err
	}
	_, err := l.store.db.ExecContext(ctx, `DELETE FROM orders WHERE symbol = ? AND side = ? AND order_id = ?`, symbol, side, orderID)
	return err
}

func (l *OrderLedger) DeleteOrders(ctx context.Context, symbol string) error {
	_, err := l.store.db.ExecContext(ctx, `DELETE FROM orders WHERE symbol = ?`, symbol)
	return err
}
