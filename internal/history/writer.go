package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spot-grid-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// ProfitRecord is one realized sell, written for offline reporting.
type ProfitRecord struct {
	Time        time.Time
	PairID      int64
	Symbol      string
	BuyPrice    float64
	SellPrice   float64
	Qty         float64
	Profit      float64
	Retained    float64
	Exchange    string
	TradingMode string
}

// LadderRecord is a per-tick image of one pair's ladder.
type LadderRecord struct {
	Time      time.Time
	PairID    int64
	Symbol    string
	BuyPrice  float64
	BuyQty    float64
	OpenSells int
	Position  float64
	AvgPrice  float64
}

// Writer ships profit events and ladder snapshots to Postgres on its
// own goroutine. Enqueue never blocks the trade loop; overflow is
// dropped and counted.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	profits     chan ProfitRecord
	ladders     chan LadderRecord
	started     atomic.Bool
	dropProfit  atomic.Uint64
	dropLadders atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		profits: make(chan ProfitRecord, queueSize),
		ladders: make(chan LadderRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueProfit(rec ProfitRecord) {
	if w == nil {
		return
	}
	select {
	case w.profits <- rec:
		return
	default:
		if w.dropProfit.Add(1) == 1 && w.log != nil {
			w.log.Warn("history profit queue full")
		}
	}
}

func (w *Writer) EnqueueLadder(rec LadderRecord) {
	if w == nil {
		return
	}
	select {
	case w.ladders <- rec:
		return
	default:
		if w.dropLadders.Add(1) == 1 && w.log != nil {
			w.log.Warn("history ladder queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.profits:
			w.writeProfit(ctx, rec)
		case rec := <-w.ladders:
			w.writeLadder(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		profit DOUBLE PRECISION NOT NULL,
		retained DOUBLE PRECISION NOT NULL DEFAULT 0,
		exchange TEXT NOT NULL DEFAULT '',
		trading_mode TEXT NOT NULL DEFAULT ''
	)`, w.table("profit_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		buy_qty DOUBLE PRECISION NOT NULL,
		open_sells INTEGER NOT NULL,
		position DOUBLE PRECISION NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL
	)`, w.table("ladder_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("profit_events"))); err != nil && w.log != nil {
		w.log.Warn("profit_events hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("ladder_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("ladder_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeProfit(ctx context.Context, rec ProfitRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair_id, symbol, buy_price, sell_price, qty, profit, retained, exchange, trading_mode
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("profit_events"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.PairID,
		rec.Symbol,
		rec.BuyPrice,
		rec.SellPrice,
		rec.Qty,
		rec.Profit,
		rec.Retained,
		rec.Exchange,
		rec.TradingMode,
	); err != nil && w.log != nil {
		w.log.Warn("history profit insert failed", zap.Error(err))
	}
}

func (w *Writer) writeLadder(ctx context.Context, rec LadderRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair_id, symbol, buy_price, buy_qty, open_sells, position, avg_price
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("ladder_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.PairID,
		rec.Symbol,
		rec.BuyPrice,
		rec.BuyQty,
		rec.OpenSells,
		rec.Position,
		rec.AvgPrice,
	); err != nil && w.log != nil {
		w.log.Warn("history ladder insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
