package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"spot-grid-bot/internal/alerts"
	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/history"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/metrics"

	"go.uber.org/zap"
)

// qtyDecimals is the rounding applied to sell and retained quantities
// before precision snapping in the gateway.
const qtyDecimals = 6

// Gateway is the slice of the exchange gateway the trade loop needs.
type Gateway interface {
	MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (exchange.MarketBuyResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side exchange.Side, price, qty float64) (exchange.LimitOrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	CheckOrderStatus(ctx context.Context, orderID, symbol string) (exchange.OrderState, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type sellOrder struct {
	ID       string
	Price    float64
	Qty      float64
	BuyPrice float64
	Retained float64
}

// Deps carries everything an engine shares with the rest of the app.
// Metrics and Log default to no-ops; History and Notifier may be nil.
type Deps struct {
	Gateway   Gateway
	Orders    *ledger.OrderLedger
	Portfolio *ledger.PortfolioLedger
	Store     *ledger.Store
	History   *history.Writer
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Engine runs the grid loop for one pair: one resting buy below the
// last fill, one sell per filled buy above it, re-issued as they fill.
// All state is owned by the single worker goroutine.
type Engine struct {
	pair      config.PairConfig
	gw        Gateway
	orders    *ledger.OrderLedger
	portfolio *ledger.PortfolioLedger
	store     *ledger.Store
	history   *history.Writer
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger

	buyPct  float64
	sellPct float64

	buyOrderID string
	buyPrice   float64
	buyQty     float64
	sells      []sellOrder
}

func New(pair config.PairConfig, deps Deps) *Engine {
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pair:      pair,
		gw:        deps.Gateway,
		orders:    deps.Orders,
		portfolio: deps.Portfolio,
		store:     deps.Store,
		history:   deps.History,
		notifier:  deps.Notifier,
		metrics:   m,
		log:       log.With(zap.String("symbol", pair.Symbol), zap.Int64("pair_id", pair.ID)),
		buyPct:    math.Abs(pair.BuyPct),
		sellPct:   pair.SellPct,
	}
}

// Run drives the tick loop until the context is cancelled. Tick errors
// are counted and logged; the loop continues on the next interval.
func (e *Engine) Run(ctx context.Context) error {
	if restored := e.restore(ctx); !restored {
		// No snapshot to resume from: clear lingering orders so the
		// first cycle starts from a clean book.
		e.cancelAll(ctx)
	}
	ticker := time.NewTicker(e.pair.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.metrics.TickErrors.Inc()
				e.log.Warn("tick failed", zap.Error(err))
			}
		}
	}
}

// restore reloads the ladder from the last snapshot so a restart keeps
// tracking live orders instead of opening a duplicate cycle.
func (e *Engine) restore(ctx context.Context) bool {
	snap, ok, err := ledger.LoadLadderSnapshot(ctx, e.store, e.pair.Symbol)
	if err != nil {
		e.log.Warn("snapshot restore failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	e.buyOrderID = snap.BuyOrderID
	e.buyPrice = snap.BuyPrice
	e.buyQty = snap.BuyQty
	e.sells = e.sells[:0]
	for _, s := range snap.Sells {
		e.sells = append(e.sells, sellOrder{
			ID:       s.OrderID,
			Price:    s.Price,
			Qty:      s.Qty,
			BuyPrice: s.BuyPrice,
			Retained: s.Retained,
		})
	}
	e.log.Info("ladder restored from snapshot",
		zap.String("buy_order_id", e.buyOrderID),
		zap.Int("open_sells", len(e.sells)))
	return e.buyOrderID != "" || len(e.sells) > 0
}

// Tick runs one full pass: poll sells, poll the buy, open a fresh
// cycle when the ladder is empty, then persist the ladder.
func (e *Engine) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.pollSells(ctx); err != nil {
		return err
	}
	if err := e.pollBuy(ctx); err != nil {
		return err
	}
	if e.buyOrderID == "" && len(e.sells) == 0 {
		if err := e.startCycle(ctx); err != nil {
			return err
		}
	}
	e.persist(ctx)
	return nil
}

func (e *Engine) pollSells(ctx context.Context) error {
	pending := append([]sellOrder(nil), e.sells...)
	for _, so := range pending {
		st, err := e.gw.CheckOrderStatus(ctx, so.ID, e.pair.Symbol)
		if err != nil {
			// Unknown state: keep the order live and look again next
			// tick.
			e.log.Warn("sell status check failed",
				zap.String("order_id", so.ID), zap.Error(err))
			continue
		}
		switch st.Status {
		case exchange.StatusClosed:
			if err := e.onSellFilled(ctx, so); err != nil {
				return err
			}
		case exchange.StatusCanceled, exchange.StatusNotFound:
			e.removeSell(so.ID)
			if err := e.orders.DeleteOrder(ctx, e.pair.Symbol, "sell", so.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) onSellFilled(ctx context.Context, so sellOrder) error {
	e.log.Info("sell filled",
		zap.String("order_id", so.ID),
		zap.Float64("price", so.Price),
		zap.Float64("qty", so.Qty),
		zap.Float64("retained", so.Retained))

	ev := ledger.ProfitEvent{
		PairID:      e.pair.ID,
		Symbol:      e.pair.Symbol,
		BuyPrice:    so.BuyPrice,
		SellPrice:   so.Price,
		Qty:         so.Qty,
		Exchange:    e.pair.Exchange,
		TradingMode: e.pair.TradingMode,
	}
	if err := e.portfolio.RecordSell(ctx, ev, so.Retained); err != nil {
		return err
	}
	e.metrics.SellsFilled.Inc()
	profit := (so.Price - so.BuyPrice) * so.Qty
	e.history.EnqueueProfit(history.ProfitRecord{
		Time:        time.Now(),
		PairID:      e.pair.ID,
		Symbol:      e.pair.Symbol,
		BuyPrice:    so.BuyPrice,
		SellPrice:   so.Price,
		Qty:         so.Qty,
		Profit:      profit,
		Retained:    so.Retained,
		Exchange:    e.pair.Exchange,
		TradingMode: e.pair.TradingMode,
	})

	e.removeSell(so.ID)
	if err := e.orders.DeleteOrder(ctx, e.pair.Symbol, "sell", so.ID); err != nil {
		return err
	}

	// The resting buy belongs to the old rung: cancel it before any
	// replacement goes out.
	if e.buyOrderID != "" {
		if err := e.gw.CancelOrder(ctx, e.buyOrderID, e.pair.Symbol); err != nil {
			e.log.Warn("buy cancel after sell failed",
				zap.String("order_id", e.buyOrderID), zap.Error(err))
		}
		if err := e.orders.DeleteOrder(ctx, e.pair.Symbol, "buy", ""); err != nil {
			return err
		}
		e.buyOrderID = ""
	}

	if len(e.sells) > 0 {
		e.placeBuy(ctx, so.Price*(1-e.buyPct/100))
	} else {
		e.log.Info("all sells filled, cycle complete")
		e.notify(ctx, alerts.CycleCompleted(e.pair.Symbol, so.Price, so.Qty, profit))
		e.checkProfitAlerts(ctx)
	}
	return nil
}

func (e *Engine) pollBuy(ctx context.Context) error {
	if e.buyOrderID == "" {
		return nil
	}
	st, err := e.gw.CheckOrderStatus(ctx, e.buyOrderID, e.pair.Symbol)
	if err != nil {
		e.log.Warn("buy status check failed",
			zap.String("order_id", e.buyOrderID), zap.Error(err))
		return nil
	}
	switch st.Status {
	case exchange.StatusClosed:
		return e.onBuyFilled(ctx, st)
	case exchange.StatusCanceled, exchange.StatusNotFound:
		e.buyOrderID = ""
		return e.orders.DeleteOrder(ctx, e.pair.Symbol, "buy", "")
	}
	return nil
}

func (e *Engine) onBuyFilled(ctx context.Context, st exchange.OrderState) error {
	buyPrice := e.buyPrice
	qty := st.Filled
	if qty <= 0 {
		qty = e.buyQty
	}
	e.log.Info("buy filled",
		zap.String("order_id", e.buyOrderID),
		zap.Float64("price", buyPrice),
		zap.Float64("qty", qty))

	if err := e.portfolio.RecordBuy(ctx, e.pair.Symbol, qty, buyPrice); err != nil {
		return err
	}
	e.metrics.BuysFilled.Inc()
	if err := e.orders.DeleteOrder(ctx, e.pair.Symbol, "buy", ""); err != nil {
		return err
	}
	e.buyOrderID = ""

	e.placeSellFor(ctx, buyPrice, qty)
	e.placeBuy(ctx, buyPrice*(1-e.buyPct/100))
	return nil
}

// startCycle opens a fresh grid: defensive cancel of anything left on
// the book, a market buy for the configured notional, then the first
// sell and rung buy around the fill.
func (e *Engine) startCycle(ctx context.Context) error {
	e.log.Info("starting new cycle")
	e.cancelAll(ctx)

	res, err := e.gw.MarketBuy(ctx, e.pair.Symbol, e.pair.Amount)
	if err != nil {
		var ife *exchange.InsufficientFundsError
		if errors.As(err, &ife) {
			e.log.Warn("cycle skipped, insufficient funds",
				zap.Float64("required", ife.Required),
				zap.Float64("available", ife.Available))
			return nil
		}
		return err
	}
	e.metrics.CyclesStarted.Inc()
	e.metrics.OrdersPlaced.Inc()
	if res.AvgPrice <= 0 || res.Filled <= 0 {
		return errors.New("market buy returned no usable fill")
	}

	if err := e.portfolio.RecordBuy(ctx, e.pair.Symbol, res.Filled, res.AvgPrice); err != nil {
		return err
	}

	e.placeSellFor(ctx, res.AvgPrice, res.Filled)
	e.placeBuy(ctx, res.AvgPrice*(1-e.buyPct/100))
	return nil
}

// placeSellFor lists the take-profit sell for a fill. In crypto profit
// mode only enough base to recoup the notional is sold and the rest is
// retained. Placement failures leave the side absent until the ladder
// empties.
func (e *Engine) placeSellFor(ctx context.Context, buyPrice, qty float64) {
	sellPrice := buyPrice * (1 + e.sellPct/100)
	sellQty := qty
	retained := 0.0
	if e.pair.ProfitMode == "crypto" {
		sellQty = math.Min(qty, e.pair.Amount/sellPrice)
		retained = math.Max(0, qty-sellQty)
	}
	sellQty = roundTo(sellQty, qtyDecimals)
	retained = roundTo(retained, qtyDecimals)

	res, err := e.gw.PlaceLimitOrder(ctx, e.pair.Symbol, exchange.SideSell, sellPrice, sellQty)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("sell placement failed",
			zap.Float64("price", sellPrice), zap.Float64("qty", sellQty), zap.Error(err))
		return
	}
	e.metrics.OrdersPlaced.Inc()
	e.sells = append(e.sells, sellOrder{
		ID:       res.OrderID,
		Price:    sellPrice,
		Qty:      sellQty,
		BuyPrice: buyPrice,
		Retained: retained,
	})
	if err := e.orders.SetOrder(ctx, ledger.OrderRow{
		Symbol:   e.pair.Symbol,
		Side:     "sell",
		OrderID:  res.OrderID,
		Price:    sellPrice,
		Qty:      sellQty,
		Exchange: e.pair.Exchange,
	}); err != nil {
		e.log.Warn("sell ledger write failed", zap.Error(err))
	}
	e.log.Info("sell listed",
		zap.String("order_id", res.OrderID),
		zap.Float64("price", sellPrice),
		zap.Float64("qty", sellQty),
		zap.Float64("retained", retained))
}

// placeBuy lists the next rung buy. The quantity is the configured
// notional at the rung price.
func (e *Engine) placeBuy(ctx context.Context, price float64) {
	qty := e.pair.Amount / price
	res, err := e.gw.PlaceLimitOrder(ctx, e.pair.Symbol, exchange.SideBuy, price, qty)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("buy placement failed",
			zap.Float64("price", price), zap.Float64("qty", qty), zap.Error(err))
		e.buyOrderID = ""
		return
	}
	e.metrics.OrdersPlaced.Inc()
	e.buyOrderID = res.OrderID
	e.buyPrice = price
	e.buyQty = qty
	if err := e.orders.SetOrder(ctx, ledger.OrderRow{
		Symbol:   e.pair.Symbol,
		Side:     "buy",
		OrderID:  res.OrderID,
		Price:    price,
		Qty:      qty,
		Exchange: e.pair.Exchange,
	}); err != nil {
		e.log.Warn("buy ledger write failed", zap.Error(err))
	}
	e.log.Info("buy listed",
		zap.String("order_id", res.OrderID),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
}

// cancelAll clears the book and the local ladder, best effort.
func (e *Engine) cancelAll(ctx context.Context) {
	if err := e.gw.CancelAllOrders(ctx, e.pair.Symbol); err != nil {
		e.log.Warn("cancel all failed", zap.Error(err))
	}
	if err := e.orders.DeleteOrders(ctx, e.pair.Symbol); err != nil {
		e.log.Warn("order ledger clear failed", zap.Error(err))
	}
	e.buyOrderID = ""
	e.sells = e.sells[:0]
}

func (e *Engine) persist(ctx context.Context) {
	snap := ledger.LadderSnapshot{
		Symbol:      e.pair.Symbol,
		BuyOrderID:  e.buyOrderID,
		BuyPrice:    e.buyPrice,
		BuyQty:      e.buyQty,
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	for _, s := range e.sells {
		snap.Sells = append(snap.Sells, ledger.SnapshotSell{
			OrderID:  s.ID,
			Price:    s.Price,
			Qty:      s.Qty,
			BuyPrice: s.BuyPrice,
			Retained: s.Retained,
		})
	}
	if err := ledger.SaveLadderSnapshot(ctx, e.store, snap); err != nil {
		e.log.Warn("snapshot save failed", zap.Error(err))
	}
	pos, _, err := e.portfolio.Position(ctx, e.pair.Symbol)
	if err != nil {
		e.log.Warn("position read failed", zap.Error(err))
	}
	e.history.EnqueueLadder(history.LadderRecord{
		Time:      time.Now(),
		PairID:    e.pair.ID,
		Symbol:    e.pair.Symbol,
		BuyPrice:  e.buyPrice,
		BuyQty:    e.buyQty,
		OpenSells: len(e.sells),
		Position:  pos.Amount,
		AvgPrice:  pos.AvgPrice,
	})
	e.log.Debug("tick complete",
		zap.String("buy_order_id", e.buyOrderID),
		zap.Int("open_sells", len(e.sells)),
		zap.Float64("position", pos.Amount))
}

func (e *Engine) checkProfitAlerts(ctx context.Context) {
	usdc, _, err := e.portfolio.PairProfit(ctx, e.pair.ID)
	if err != nil {
		e.log.Warn("pair profit read failed", zap.Error(err))
		return
	}
	if usdc >= alerts.HighProfitThreshold {
		e.notify(ctx, alerts.HighProfit(e.pair.Symbol, usdc))
	} else if usdc <= alerts.HighLossThreshold {
		e.notify(ctx, alerts.SignificantLoss(e.pair.Symbol, usdc))
	}
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, message); err != nil {
		e.log.Warn("notification failed", zap.Error(err))
	}
}

func (e *Engine) removeSell(orderID string) {
	for i, s := range e.sells {
		if s.ID == orderID {
			e.sells = append(e.sells[:i], e.sells[i+1:]...)
			return
		}
	}
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	return math.Round(v*pow) / pow
}
