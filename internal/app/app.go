package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"spot-grid-bot/internal/alerts"
	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/exchange"
	"spot-grid-bot/internal/feed"
	"spot-grid-bot/internal/history"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/manager"
	"spot-grid-bot/internal/metrics"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// App owns the shared process state: the sqlite store, the ledgers, the
// optional price feed, history writer and metrics endpoint, and the
// manager that supervises one worker per pair.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *ledger.Store
	orders    *ledger.OrderLedger
	portfolio *ledger.PortfolioLedger
	history   *history.Writer
	alerts    *alerts.Telegram
	prom      *metrics.Prometheus
	feedCache *feed.Cache
	feedConn  *feed.Client
	manager   *manager.Manager
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := ledger.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	orders := ledger.NewOrderLedger(store)
	portfolio := ledger.NewPortfolioLedger(store)

	histWriter, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)

	mtr := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		mtr = prom.Metrics
	}

	var feedCache *feed.Cache
	var feedConn *feed.Client
	if cfg.Feed.Enabled {
		feedCache = feed.NewCache()
		feedConn = feed.NewClient(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, feedCache, log)
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		orders:    orders,
		portfolio: portfolio,
		history:   histWriter,
		alerts:    telegram,
		prom:      prom,
		feedCache: feedCache,
		feedConn:  feedConn,
	}
	a.manager = manager.New(manager.Deps{
		Store:      store,
		Orders:     orders,
		Portfolio:  portfolio,
		History:    histWriter,
		Notifier:   telegram,
		Metrics:    mtr,
		NewGateway: a.newGateway,
		Log:        log,
	})
	return a, nil
}

// newGateway binds one pair to its exchange. The feed cache only covers
// binance symbols, so other exchanges go straight to the REST ticker.
func (a *App) newGateway(pair config.PairConfig) (engine.Gateway, error) {
	adapter, err := exchange.NewAdapter(pair.Exchange, pair.TradingMode, 0, a.log)
	if err != nil {
		return nil, err
	}
	var src exchange.PriceSource
	if a.feedCache != nil && pair.Exchange == "binance" {
		src = a.feedCache
	}
	return exchange.NewGateway(adapter, src, a.log), nil
}

func (a *App) Manager() *manager.Manager { return a.manager }

// Run starts the background services, autostarts the configured pairs
// and blocks until the context ends, then stops every worker and cleans
// up their exchange state.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	a.history.Start(ctx)

	if a.feedConn != nil {
		for _, pair := range a.cfg.Pairs {
			if pair.Exchange != "binance" {
				continue
			}
			if err := a.feedConn.Watch(ctx, pair.Symbol); err != nil {
				a.log.Warn("feed watch failed", zap.String("symbol", pair.Symbol), zap.Error(err))
			}
		}
		go func() {
			if err := a.feedConn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("price feed stopped", zap.Error(err))
			}
		}()
	}

	var metricsSrv *http.Server
	if a.prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		a.log.Info("metrics endpoint listening", zap.String("addr", a.cfg.Metrics.Listen))
	}

	// A pair that fails to start must not block the others.
	for _, pair := range a.cfg.Pairs {
		if !pair.Autostart {
			continue
		}
		if err := a.manager.StartBot(pair); err != nil {
			a.log.Error("autostart failed",
				zap.Int64("pair_id", pair.ID),
				zap.String("symbol", pair.Symbol),
				zap.Error(err))
		}
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.manager.StopAll(stopCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	return ctx.Err()
}
