package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"spot-grid-bot/internal/alerts"
	"spot-grid-bot/internal/config"
	"spot-grid-bot/internal/engine"
	"spot-grid-bot/internal/history"
	"spot-grid-bot/internal/ledger"
	"spot-grid-bot/internal/metrics"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when a pair already has a live worker.
var ErrAlreadyRunning = errors.New("bot already running for pair")

const defaultJoinTimeout = 5 * time.Second

// GatewayFactory builds the exchange binding for one pair. Errors here
// (bad credentials, unsupported exchange) fail StartBot before any
// state changes.
type GatewayFactory func(pair config.PairConfig) (engine.Gateway, error)

type Deps struct {
	Store      *ledger.Store
	Orders     *ledger.OrderLedger
	Portfolio  *ledger.PortfolioLedger
	History    *history.Writer
	Notifier   engine.Notifier
	Metrics    *metrics.Metrics
	NewGateway GatewayFactory
	Log        *zap.Logger

	// JoinTimeout bounds how long StopBot waits for the worker to
	// exit. Zero means the default of 5s.
	JoinTimeout time.Duration
}

// Manager supervises one worker goroutine per pair. The registry map
// is the only state shared across workers and is guarded by one mutex.
type Manager struct {
	deps        Deps
	log         *zap.Logger
	joinTimeout time.Duration

	mu   sync.Mutex
	bots map[int64]*worker
}

type worker struct {
	pair   config.PairConfig
	gw     engine.Gateway
	cancel context.CancelFunc
	done   chan struct{}
}

func New(deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	joinTimeout := deps.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	return &Manager{
		deps:        deps,
		log:         log,
		joinTimeout: joinTimeout,
		bots:        make(map[int64]*worker),
	}
}

func (m *Manager) IsRunning(pairID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bots[pairID]
	return ok
}

// StartBot spawns the worker for a pair. Registry insert and spawn
// happen under the lock, so a concurrent start of the same pair sees
// ErrAlreadyRunning. Setup failures return before anything is
// registered.
func (m *Manager) StartBot(pair config.PairConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[pair.ID]; ok {
		return ErrAlreadyRunning
	}
	gw, err := m.deps.NewGateway(pair)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		pair:   pair,
		gw:     gw,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.bots[pair.ID] = w
	go m.supervise(runCtx, w)
	m.log.Info("bot started",
		zap.Int64("pair_id", pair.ID),
		zap.String("symbol", pair.Symbol),
		zap.String("exchange", pair.Exchange))
	return nil
}

// supervise runs the engine and owns the registry cleanup: whatever
// way the worker exits, the entry is cleared here and nowhere else.
func (m *Manager) supervise(ctx context.Context, w *worker) {
	defer func() {
		m.mu.Lock()
		delete(m.bots, w.pair.ID)
		m.mu.Unlock()
		close(w.done)
	}()
	eng := engine.New(w.pair, engine.Deps{
		Gateway:   w.gw,
		Orders:    m.deps.Orders,
		Portfolio: m.deps.Portfolio,
		Store:     m.deps.Store,
		History:   m.deps.History,
		Notifier:  m.deps.Notifier,
		Metrics:   m.deps.Metrics,
		Log:       m.log,
	})
	err := eng.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error("bot exited",
			zap.Int64("pair_id", w.pair.ID),
			zap.String("symbol", w.pair.Symbol),
			zap.Error(err))
		if m.deps.Notifier != nil {
			if nerr := m.deps.Notifier.Send(context.Background(), alerts.WorkerStopped(w.pair.Symbol, err)); nerr != nil {
				m.log.Warn("stop notification failed", zap.Error(nerr))
			}
		}
	}
}

// StopBot cancels the worker, joins it with a bounded wait, then
// best-effort cancels the pair's exchange orders and clears its ledger
// state. A join timeout is logged and the cleanup proceeds anyway.
func (m *Manager) StopBot(ctx context.Context, pairID int64) {
	m.mu.Lock()
	w, ok := m.bots[pairID]
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(m.joinTimeout):
		m.log.Warn("bot join timed out",
			zap.Int64("pair_id", pairID),
			zap.String("symbol", w.pair.Symbol))
	}
	if err := w.gw.CancelAllOrders(ctx, w.pair.Symbol); err != nil {
		m.log.Warn("stop cleanup cancel failed",
			zap.String("symbol", w.pair.Symbol), zap.Error(err))
	}
	if err := m.deps.Orders.DeleteOrders(ctx, w.pair.Symbol); err != nil {
		m.log.Warn("stop cleanup order ledger failed",
			zap.String("symbol", w.pair.Symbol), zap.Error(err))
	}
	// A stopped pair restarts with a fresh market buy; stale position
	// and snapshot rows would poison the next cycle.
	if err := m.deps.Portfolio.DeletePosition(ctx, w.pair.Symbol); err != nil {
		m.log.Warn("stop cleanup position failed",
			zap.String("symbol", w.pair.Symbol), zap.Error(err))
	}
	if err := ledger.DeleteLadderSnapshot(ctx, m.deps.Store, w.pair.Symbol); err != nil {
		m.log.Warn("stop cleanup snapshot failed",
			zap.String("symbol", w.pair.Symbol), zap.Error(err))
	}
	m.log.Info("bot stopped",
		zap.Int64("pair_id", pairID),
		zap.String("symbol", w.pair.Symbol))
}

// StopAll stops every running pair, used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopBot(ctx, id)
	}
}
