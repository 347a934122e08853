package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "spot_grid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	buysFilled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "buys_filled_total",
		Help:      "Total number of filled buy orders.",
	})
	sellsFilled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "sells_filled_total",
		Help:      "Total number of filled sell orders.",
	})
	cyclesStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_started_total",
		Help:      "Total number of grid cycles opened with a market buy.",
	})
	tickErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tick_errors_total",
		Help:      "Total number of trade loop ticks that ended in error.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, buysFilled, sellsFilled, cyclesStarted, tickErrors)

	m := &Metrics{
		OrdersPlaced:  promCounter{ordersPlaced},
		OrdersFailed:  promCounter{ordersFailed},
		BuysFilled:    promCounter{buysFilled},
		SellsFilled:   promCounter{sellsFilled},
		CyclesStarted: promCounter{cyclesStarted},
		TickErrors:    promCounter{tickErrors},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
