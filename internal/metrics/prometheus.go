package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "ob_scalp_bot"

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
		Help:      "Total number of orders submitted to the exchange.",
	})
	ordersRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_rejected_total",
		Help:      "Total number of orders rejected by the local validator.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order submission failures.",
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
	cyclesSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_skipped_total",
		Help:      "Total number of polling cycles skipped on transient errors.",
	})
	bearishInterrupts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "bearish_interrupts_total",
		Help:      "Total number of pending buys cancelled on a bearish flip.",
	})

	registry.MustRegister(ordersPlaced, ordersRejected, ordersFailed, buysFilled, sellsFilled, cyclesSkipped, bearishInterrupts)

	m := &Metrics{
		OrdersPlaced:      promCounter{ordersPlaced},
		OrdersRejected:    promCounter{ordersRejected},
		OrdersFailed:      promCounter{ordersFailed},
		BuysFilled:        promCounter{buysFilled},
		SellsFilled:       promCounter{sellsFilled},
		CyclesSkipped:     promCounter{cyclesSkipped},
		BearishInterrupts: promCounter{bearishInterrupts},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
