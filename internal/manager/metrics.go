package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 注册进默认 registry，由 /metrics 端点统一暴露
var (
	ordersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_orders_created_total",
		Help: "Orders accepted by the execution core.",
	})

	orderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_order_transitions_total",
		Help: "Order state transitions by resulting status.",
	}, []string{"status"})

	signalsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_signals_rejected_total",
		Help: "Signals rejected by the guard chain, by reason code.",
	}, []string{"reason"})

	realizedPnlGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "algobot_realized_pnl",
		Help: "Cumulative realized PnL of the trading account.",
	})
)
