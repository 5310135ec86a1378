package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// expvar 计数器：进程内部总量，不依赖任何拉取端
var (
	EventsPublished  = expvar.NewInt("events_published")
	EventsDropped    = expvar.NewInt("events_dropped")
	ChainSubmits     = expvar.NewInt("chain_submits")
	ChainExecutes    = expvar.NewInt("chain_executes")
	ChainRetries     = expvar.NewInt("chain_retries")
	ChainFailures    = expvar.NewInt("chain_failures")
	OracleFetches    = expvar.NewInt("oracle_fetches")
	OracleFailures   = expvar.NewInt("oracle_failures")
	OrdersTriggered  = expvar.NewInt("orders_triggered")
	Liquidations     = expvar.NewInt("liquidations")
	MailboxOverflows = expvar.NewInt("mailbox_overflows")
)

// Prometheus 侧的镜像指标，由网关 /metrics 暴露
var (
	PromEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsim",
		Name:      "events_dropped_total",
		Help:      "Events dropped due to slow subscribers.",
	})
	PromChainSubmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsim",
		Name:      "chain_submits_total",
		Help:      "SubmitOrder transactions dispatched.",
	})
	PromChainRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsim",
		Name:      "chain_retries_total",
		Help:      "Submit retries after transient failures.",
	})
	PromLiquidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpsim",
		Name:      "liquidations_total",
		Help:      "Positions liquidated.",
	})
	PromTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "perpsim",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of one kernel tick.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Registry 返回已注册全部仿真指标的 registry
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		PromEventsDropped,
		PromChainSubmits,
		PromChainRetries,
		PromLiquidations,
		PromTickDuration,
	)
	return reg
}
