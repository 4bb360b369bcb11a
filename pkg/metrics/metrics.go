// Package metrics exposes the prometheus surface: request/trade/liquidation
// counters fed by the hot path and gauges sampled from the registry and
// ledger on a fixed cadence.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/token"
)

// Collector holds every metric behind its own registry so tests can run
// collectors side by side.
type Collector struct {
	reg *prometheus.Registry

	// API surface
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec

	// WebSocket fabric
	WSConnectionsActive prometheus.Gauge
	WSSubscriptions     *prometheus.GaugeVec
	WSMessagesTotal     *prometheus.CounterVec

	// Matching and trades
	OrdersTotal *prometheus.CounterVec
	TradesTotal *prometheus.CounterVec

	// Risk
	LiquidationsTotal *prometheus.CounterVec
	QuarantinedTokens prometheus.Gauge

	// Funding
	FundingRateBps    *prometheus.GaugeVec
	FundingTicksTotal *prometheus.CounterVec

	// Settlement bridge
	BridgeQueueDepth  prometheus.Gauge
	BridgeAlarmsTotal prometheus.Counter

	// Sampled per-token state
	MarkPrice         *prometheus.GaugeVec
	Volume24h         *prometheus.GaugeVec
	OpenInterestLong  *prometheus.GaugeVec
	OpenInterestShort *prometheus.GaugeVec
	PairsOpen         *prometheus.GaugeVec
	InsuranceBalance  prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)
	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memeperp",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)
	c.WSSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "websocket",
			Name:      "subscriptions",
			Help:      "Active subscriptions per topic kind",
		},
		[]string{"topic"},
	)
	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket messages sent",
		},
		[]string{"topic"},
	)

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total orders submitted",
		},
		[]string{"token", "type", "status"},
	)
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total trades executed",
		},
		[]string{"token"},
	)

	c.LiquidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "risk",
			Name:      "liquidations_total",
			Help:      "Total forced closes",
		},
		[]string{"token", "side"},
	)
	c.QuarantinedTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "risk",
			Name:      "quarantined_tokens",
			Help:      "Tokens currently quarantined by the invariant breaker",
		},
	)

	c.FundingRateBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "funding",
			Name:      "rate_bps",
			Help:      "Last applied funding rate in basis points",
		},
		[]string{"token"},
	)
	c.FundingTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "funding",
			Name:      "ticks_total",
			Help:      "Funding settlements applied",
		},
		[]string{"token"},
	)

	c.BridgeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Settlement instructions waiting for a batch",
		},
	)
	c.BridgeAlarmsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memeperp",
			Subsystem: "bridge",
			Name:      "alarms_total",
			Help:      "Batches abandoned after exhausting retries",
		},
	)

	c.MarkPrice = newTokenGauge("token", "mark_price", "Sampled mark price")
	c.Volume24h = newTokenGauge("token", "volume_24h", "Sampled 24h base volume")
	c.OpenInterestLong = newTokenGauge("token", "open_interest_long", "Sampled long open interest")
	c.OpenInterestShort = newTokenGauge("token", "open_interest_short", "Sampled short open interest")
	c.PairsOpen = newTokenGauge("token", "pairs_open", "Sampled open pair count")
	c.InsuranceBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: "risk",
			Name:      "insurance_balance",
			Help:      "Sampled insurance fund total",
		},
	)

	c.reg.MustRegister(
		c.APIRequestsTotal, c.APIRequestLatency,
		c.WSConnectionsActive, c.WSSubscriptions, c.WSMessagesTotal,
		c.OrdersTotal, c.TradesTotal,
		c.LiquidationsTotal, c.QuarantinedTokens,
		c.FundingRateBps, c.FundingTicksTotal,
		c.BridgeQueueDepth, c.BridgeAlarmsTotal,
		c.MarkPrice, c.Volume24h, c.OpenInterestLong, c.OpenInterestShort,
		c.PairsOpen, c.InsuranceBalance,
	)
	return c
}

func newTokenGauge(subsystem, name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memeperp",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		[]string{"token"},
	)
}

// Handler serves this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// RecordRequest counts one API request and observes its latency.
func (c *Collector) RecordRequest(method, path string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	c.APIRequestsTotal.WithLabelValues(method, path, code).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).
		Observe(float64(elapsed.Microseconds()) / 1000.0)
}

// RecordOrder counts one submission outcome.
func (c *Collector) RecordOrder(token, orderType, status string) {
	c.OrdersTotal.WithLabelValues(token, orderType, status).Inc()
}

// RecordTrade counts one execution.
func (c *Collector) RecordTrade(token string) {
	c.TradesTotal.WithLabelValues(token).Inc()
}

// RecordLiquidation counts one forced close.
func (c *Collector) RecordLiquidation(token, side string) {
	c.LiquidationsTotal.WithLabelValues(token, side).Inc()
}

// RecordFundingTick records one funding settlement and its rate.
func (c *Collector) RecordFundingTick(token string, rateBps float64) {
	c.FundingTicksTotal.WithLabelValues(token).Inc()
	c.FundingRateBps.WithLabelValues(token).Set(rateBps)
}

// Quarantiner reports per-token circuit-breaker state.
type Quarantiner interface {
	Quarantined(tok common.Address) bool
}

// SystemState is what the sampler reads each cycle.
type SystemState struct {
	Registry         *token.Registry
	Ledger           *ledger.Ledger
	Engine           Quarantiner
	InsuranceAccount common.Address
}

// Sample refreshes the sampled gauges from live state.
func (c *Collector) Sample(st SystemState) {
	if st.Registry == nil {
		return
	}
	quarantined := 0
	for _, tok := range st.Registry.ListActive() {
		label := tok.Address.Hex()
		c.MarkPrice.WithLabelValues(label).Set(amountFloat(tok.Stats.MarkPrice))
		c.Volume24h.WithLabelValues(label).Set(amountFloat(tok.Stats.Volume24h))
		c.OpenInterestLong.WithLabelValues(label).Set(amountFloat(tok.Stats.OpenInterestLong))
		c.OpenInterestShort.WithLabelValues(label).Set(amountFloat(tok.Stats.OpenInterestShort))
		c.PairsOpen.WithLabelValues(label).Set(float64(tok.Stats.PositionCount))
		if st.Engine != nil && st.Engine.Quarantined(tok.Address) {
			quarantined++
		}
	}
	c.QuarantinedTokens.Set(float64(quarantined))
	if st.Ledger != nil {
		if b, err := st.Ledger.Get(st.InsuranceAccount); err == nil {
			if total, err := b.Total(); err == nil {
				c.InsuranceBalance.Set(amountFloat(total))
			}
		}
	}
}

// RunSampler refreshes the sampled gauges on the given cadence until ctx
// ends.
func (c *Collector) RunSampler(ctx context.Context, st SystemState, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sample(st)
		}
	}
}

// amountFloat renders a 1e18-scaled amount as a float for gauges. Precision
// loss is acceptable here; money math never goes through metrics.
func amountFloat(a fixed.Amount) float64 {
	f, err := strconv.ParseFloat(a.Dec(), 64)
	if err != nil {
		return 0
	}
	return f / 1e18
}
