// Package metrics exposes the ledger's pool and settlement activity to
// Prometheus.
package metrics

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perp/pkg/perp"
)

// StateSource is the slice of the engine the collector polls.
type StateSource interface {
	PoolSnapshot() perp.PoolState
}

// Collector registers and maintains the perp metrics.
type Collector struct {
	registry *prometheus.Registry
	logger   log.Logger

	poolLiquidity prometheus.GaugeVec
	openInterest  prometheus.GaugeVec

	liquidityFlows  prometheus.CounterVec
	positionUpdates prometheus.Counter
	settlements     prometheus.Counter
	liquidations    prometheus.Counter
	wipeouts        prometheus.Counter
}

// New creates a collector with its own registry.
func New(namespace string, logger log.Logger) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		logger:   logger,

		poolLiquidity: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_liquidity",
			Help:      "Raw pool balance per supported token",
		}, []string{"token"}),

		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Aggregate notional per side in pricing units",
		}, []string{"side"}),

		liquidityFlows: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_flows_total",
			Help:      "Liquidity additions and removals",
		}, []string{"direction"}),

		positionUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_updates_total",
			Help:      "Total position mutations",
		}),

		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total voluntary position closes",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total forced closes",
		}),

		wipeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wipeouts_total",
			Help:      "Positions reset because fees or losses consumed collateral",
		}),
	}

	registry.MustRegister(
		c.poolLiquidity, c.openInterest, c.liquidityFlows,
		c.positionUpdates, c.settlements, c.liquidations, c.wipeouts,
	)
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint until the context ends.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("metrics server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Watch keeps the gauges in sync with the engine and counts events until
// the context ends or the event feed closes.
func (c *Collector) Watch(ctx context.Context, src StateSource, events <-chan perp.Event) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.observe(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.observe(src)
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.count(ev)
		}
	}
}

func (c *Collector) observe(src StateSource) {
	pool := src.PoolSnapshot()
	c.poolLiquidity.WithLabelValues("asset").Set(gaugeValue(pool.AssetLiquidity))
	c.poolLiquidity.WithLabelValues("index").Set(gaugeValue(pool.IndexLiquidity))
	c.openInterest.WithLabelValues("long").Set(gaugeValue(pool.LongOpenInterest))
	c.openInterest.WithLabelValues("short").Set(gaugeValue(pool.ShortOpenInterest))
}

func (c *Collector) count(ev perp.Event) {
	switch ev.Type {
	case perp.EventAddLiquidity:
		c.liquidityFlows.WithLabelValues("in").Inc()
	case perp.EventRemoveLiquidity:
		c.liquidityFlows.WithLabelValues("out").Inc()
	case perp.EventUpdatePosition:
		c.positionUpdates.Inc()
	case perp.EventClosePosition:
		c.settlements.Inc()
	case perp.EventLiquidatePosition:
		c.liquidations.Inc()
	case perp.EventPositionWiped:
		c.wipeouts.Inc()
	}
}

func gaugeValue(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
