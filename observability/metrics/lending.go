package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	totalLiquidity  prometheus.Gauge
	totalBorrowed   prometheus.Gauge
	reserve         prometheus.Gauge
	utilization     prometheus.Gauge
	borrowAPR       prometheus.Gauge
	liquidations    prometheus.Counter
	badDebtEvents   prometheus.Counter
	badDebtAbsorbed prometheus.Counter
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			totalLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_total_liquidity",
				Help: "Aggregate lender principal claim in base units.",
			}),
			totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_total_borrowed",
				Help: "Outstanding borrowed principal in base units.",
			}),
			reserve: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_reserve",
				Help: "Protocol reserve accumulated from repaid interest.",
			}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_utilization",
				Help: "Borrowed over supplied liquidity, 0 to 1.",
			}),
			borrowAPR: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_pool_borrow_apr",
				Help: "Live utilization-derived borrow APR.",
			}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "liquidation_executed_total",
				Help: "Completed liquidation calls.",
			}),
			badDebtEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "liquidation_bad_debt_total",
				Help: "Liquidations that exhausted collateral and wrote off debt.",
			}),
			badDebtAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "liquidation_bad_debt_absorbed_units",
				Help: "Total written-off debt absorbed by the pool, in base units.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.totalLiquidity,
			lendingRegistry.totalBorrowed,
			lendingRegistry.reserve,
			lendingRegistry.utilization,
			lendingRegistry.borrowAPR,
			lendingRegistry.liquidations,
			lendingRegistry.badDebtEvents,
			lendingRegistry.badDebtAbsorbed,
		)
	})
	return lendingRegistry
}

func gaugeValue(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (m *LendingMetrics) SetPool(totalLiquidity, totalBorrowed, reserve *big.Int, utilization, borrowAPR float64) {
	if m == nil {
		return
	}
	m.totalLiquidity.Set(gaugeValue(totalLiquidity))
	m.totalBorrowed.Set(gaugeValue(totalBorrowed))
	m.reserve.Set(gaugeValue(reserve))
	m.utilization.Set(utilization)
	m.borrowAPR.Set(borrowAPR)
}

func (m *LendingMetrics) ObserveLiquidation(badDebt *big.Int) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	if badDebt != nil && badDebt.Sign() > 0 {
		m.badDebtEvents.Inc()
		m.badDebtAbsorbed.Add(gaugeValue(badDebt))
	}
}
