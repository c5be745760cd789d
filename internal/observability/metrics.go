package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the margin engine.
type Metrics struct {
	// --- Position lifecycle ---
	PositionsOpened     *prometheus.CounterVec
	PositionsClosed     *prometheus.CounterVec
	PositionsLiquidated *prometheus.CounterVec
	OperationsRejected  *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	LivePositions       prometheus.Gauge

	// --- Market registry ---
	OpenInterestLong  *prometheus.GaugeVec
	OpenInterestShort *prometheus.GaugeVec
	TotalVolume       prometheus.Gauge
	TotalFees         prometheus.Gauge
	EmergencyStopped  prometheus.Gauge

	// --- Funding ---
	FundingAccrued    *prometheus.CounterVec
	FundingSettlement *prometheus.HistogramVec

	// --- Custody ---
	PoolBalance      prometheus.Gauge
	InsuranceBalance prometheus.Gauge
	SettlementsPaid  prometheus.Counter
	LiquidatorReward prometheus.Counter

	// --- History persistence ---
	HistoryRowsWritten prometheus.Counter
	HistoryWriteErrors prometheus.Counter
	PublishDrops       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default registerer.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.005,
	}

	return &Metrics{
		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_opened_total",
			Help: "Positions opened",
		}, []string{"market", "side"}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_closed_total",
			Help: "Positions closed (full or partial)",
		}, []string{"market", "kind"}),

		PositionsLiquidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_positions_liquidated_total",
			Help: "Positions liquidated",
		}, []string{"market"}),

		OperationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_operations_rejected_total",
			Help: "Operations rejected by validation",
		}, []string{"operation", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_operation_duration_seconds",
			Help:    "Time spent in a single engine operation",
			Buckets: opBuckets,
		}, []string{"operation"}),

		LivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_live_positions",
			Help: "Currently open positions",
		}),

		OpenInterestLong: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_open_interest_long",
			Help: "Aggregate long open interest per market",
		}, []string{"market"}),

		OpenInterestShort: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_open_interest_short",
			Help: "Aggregate short open interest per market",
		}, []string{"market"}),

		TotalVolume: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_total_volume",
			Help: "Cumulative notional traded",
		}),

		TotalFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_total_fees_collected",
			Help: "Cumulative fees collected",
		}),

		EmergencyStopped: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_emergency_stopped",
			Help: "1 while the global trading halt is active",
		}),

		FundingAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_funding_accrued_total",
			Help: "Absolute funding accrued to positions",
		}, []string{"market"}),

		FundingSettlement: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_funding_settlement_duration_seconds",
			Help:    "Time to accrue funding across a market",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}, []string{"market"}),

		PoolBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_pool_balance",
			Help: "Custody pool balance",
		}),

		InsuranceBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_insurance_balance",
			Help: "Insurance fund balance",
		}),

		SettlementsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_settlements_paid_total",
			Help: "Payouts settled through the custody pool",
		}),

		LiquidatorReward: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_liquidator_rewards_total",
			Help: "Liquidator rewards paid",
		}),

		HistoryRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_history_rows_written_total",
			Help: "Trade/liquidation history rows written to Postgres",
		}),

		HistoryWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_history_write_errors_total",
			Help: "History write failures",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),
	}
}
