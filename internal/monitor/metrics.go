package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the execution core. Counters are driven off the
// event bus so instrumentation never threads through business logic.

var admissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "risk",
		Name:      "admissions_total",
		Help:      "Admission decisions by result",
	},
	[]string{"result"},
)

var denialsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "risk",
		Name:      "denials_total",
		Help:      "Admission denials by reason",
	},
	[]string{"reason"},
)

var orderOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "order",
		Name:      "outcomes_total",
		Help:      "Terminal order outcomes by kind",
	},
	[]string{"outcome"},
)

var fillRatio = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "execution",
		Subsystem: "order",
		Name:      "fill_ratio",
		Help:      "Final fill ratio of placement attempts",
		Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 0.95, 1},
	},
)

var reconMismatchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Reconciliation findings by severity",
	},
	[]string{"severity"},
)

var killSwitchEngagementsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "alert",
		Name:      "kill_switch_engagements_total",
		Help:      "Times the trading halt has been engaged",
	},
)

var positionsClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution",
		Subsystem: "order",
		Name:      "positions_closed_total",
		Help:      "Positions closed by reason",
	},
	[]string{"reason"},
)
