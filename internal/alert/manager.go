package alert

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// Thresholds configures the rolling-metric escalation. A zero threshold
// disables its check.
type Thresholds struct {
	Window           time.Duration `json:"window" yaml:"window"`
	MinTrades        int           `json:"min_trades" yaml:"min_trades"`
	MaxDrawdownUSD   float64       `json:"max_drawdown_usd" yaml:"max_drawdown_usd"`
	MinWinRate       float64       `json:"min_win_rate" yaml:"min_win_rate"`
	MinProfitFactor  float64       `json:"min_profit_factor" yaml:"min_profit_factor"`
	MaxMedianSlipBps float64       `json:"max_median_slippage_bps" yaml:"max_median_slippage_bps"`
}

// DefaultThresholds evaluates a 24h window and requires a handful of trades
// before any metric can trip the halt.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:           24 * time.Hour,
		MinTrades:        5,
		MaxDrawdownUSD:   500,
		MinWinRate:       0.25,
		MinProfitFactor:  0.8,
		MaxMedianSlipBps: 25,
	}
}

// Metrics is the rolling snapshot computed over the window.
type Metrics struct {
	Trades         int       `json:"trades"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	MaxDrawdownUSD float64   `json:"max_drawdown_usd"`
	MedianSlipBps  float64   `json:"median_slippage_bps"`
	NetPnLUSD      float64   `json:"net_pnl_usd"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Manager recomputes rolling metrics from closed positions and engages the
// kill switch when a threshold breaches.
type Manager struct {
	queries    *db.Queries
	killSwitch *KillSwitch
	bus        *events.Bus
	thresholds Thresholds
}

// NewManager wires the escalation path.
func NewManager(queries *db.Queries, ks *KillSwitch, bus *events.Bus, th Thresholds) *Manager {
	return &Manager{queries: queries, killSwitch: ks, bus: bus, thresholds: th}
}

// KillSwitch exposes the halt for collaborators.
func (m *Manager) KillSwitch() *KillSwitch { return m.killSwitch }

// Evaluate recomputes the rolling metrics and engages the halt on breach.
func (m *Manager) Evaluate(ctx context.Context) (Metrics, error) {
	cutoff := time.Now().UTC().Add(-m.thresholds.Window)
	closed, err := m.queries.ClosedPositionsSince(ctx, cutoff)
	if err != nil {
		return Metrics{}, fmt.Errorf("load closed positions: %w", err)
	}

	metrics := compute(closed)
	if metrics.Trades < m.thresholds.MinTrades {
		return metrics, nil
	}

	type breach struct {
		metric    string
		value     float64
		threshold float64
	}
	var breaches []breach
	if m.thresholds.MaxDrawdownUSD > 0 && metrics.MaxDrawdownUSD > m.thresholds.MaxDrawdownUSD {
		breaches = append(breaches, breach{"max_drawdown_usd", metrics.MaxDrawdownUSD, m.thresholds.MaxDrawdownUSD})
	}
	if m.thresholds.MinWinRate > 0 && metrics.WinRate < m.thresholds.MinWinRate {
		breaches = append(breaches, breach{"win_rate", metrics.WinRate, m.thresholds.MinWinRate})
	}
	if m.thresholds.MinProfitFactor > 0 && metrics.ProfitFactor < m.thresholds.MinProfitFactor {
		breaches = append(breaches, breach{"profit_factor", metrics.ProfitFactor, m.thresholds.MinProfitFactor})
	}
	if m.thresholds.MaxMedianSlipBps > 0 && metrics.MedianSlipBps > m.thresholds.MaxMedianSlipBps {
		breaches = append(breaches, breach{"median_slippage_bps", metrics.MedianSlipBps, m.thresholds.MaxMedianSlipBps})
	}

	for _, b := range breaches {
		if m.bus != nil {
			m.bus.Publish(events.EventAlertRaised, events.AlertEvent{
				Metric:    b.metric,
				Value:     b.value,
				Threshold: b.threshold,
				Severity:  db.SeverityCritical,
				At:        time.Now().UTC(),
			})
		}
		detail := fmt.Sprintf("%s=%.4f breached threshold %.4f over %s (%d trades)",
			b.metric, b.value, b.threshold, m.thresholds.Window, metrics.Trades)
		engaged, err := m.killSwitch.Engage(ctx, TriggerMetrics, detail)
		if err != nil {
			log.Printf("[alert] WARN: engage on %s: %v", b.metric, err)
			continue
		}
		if engaged {
			break
		}
	}
	return metrics, nil
}

// Start runs periodic evaluation until the context ends.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Evaluate(ctx); err != nil {
					log.Printf("[alert] WARN: evaluate metrics: %v", err)
				}
			}
		}
	}()
}

func compute(closed []db.Position) Metrics {
	m := Metrics{Trades: len(closed), EvaluatedAt: time.Now().UTC()}
	if len(closed) == 0 {
		return m
	}

	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	cumulative, peak, maxDrawdown := 0.0, 0.0, 0.0
	slips := make([]float64, 0, len(closed))

	for _, p := range closed {
		pnl := p.RealizedPnL
		m.NetPnLUSD += pnl
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
		slips = append(slips, p.SlippageEntryBps)
	}

	m.WinRate = float64(wins) / float64(len(closed))
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		m.ProfitFactor = grossProfit
	}
	m.MaxDrawdownUSD = maxDrawdown

	sort.Float64s(slips)
	mid := len(slips) / 2
	if len(slips)%2 == 1 {
		m.MedianSlipBps = slips[mid]
	} else {
		m.MedianSlipBps = (slips[mid-1] + slips[mid]) / 2
	}
	return m
}
