// Package sim provides an in-process exchange used in dry-run mode and tests.
// It honors the same gateway contract as a real venue and simulates partial
// fills, slippage, and gateway latency.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/exchanges/common"
)

// Config tunes the simulated venue.
type Config struct {
	FillRatio           float64 // fraction of requested qty that fills, 0..1
	FeeRate             float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps         float64 // basis points of adverse price movement on fills
	GatewayLatencyMinMs int     // simulated round-trip lower bound
	GatewayLatencyMaxMs int     // simulated round-trip upper bound
	RejectCode          int     // when nonzero, every order fails with this code
}

// DefaultConfig simulates a liquid venue that fully fills.
func DefaultConfig() Config {
	return Config{
		FillRatio:           1.0,
		FeeRate:             0.0004,
		SlippageBps:         2,
		GatewayLatencyMinMs: 5,
		GatewayLatencyMaxMs: 40,
	}
}

// Gateway is a simulated exchange. It implements common.Gateway and
// common.FillStreamer.
type Gateway struct {
	cfg Config

	mu        sync.RWMutex
	orders    map[string]common.FillSummary // keyed by exchange order id
	positions map[string]common.ExchangePosition
	funding   map[string]float64

	fills chan common.Fill
	rng   *rand.Rand
	rngMu sync.Mutex
}

// New creates a simulated gateway.
func New(cfg Config) *Gateway {
	min, max := cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs
	if max > 0 && min > max {
		cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs = max, min
	}
	return &Gateway{
		cfg:       cfg,
		orders:    make(map[string]common.FillSummary),
		positions: make(map[string]common.ExchangePosition),
		funding:   make(map[string]float64),
		fills:     make(chan common.Fill, 256),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fills exposes the asynchronous fill stream.
func (g *Gateway) Fills() <-chan common.Fill {
	return g.fills
}

// SetFunding sets the funding rate reported for a symbol.
func (g *Gateway) SetFunding(symbol string, rate float64) {
	g.mu.Lock()
	g.funding[symbol] = rate
	g.mu.Unlock()
}

// SeedPosition injects an exchange-side position, used to exercise
// reconciliation against divergent state.
func (g *Gateway) SeedPosition(p common.ExchangePosition) {
	g.mu.Lock()
	g.positions[p.Symbol+":"+p.Direction] = p
	g.mu.Unlock()
}

// SubmitOrder fills the order at the configured ratio after simulated latency.
func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := g.sleep(ctx); err != nil {
		return common.OrderResult{}, err
	}
	if g.cfg.RejectCode != 0 {
		return common.OrderResult{}, common.NewAPIError(g.cfg.RejectCode, "simulated rejection")
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, common.NewAPIError(10001, fmt.Sprintf("invalid qty %v", req.Qty))
	}

	exchangeID := uuid.NewString()
	filled := req.Qty * g.clampRatio()
	price := g.slip(req.Price, req.Side)

	status := common.StatusFilled
	if filled <= 0 {
		status = common.StatusCanceled // IOC remainder cancels immediately
	} else if filled < req.Qty {
		status = common.StatusPartial
	}

	g.mu.Lock()
	g.orders[exchangeID] = common.FillSummary{
		ExchangeOrderID: exchangeID,
		Status:          status,
		RequestedQty:    req.Qty,
		FilledQty:       filled,
		AvgFillPrice:    price,
		Fee:             filled * price * g.cfg.FeeRate,
	}
	g.applyFillLocked(req, filled, price)
	g.mu.Unlock()

	if filled > 0 {
		g.emit(common.Fill{
			ExchangeOrderID: exchangeID,
			ClientID:        req.ClientID,
			TradeID:         uuid.NewString(),
			Symbol:          req.Symbol,
			Side:            req.Side,
			Qty:             filled,
			Price:           price,
			Fee:             filled * price * g.cfg.FeeRate,
			ReduceOnly:      req.ReduceOnly,
		})
	}

	return common.OrderResult{
		ExchangeOrderID: exchangeID,
		Status:          status,
		ClientID:        req.ClientID,
	}, nil
}

// CancelOrder marks a resting order canceled. IOC orders never rest, so this
// is a no-op for unknown ids.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.sleep(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.orders[exchangeOrderID]; ok && s.Status == common.StatusNew {
		s.Status = common.StatusCanceled
		g.orders[exchangeOrderID] = s
	}
	return nil
}

// GetOrderStatus returns the terminal summary for a submitted order.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.FillSummary, error) {
	if err := g.sleep(ctx); err != nil {
		return common.FillSummary{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.orders[exchangeOrderID]
	if !ok {
		return common.FillSummary{}, common.NewAPIError(110001, "order not found: "+exchangeOrderID)
	}
	return s, nil
}

// GetOpenPositions returns the venue's view of open positions.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]common.ExchangePosition, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]common.ExchangePosition, 0, len(g.positions))
	for _, p := range g.positions {
		if p.SizeBase > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetFundingRate returns the configured funding rate, zero when unset.
func (g *Gateway) GetFundingRate(ctx context.Context, symbol string) (common.FundingRate, error) {
	if err := g.sleep(ctx); err != nil {
		return common.FundingRate{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return common.FundingRate{
		Symbol:        symbol,
		Rate:          g.funding[symbol],
		NextFundingAt: time.Now().UTC().Truncate(8 * time.Hour).Add(8 * time.Hour),
	}, nil
}

func (g *Gateway) applyFillLocked(req common.OrderRequest, qty, price float64) {
	if qty <= 0 {
		return
	}
	direction := "long"
	if req.Side == common.SideSell {
		direction = "short"
	}
	if req.ReduceOnly {
		// Reduce the opposite-direction position.
		if direction == "long" {
			direction = "short"
		} else {
			direction = "long"
		}
		key := req.Symbol + ":" + direction
		p := g.positions[key]
		p.SizeBase -= qty
		if p.SizeBase <= 0 {
			delete(g.positions, key)
			return
		}
		g.positions[key] = p
		return
	}
	key := req.Symbol + ":" + direction
	p, ok := g.positions[key]
	if !ok {
		p = common.ExchangePosition{Symbol: req.Symbol, Direction: direction}
	}
	total := p.SizeBase + qty
	if total > 0 {
		p.EntryPrice = (p.EntryPrice*p.SizeBase + price*qty) / total
	}
	p.SizeBase = total
	g.positions[key] = p
}

func (g *Gateway) emit(f common.Fill) {
	select {
	case g.fills <- f:
	default: // slow consumer, drop rather than block the venue
	}
}

func (g *Gateway) clampRatio() float64 {
	r := g.cfg.FillRatio
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func (g *Gateway) slip(price float64, side common.Side) float64 {
	if price <= 0 || g.cfg.SlippageBps <= 0 {
		return price
	}
	g.rngMu.Lock()
	noise := g.rng.Float64() * g.cfg.SlippageBps / 10000.0
	g.rngMu.Unlock()
	if side == common.SideBuy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

func (g *Gateway) sleep(ctx context.Context) error {
	max := g.cfg.GatewayLatencyMaxMs
	if max <= 0 {
		return ctx.Err()
	}
	min := g.cfg.GatewayLatencyMinMs
	if min < 0 {
		min = 0
	}
	delay := min
	if span := max - min; span > 0 {
		g.rngMu.Lock()
		delay += g.rng.Intn(span + 1)
		g.rngMu.Unlock()
	}
	select {
	case <-time.After(time.Duration(delay) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
