// Package order turns admitted signals into exchange positions. Placement is
// immediate-or-cancel with a bounded fill await; every attempt terminates in
// an explicit outcome.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

// Rejection reasons outside the admission vocabulary.
const (
	reasonRateLimitTimeout = "rate_limit_timeout"
	reasonFundingRate      = "funding_rate_excessive"
	reasonExchangeReject   = "exchange_rejected"
)

// Manager places and closes positions.
type Manager struct {
	cfg     Config
	riskMgr *risk.Manager
	state   *state.Manager
	gateway exchange.Gateway
	limiter *exchange.RateLimiter
	queries *db.Queries
	bus     *events.Bus
}

// NewManager wires order placement.
func NewManager(cfg Config, riskMgr *risk.Manager, st *state.Manager, gw exchange.Gateway,
	limiter *exchange.RateLimiter, queries *db.Queries, bus *events.Bus) *Manager {
	return &Manager{
		cfg:     cfg,
		riskMgr: riskMgr,
		state:   st,
		gateway: gw,
		limiter: limiter,
		queries: queries,
		bus:     bus,
	}
}

// Place runs a signal through admission and, if admitted, submits an IOC
// order and awaits fills for a bounded window. The returned Result is
// terminal; there is no in-between state left behind.
func (m *Manager) Place(ctx context.Context, sig risk.Signal) Result {
	limits := m.riskMgr.GetLimits()
	if age := time.Since(sig.CreatedAt); age > limits.SignalExpiryGrace {
		return m.reject(ctx, sig, OutcomeDenied, risk.ReasonSignalExpired, 0, "")
	}

	if m.cfg.MaxFundingRate > 0 {
		if reason := m.fundingCheck(ctx, sig); reason != "" {
			return m.reject(ctx, sig, OutcomeDenied, reason, 0, "")
		}
	}

	dec := m.riskMgr.Evaluate(ctx, sig)
	if !dec.Allowed {
		// Evaluate already published the denial; only the audit row is added.
		m.logRejected(ctx, sig, dec.Reason, 0, dec.Detail)
		return Result{Outcome: OutcomeDenied, Reason: dec.Reason, Decision: dec}
	}

	// Admission marked the anti-churn record; every failure path below must
	// free it again so a failed attempt does not block the pair.
	res := m.submitAndTrack(ctx, sig)
	if res.Outcome == OutcomeUnderfill || res.Outcome == OutcomeRejected {
		m.riskMgr.Release(ctx, sig.Symbol, sig.Direction)
	}
	res.Decision = dec
	return res
}

func (m *Manager) submitAndTrack(ctx context.Context, sig risk.Signal) Result {
	positionID := uuid.NewString()
	pos := db.Position{
		ID:          positionID,
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Status:      db.StatusOpen,
		EntryPrice:  sig.EntryPrice,
		SizeBase:    sig.SizeBase,
		RiskR:       sig.RiskR,
		TakeProfit1: sig.TakeProfit1,
		TakeProfit2: sig.TakeProfit2,
		TakeProfit3: sig.TakeProfit3,
		StopLoss:    sig.StopLoss,
		OpenedAt:    time.Now().UTC(),
	}
	if err := m.state.Open(ctx, pos); err != nil {
		log.Printf("[order] ERROR: persist position for signal %s: %v", sig.ID, err)
		return m.reject(ctx, sig, OutcomeRejected, "persistence_failure", 0, err.Error())
	}

	side := exchange.SideBuy
	if sig.Direction == "short" {
		side = exchange.SideSell
	}

	totalFilled, weightedCost, totalFees := 0.0, 0.0, 0.0
	attempts := m.cfg.MaxRetryAttempts
	if m.cfg.PartialFillPolicy != PolicyRetry || attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		remaining := sig.SizeBase - totalFilled
		if remaining <= 0 {
			break
		}
		summary, err := m.submitOnce(ctx, sig, positionID, side, remaining)
		if err != nil {
			if totalFilled > 0 {
				break // keep what we have, classify below
			}
			m.failPosition(ctx, positionID, err)
			if errors.Is(err, exchange.ErrRateLimitTimeout) {
				return m.reject(ctx, sig, OutcomeRejected, reasonRateLimitTimeout, 0, err.Error())
			}
			var apiErr *exchange.APIError
			if errors.As(err, &apiErr) {
				return m.reject(ctx, sig, OutcomeRejected, reasonExchangeReject, apiErr.Code, apiErr.Message)
			}
			return m.reject(ctx, sig, OutcomeRejected, reasonExchangeReject, 0, err.Error())
		}
		if summary.FilledQty > 0 {
			totalFilled += summary.FilledQty
			weightedCost += summary.FilledQty * summary.AvgFillPrice
			totalFees += summary.Fee
		}
		if totalFilled/sig.SizeBase >= m.cfg.FullFillRatio {
			break
		}
	}

	fillRatio := 0.0
	avgPrice := 0.0
	if sig.SizeBase > 0 {
		fillRatio = totalFilled / sig.SizeBase
	}
	if totalFilled > 0 {
		avgPrice = weightedCost / totalFilled
	}
	slippageBps := entrySlippageBps(sig.EntryPrice, avgPrice)

	if totalFilled > 0 {
		if err := m.state.ApplyFill(ctx, positionID, totalFilled, avgPrice, fillRatio, slippageBps, totalFees); err != nil {
			log.Printf("[order] WARN: persist fill for %s: %v", positionID, err)
		}
	}

	outcome := classifyFill(fillRatio, m.cfg)
	switch outcome {
	case OutcomeUnderfill:
		if totalFilled > 0 {
			// The filled fraction is live on the exchange; flatten it before
			// abandoning the position.
			m.flattenResidual(ctx, sig.Symbol, positionID, side, totalFilled, avgPrice)
		}
		if _, err := m.state.UpdateStatus(ctx, positionID, db.StatusOpen, db.StatusFailedUnderfill); err != nil {
			log.Printf("[order] WARN: mark underfill %s: %v", positionID, err)
		}
		m.logRejected(ctx, sig, "underfill", 0,
			fmt.Sprintf("fill_ratio %.3f below floor %.3f", fillRatio, m.cfg.MinFillRatioToOpen))
		m.publishOrder(events.EventOrderUnderfill, positionID, sig, string(OutcomeUnderfill), fillRatio, avgPrice, "")
		log.Printf("[order] underfill signal=%s %s fill_ratio=%.3f", sig.ID, sig.Symbol, fillRatio)
		return Result{Outcome: OutcomeUnderfill, PositionID: positionID, FillRatio: fillRatio, AvgPrice: avgPrice}

	case OutcomePartialAccepted:
		tp1, tp2, tp3, sl := rescaleTargets(sig, avgPrice)
		if err := m.state.RescaleTargets(ctx, positionID, tp1, tp2, tp3, sl); err != nil {
			log.Printf("[order] WARN: rescale targets %s: %v", positionID, err)
		}
		m.publishOrder(events.EventOrderPartial, positionID, sig, string(OutcomePartialAccepted), fillRatio, avgPrice, "")
		log.Printf("[order] partial accepted signal=%s %s fill_ratio=%.3f avg=%.2f", sig.ID, sig.Symbol, fillRatio, avgPrice)
		return Result{Outcome: OutcomePartialAccepted, PositionID: positionID, FillRatio: fillRatio, AvgPrice: avgPrice}

	default:
		m.publishOrder(events.EventOrderFilled, positionID, sig, string(OutcomeFilled), fillRatio, avgPrice, "")
		log.Printf("[order] filled signal=%s %s fill_ratio=%.3f avg=%.2f", sig.ID, sig.Symbol, fillRatio, avgPrice)
		return Result{Outcome: OutcomeFilled, PositionID: positionID, FillRatio: fillRatio, AvgPrice: avgPrice}
	}
}

// submitOnce sends one IOC order and awaits its terminal fill summary within
// the bounded window. The await is the single designed suspension point.
func (m *Manager) submitOnce(ctx context.Context, sig risk.Signal, positionID string, side exchange.Side, qty float64) (exchange.FillSummary, error) {
	if err := m.limiter.Acquire(ctx, exchange.CallOrder, 1); err != nil {
		return exchange.FillSummary{}, fmt.Errorf("order token: %w", err)
	}

	req := exchange.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        exchange.OrderTypeMarket,
		Qty:         qty,
		Price:       sig.EntryPrice,
		TimeInForce: exchange.TIFIOC,
		ClientID:    positionID,
		Leverage:    sig.Leverage,
	}
	m.publishOrder(events.EventOrderSubmitted, positionID, sig, "submitted", 0, 0, "")

	submit := func() (exchange.OrderResult, error) { return m.gateway.SubmitOrder(ctx, req) }
	result, err := submit()
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			// One bounded retry with a fresh token for transient failures.
			if tokErr := m.limiter.Acquire(ctx, exchange.CallOrder, 1); tokErr != nil {
				return exchange.FillSummary{}, fmt.Errorf("retry token: %w", tokErr)
			}
			result, err = submit()
		}
		if err != nil {
			return exchange.FillSummary{}, err
		}
	}

	return m.awaitFill(ctx, sig.Symbol, result.ExchangeOrderID, qty)
}

// awaitFill polls order status until it is terminal or the window lapses.
// On timeout the remainder is cancelled so the position never stays
// indeterminate.
func (m *Manager) awaitFill(ctx context.Context, symbol, exchangeOrderID string, requestedQty float64) (exchange.FillSummary, error) {
	deadline := time.Now().Add(m.cfg.FillAwaitWindow)
	var last exchange.FillSummary
	for {
		if err := m.limiter.Acquire(ctx, exchange.CallRead, 1); err != nil {
			return last, fmt.Errorf("status token: %w", err)
		}
		summary, err := m.gateway.GetOrderStatus(ctx, symbol, exchangeOrderID)
		if err == nil {
			last = summary
			switch summary.Status {
			case exchange.StatusFilled, exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
				return summary, nil
			case exchange.StatusPartial:
				// IOC remainder cancels exchange-side; treat as terminal.
				return summary, nil
			}
		} else {
			log.Printf("[order] WARN: poll %s: %v", exchangeOrderID, err)
		}

		if time.Now().After(deadline) {
			if cancelErr := m.gateway.CancelOrder(ctx, symbol, exchangeOrderID); cancelErr != nil {
				log.Printf("[order] WARN: cancel %s after await window: %v", exchangeOrderID, cancelErr)
			}
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(m.cfg.FillPollInterval):
		}
	}
}

// Close flattens a position with a reduce-only IOC order.
func (m *Manager) Close(ctx context.Context, positionID, reason string) error {
	pos, ok := m.state.Get(positionID)
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}

	moved, err := m.state.UpdateStatus(ctx, positionID, db.StatusOpen, db.StatusClosing)
	if err != nil {
		return fmt.Errorf("transition to closing: %w", err)
	}
	if !moved {
		return fmt.Errorf("position %s not open", positionID)
	}

	side := exchange.SideSell
	if pos.Direction == "short" {
		side = exchange.SideBuy
	}
	qty := pos.ExecutedSizeBase
	if qty <= 0 {
		qty = pos.SizeBase
	}

	if err := m.limiter.Acquire(ctx, exchange.CallOrder, 1); err != nil {
		// Leave the position in closing; reconciliation will surface it.
		return fmt.Errorf("close token: %w", err)
	}
	result, err := m.gateway.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        side,
		Type:        exchange.OrderTypeMarket,
		Qty:         qty,
		Price:       pos.AvgFillPrice,
		TimeInForce: exchange.TIFIOC,
		ClientID:    positionID + ":close",
		ReduceOnly:  true,
	})
	if err != nil {
		if _, stErr := m.state.UpdateStatus(ctx, positionID, db.StatusClosing, db.StatusError); stErr != nil {
			log.Printf("[order] WARN: mark error %s: %v", positionID, stErr)
		}
		return fmt.Errorf("close submit: %w", err)
	}

	summary, err := m.awaitFill(ctx, pos.Symbol, result.ExchangeOrderID, qty)
	if err != nil {
		log.Printf("[order] WARN: close await %s: %v", positionID, err)
	}

	exitPrice := summary.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice = pos.AvgFillPrice
	}
	pnl := realizedPnL(pos.Direction, pos.AvgFillPrice, exitPrice, qty) - pos.Fees - summary.Fee
	slipExit := entrySlippageBps(pos.AvgFillPrice, exitPrice)

	closed, err := m.state.Close(ctx, positionID, db.StatusClosing, pnl, slipExit, reason)
	if err != nil {
		return fmt.Errorf("finalize close: %w", err)
	}
	if closed {
		m.riskMgr.Release(ctx, pos.Symbol, pos.Direction)
		if m.bus != nil {
			m.bus.Publish(events.EventPositionClosed, events.OrderEvent{
				PositionID: positionID,
				SignalID:   pos.SignalID,
				Symbol:     pos.Symbol,
				Direction:  pos.Direction,
				Outcome:    "closed",
				FillRatio:  pos.FillRatio,
				AvgPrice:   exitPrice,
				Reason:     reason,
				At:         time.Now().UTC(),
			})
		}
		log.Printf("[order] closed position=%s %s pnl=%.2f reason=%s", positionID, pos.Symbol, pnl, reason)
	}
	return nil
}

// flattenResidual closes out the partial quantity left by an underfilled
// entry with a reduce-only IOC. Failures are logged and left for
// reconciliation to surface.
func (m *Manager) flattenResidual(ctx context.Context, symbol, positionID string, entrySide exchange.Side, qty, avgPrice float64) {
	side := exchange.SideSell
	if entrySide == exchange.SideSell {
		side = exchange.SideBuy
	}
	if err := m.limiter.Acquire(ctx, exchange.CallOrder, 1); err != nil {
		log.Printf("[order] WARN: flatten token for %s: %v", positionID, err)
		return
	}
	result, err := m.gateway.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        exchange.OrderTypeMarket,
		Qty:         qty,
		Price:       avgPrice,
		TimeInForce: exchange.TIFIOC,
		ClientID:    positionID + ":close",
		ReduceOnly:  true,
	})
	if err != nil {
		log.Printf("[order] WARN: flatten underfilled %s: %v", positionID, err)
		return
	}
	if _, err := m.awaitFill(ctx, symbol, result.ExchangeOrderID, qty); err != nil {
		log.Printf("[order] WARN: flatten await %s: %v", positionID, err)
	}
	log.Printf("[order] flattened residual %.6f %s for underfilled %s", qty, symbol, positionID)
}

// fundingCheck denies entries whose next funding payment works against the
// position beyond the configured cap. Fetch failures do not block entry.
func (m *Manager) fundingCheck(ctx context.Context, sig risk.Signal) string {
	if err := m.limiter.Acquire(ctx, exchange.CallRead, 1); err != nil {
		log.Printf("[order] WARN: funding token: %v", err)
		return ""
	}
	fr, err := m.gateway.GetFundingRate(ctx, sig.Symbol)
	if err != nil {
		log.Printf("[order] WARN: funding rate %s: %v", sig.Symbol, err)
		return ""
	}
	adverse := fr.Rate
	if sig.Direction == "short" {
		adverse = -fr.Rate
	}
	if adverse > m.cfg.MaxFundingRate {
		return reasonFundingRate
	}
	return ""
}

func (m *Manager) failPosition(ctx context.Context, positionID string, cause error) {
	if _, err := m.state.UpdateStatus(ctx, positionID, db.StatusOpen, db.StatusError); err != nil {
		log.Printf("[order] WARN: mark error %s: %v", positionID, err)
	}
	log.Printf("[order] position %s marked error: %v", positionID, cause)
}

func (m *Manager) reject(ctx context.Context, sig risk.Signal, outcome Outcome, reason string, code int, detail string) Result {
	m.logRejected(ctx, sig, reason, code, detail)
	m.publishOrder(events.EventOrderRejected, "", sig, string(outcome), 0, 0, reason)
	return Result{Outcome: outcome, Reason: reason}
}

func (m *Manager) logRejected(ctx context.Context, sig risk.Signal, reason string, code int, detail string) {
	log.Printf("[order] rejected signal=%s %s %s: %s %s", sig.ID, sig.Symbol, sig.Direction, reason, detail)
	if m.queries == nil {
		return
	}
	if err := m.queries.AppendRejectedOrder(ctx, db.RejectedOrder{
		SignalID:        sig.ID,
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Reason:          reason,
		ExchangeCode:    code,
		ExchangeMessage: detail,
	}); err != nil {
		log.Printf("[order] WARN: record rejection: %v", err)
	}
}

func (m *Manager) publishOrder(topic events.Event, positionID string, sig risk.Signal, outcome string, ratio, avg float64, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, events.OrderEvent{
		PositionID: positionID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Outcome:    outcome,
		FillRatio:  ratio,
		AvgPrice:   avg,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}

// classifyFill maps a final fill ratio onto a terminal outcome.
func classifyFill(fillRatio float64, cfg Config) Outcome {
	switch {
	case fillRatio < cfg.MinFillRatioToOpen:
		return OutcomeUnderfill
	case fillRatio < cfg.FullFillRatio:
		return OutcomePartialAccepted
	default:
		return OutcomeFilled
	}
}

// rescaleTargets re-anchors TP/SL levels at the actual average fill price,
// preserving the planned distances from entry.
func rescaleTargets(sig risk.Signal, avgPrice float64) (tp1, tp2, tp3, sl float64) {
	if avgPrice <= 0 || sig.EntryPrice <= 0 {
		return sig.TakeProfit1, sig.TakeProfit2, sig.TakeProfit3, sig.StopLoss
	}
	shift := avgPrice - sig.EntryPrice
	return sig.TakeProfit1 + shift, sig.TakeProfit2 + shift, sig.TakeProfit3 + shift, sig.StopLoss + shift
}

// entrySlippageBps is the absolute distance between requested and achieved
// price in basis points of the requested price.
func entrySlippageBps(requested, achieved float64) float64 {
	if requested <= 0 || achieved <= 0 {
		return 0
	}
	return math.Abs(achieved-requested) / requested * 10000
}

func realizedPnL(direction string, entry, exit, qty float64) float64 {
	if direction == "short" {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
