package order

import (
	"context"
	"log"
	"strings"

	"execution-core/internal/state"
	exchange "execution-core/pkg/exchanges/common"
)

// FillTracker consumes the gateway's asynchronous fill stream and folds
// late-arriving fills into position state. Updates are conditional on the
// position still being live, so a racing close never resurrects it.
type FillTracker struct {
	state    *state.Manager
	streamer exchange.FillStreamer
}

// NewFillTracker wires the tracker to a fill stream.
func NewFillTracker(st *state.Manager, streamer exchange.FillStreamer) *FillTracker {
	return &FillTracker{state: st, streamer: streamer}
}

// Run consumes fills until the context ends or the stream closes.
func (t *FillTracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-t.streamer.Fills():
			if !ok {
				return
			}
			t.apply(ctx, fill)
		}
	}
}

func (t *FillTracker) apply(ctx context.Context, fill exchange.Fill) {
	positionID := fill.ClientID
	if positionID == "" || strings.HasSuffix(positionID, ":close") {
		// Close fills are folded in by the close path itself.
		return
	}
	pos, ok := t.state.Get(positionID)
	if !ok {
		// Position already terminal or foreign client id.
		return
	}

	executed := pos.ExecutedSizeBase + fill.Qty
	if executed > pos.SizeBase {
		executed = pos.SizeBase
	}
	avg := fill.Price
	if pos.ExecutedSizeBase > 0 && executed > 0 {
		avg = (pos.AvgFillPrice*pos.ExecutedSizeBase + fill.Price*fill.Qty) / (pos.ExecutedSizeBase + fill.Qty)
	}
	ratio := 0.0
	if pos.SizeBase > 0 {
		ratio = executed / pos.SizeBase
	}
	slippage := entrySlippageBps(pos.EntryPrice, avg)

	if err := t.state.ApplyFill(ctx, positionID, executed, avg, ratio, slippage, fill.Fee); err != nil {
		log.Printf("[order] WARN: track fill for %s: %v", positionID, err)
		return
	}
	log.Printf("[order] fill tracked position=%s qty=%.6f price=%.2f ratio=%.3f", positionID, fill.Qty, fill.Price, ratio)
}
