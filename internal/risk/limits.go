package risk

import (
	"fmt"
	"strings"
)

var quoteSuffixes = []string{"USDT", "USDC", "USD"}

// BaseSymbol strips the quote-currency suffix from a perpetual symbol.
// Unknown quotes return the symbol unchanged.
func BaseSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// checkBaseCap enforces the per-base-asset rules: at most maxPerBase open
// positions sharing the candidate's base asset, and at most one per
// direction. Long and short on the same base may coexist. A non-positive
// cap denies everything rather than lifting the limit.
func checkBaseCap(open []OpenPosition, symbol, direction string, maxPerBase int) Decision {
	base := BaseSymbol(symbol)
	if maxPerBase <= 0 {
		return Decision{
			Allowed: false,
			Reason:  ReasonBaseCap,
			Detail:  fmt.Sprintf("base cap %d admits nothing", maxPerBase),
		}
	}
	count := 0
	for _, p := range open {
		if BaseSymbol(p.Symbol) != base {
			continue
		}
		if p.Direction == direction {
			return Decision{
				Allowed: false,
				Reason:  ReasonBaseCap,
				Detail:  fmt.Sprintf("%s %s already open (%s)", base, direction, p.Symbol),
			}
		}
		count++
	}
	if count >= maxPerBase {
		return Decision{
			Allowed: false,
			Reason:  ReasonBaseCap,
			Detail:  fmt.Sprintf("%d positions on base %s at cap %d", count, base, maxPerBase),
		}
	}
	return Decision{Allowed: true}
}

// totalRiskR sums the risk budget consumed by open positions.
func totalRiskR(open []OpenPosition) float64 {
	sum := 0.0
	for _, p := range open {
		sum += p.RiskR
	}
	return sum
}
