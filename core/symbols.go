package core

import "strings"

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Pair metadata
// ═══════════════════════════════════════════════════════════════════════════════

// knownQuotes, longest first so USDT is tried before USD.
var knownQuotes = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"}

// SplitSymbol splits a pair like "BTCUSD" into base and quote assets.
// Unrecognized quotes fall back to a USD quote with the remainder as base.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, "USD"
}
