package pricing

import "therapy-calls/internal/calls"

// Amounts are coins. Earnings are kept in hundredths of a coin so that
// fractional per-minute earnings (2.5 coins) stay integral.

// Rate is the per-minute price of one call kind.
type Rate struct {
	CostPerMinuteCoins int64 `json:"cost_per_minute_coins"`

	// EarningsPerMinuteMinor is the counterpart's earnings in hundredths of a coin.
	EarningsPerMinuteMinor int64 `json:"earnings_per_minute_minor"`

	// MinimumBillableMinutes enforces a minimum charge once a call connects.
	MinimumBillableMinutes int `json:"minimum_billable_minutes"`
}

// Default rates. Video is priced above voice in both cost and earnings.
var defaultRates = map[calls.Kind]Rate{
	calls.KindVoice: {CostPerMinuteCoins: 5, EarningsPerMinuteMinor: 250, MinimumBillableMinutes: 1},
	calls.KindVideo: {CostPerMinuteCoins: 8, EarningsPerMinuteMinor: 400, MinimumBillableMinutes: 1},
}
