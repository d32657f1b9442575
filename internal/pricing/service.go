package pricing

import (
	"errors"
	"fmt"
	"time"

	"therapy-calls/internal/calls"
)

// Table maps call kinds to rates. It is the single point of truth for
// pricing on both the client and the backend.
//
// Contract:
// - Pure calculation, no I/O.
// - Billing starts at media connect; a call that never connected costs nothing.
type Table struct {
	rates map[calls.Kind]Rate
}

var (
	ErrUnknownKind  = errors.New("pricing: unknown call kind")
	ErrInvalidRates = errors.New("pricing: invalid rates")
)

// DefaultTable returns the production rate card.
func DefaultTable() *Table {
	t, _ := NewTable(defaultRates)
	return t
}

// NewTable validates and copies rates. Both kinds must be present and video
// must not be cheaper than voice.
func NewTable(rates map[calls.Kind]Rate) (*Table, error) {
	voice, okV := rates[calls.KindVoice]
	video, okD := rates[calls.KindVideo]
	if !okV || !okD {
		return nil, fmt.Errorf("%w: voice and video rates are required", ErrInvalidRates)
	}
	for kind, r := range rates {
		if r.CostPerMinuteCoins <= 0 || r.EarningsPerMinuteMinor < 0 {
			return nil, fmt.Errorf("%w: %s rate must be positive", ErrInvalidRates, kind)
		}
	}
	if video.CostPerMinuteCoins < voice.CostPerMinuteCoins || video.EarningsPerMinuteMinor < voice.EarningsPerMinuteMinor {
		return nil, fmt.Errorf("%w: video must not be priced below voice", ErrInvalidRates)
	}

	out := make(map[calls.Kind]Rate, len(rates))
	for kind, r := range rates {
		if r.MinimumBillableMinutes <= 0 {
			r.MinimumBillableMinutes = 1
		}
		out[kind] = r
	}
	return &Table{rates: out}, nil
}

func (t *Table) Rate(kind calls.Kind) (Rate, error) {
	r, ok := t.rates[kind]
	if !ok {
		return Rate{}, ErrUnknownKind
	}
	return r, nil
}

func (t *Table) CostPerMinute(kind calls.Kind) int64 {
	return t.rates[kind].CostPerMinuteCoins
}

// EarningsPerMinute is the counterpart's per-minute earnings in coins.
func (t *Table) EarningsPerMinute(kind calls.Kind) float64 {
	return float64(t.rates[kind].EarningsPerMinuteMinor) / 100
}

func (t *Table) MinimumBillableMinutes(kind calls.Kind) int {
	if r, ok := t.rates[kind]; ok {
		return r.MinimumBillableMinutes
	}
	return 1
}

// MinimumCharge is the balance a caller needs to start a call of this kind.
func (t *Table) MinimumCharge(kind calls.Kind) int64 {
	r := t.rates[kind]
	return int64(r.MinimumBillableMinutes) * r.CostPerMinuteCoins
}

// Bill computes the billing outcome for a finished call.
// activeFor is measured from media connect; reachedActive=false always bills zero.
// Earnings are floored to whole coins.
func (t *Table) Bill(kind calls.Kind, activeFor time.Duration, reachedActive bool) calls.BillingResult {
	if !reachedActive {
		return calls.BillingResult{}
	}
	r, ok := t.rates[kind]
	if !ok {
		return calls.BillingResult{}
	}

	sec := int(activeFor / time.Second)
	if sec < 0 {
		sec = 0
	}
	minutes := billableMinutesFromSeconds(sec)
	if minutes < r.MinimumBillableMinutes {
		minutes = r.MinimumBillableMinutes
	}

	return calls.BillingResult{
		DurationSeconds:          sec,
		DurationMinutes:          minutes,
		CostInCoins:              r.CostPerMinuteCoins * int64(minutes),
		CounterpartEarningsCoins: r.EarningsPerMinuteMinor * int64(minutes) / 100,
	}
}

// EarningsMinor is the counterpart's earnings for a billed duration, in
// hundredths of a coin. The backend credits this exact amount.
func (t *Table) EarningsMinor(kind calls.Kind, minutes int) int64 {
	if minutes <= 0 {
		return 0
	}
	return t.rates[kind].EarningsPerMinuteMinor * int64(minutes)
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
