// Package metrics exposes Prometheus counters for the call client and the
// reference backend. Labels are kept to closed sets; never label by call or
// session id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"therapy-calls/internal/calls"
)

var (
	callsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_finalized_total",
		Help: "Calls finalized on this client, by kind and end reason.",
	}, []string{"kind", "reason"})

	billedMinutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_billed_minutes_total",
		Help: "Minutes billed by finalized calls, by kind.",
	}, []string{"kind"})

	billedCoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_billed_coins_total",
		Help: "Coins charged by finalized calls, by kind.",
	}, []string{"kind"})

	ledgerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_ledger_failures_total",
		Help: "Failed backend ledger requests, by operation.",
	}, []string{"op"})

	preconditionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_precondition_failures_total",
		Help: "Call attempts refused before any network effect, by reason.",
	}, []string{"reason"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_settlements_total",
		Help: "End-of-call reports handled by the backend, by outcome (settled/duplicate/failed).",
	}, []string{"outcome"})

	hubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "therapy_calls_hub_connections",
		Help: "Signaling connections currently attached to the hub.",
	})

	hubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "therapy_calls_hub_events_total",
		Help: "Signaling events relayed by the hub, by event and outcome (delivered/offline/dropped).",
	}, []string{"event", "outcome"})
)

// Recorder reports call client outcomes. The zero value is ready to use.
type Recorder struct{}

func (Recorder) SessionFinalized(kind calls.Kind, reason calls.EndReason, bill calls.BillingResult) {
	callsFinalizedTotal.WithLabelValues(string(kind), string(reason)).Inc()
	if bill.DurationMinutes > 0 {
		billedMinutesTotal.WithLabelValues(string(kind)).Add(float64(bill.DurationMinutes))
		billedCoinsTotal.WithLabelValues(string(kind)).Add(float64(bill.CostInCoins))
	}
}

func (Recorder) LedgerFailure(op string) { ledgerFailuresTotal.WithLabelValues(op).Inc() }

func (Recorder) PreconditionFailed(reason string) {
	preconditionFailuresTotal.WithLabelValues(reason).Inc()
}

func IncSettlement(outcome string) { settlementsTotal.WithLabelValues(outcome).Inc() }

func HubConnected()    { hubConnections.Inc() }
func HubDisconnected() { hubConnections.Dec() }

func IncHubEvent(event, outcome string) { hubEventsTotal.WithLabelValues(event, outcome).Inc() }
