package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/metrics"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecorderExposesCallOutcomes(t *testing.T) {
	var r metrics.Recorder
	r.SessionFinalized(calls.KindVideo, calls.EndReasonCompleted, calls.BillingResult{DurationMinutes: 3, CostInCoins: 24})
	r.LedgerFailure("end")
	r.PreconditionFailed("insufficient_balance")

	body := scrape(t)
	for _, want := range []string{
		`therapy_calls_finalized_total{kind="video",reason="completed"}`,
		`therapy_calls_billed_minutes_total{kind="video"}`,
		`therapy_calls_ledger_failures_total{op="end"}`,
		`therapy_calls_precondition_failures_total{reason="insufficient_balance"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestUnbilledCallsDoNotAddMinutes(t *testing.T) {
	var r metrics.Recorder
	r.SessionFinalized(calls.KindVoice, calls.EndReasonRejected, calls.BillingResult{})

	body := scrape(t)
	if !strings.Contains(body, `therapy_calls_finalized_total{kind="voice",reason="rejected"}`) {
		t.Fatalf("expected rejected outcome recorded")
	}
	if strings.Contains(body, `therapy_calls_billed_minutes_total{kind="voice"}`) {
		t.Fatalf("rejected call must not bill minutes")
	}
}

func TestHubAndSettlementCounters(t *testing.T) {
	metrics.HubConnected()
	metrics.IncHubEvent("call-request", "offline")
	metrics.IncSettlement("duplicate")
	metrics.HubDisconnected()

	body := scrape(t)
	for _, want := range []string{
		"therapy_calls_hub_connections 0",
		`therapy_calls_hub_events_total{event="call-request",outcome="offline"}`,
		`therapy_calls_settlements_total{outcome="duplicate"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}
