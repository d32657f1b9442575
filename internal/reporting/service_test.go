package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/wallet"
)

var now = time.Unix(1700000000, 0).UTC()

func day() TimeRange { return TimeRange{From: now.Add(-12 * time.Hour), To: now.Add(12 * time.Hour)} }

func TestCallsSummary_ParticipantIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Calls = []calls.Call{
		{CallID: "c1", UserID: "u1", TherapistID: "t1", Status: calls.CallStatusCompleted, DurationSeconds: 90, DurationMinutes: 2, CreatedAt: now},
		{CallID: "c2", UserID: "u2", TherapistID: "t2", Status: calls.CallStatusCompleted, DurationSeconds: 50, DurationMinutes: 1, CreatedAt: now},
		{CallID: "c3", UserID: "u2", TherapistID: "t1", Status: calls.CallStatusMissed, CreatedAt: now},
	}
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{ParticipantID: "t1", Range: day()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 2 || out.CompletedCalls != 1 || out.MissedCalls != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.BilledMinutes != 2 || out.AverageDurationSeconds != 90 || out.AnswerRate != 0.5 {
		t.Fatalf("unexpected totals: %+v", out)
	}
}

func TestCallsSummary_OpenCallsExcludedFromAnswerRate(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Calls = []calls.Call{
		{CallID: "c1", UserID: "u1", TherapistID: "t1", Status: calls.CallStatusCompleted, CreatedAt: now},
		{CallID: "c2", UserID: "u1", TherapistID: "t1", Status: calls.CallStatusInitiated, CreatedAt: now},
		{CallID: "old", UserID: "u1", TherapistID: "t1", Status: calls.CallStatusRejected, CreatedAt: now.Add(-48 * time.Hour)},
	}
	out, err := NewService(repo).CallsSummary(context.Background(), CallsSummaryRequest{ParticipantID: "u1", Range: day()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 2 || out.OpenCalls != 1 || out.AnswerRate != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}
}

func TestLedgerSummary_Aggregates(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Ledgers["u1"] = []wallet.WalletLedger{
		{ID: "l1", Type: wallet.LedgerEntryTypeCredit, AmountMinor: 5000, CreatedAt: now},
		{ID: "l2", Type: wallet.LedgerEntryTypeCallCharge, AmountMinor: -500, ExternalRef: "c1", CreatedAt: now},
		{ID: "l3", Type: wallet.LedgerEntryTypeCallCharge, AmountMinor: -800, ExternalRef: "c2", CreatedAt: now},
	}
	repo.Ledgers["t1"] = []wallet.WalletLedger{
		{ID: "l4", Type: wallet.LedgerEntryTypeCallEarning, AmountMinor: 250, ExternalRef: "c1", CreatedAt: now},
	}
	svc := NewService(repo)

	u, err := svc.LedgerSummary(context.Background(), LedgerSummaryRequest{OwnerID: "u1", Range: day()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if u.ChargedMinor != 1300 || u.CreditMinor != 5000 || u.NetMinor != 3700 || u.SettledCalls != 2 {
		t.Fatalf("unexpected user summary: %+v", u)
	}

	th, err := svc.LedgerSummary(context.Background(), LedgerSummaryRequest{OwnerID: "t1", Range: day()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if th.EarnedMinor != 250 || th.ChargedMinor != 0 || th.SettledCalls != 1 {
		t.Fatalf("unexpected therapist summary: %+v", th)
	}
}

func TestSummaries_RejectInvalidRange(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	bad := TimeRange{From: now, To: now}
	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{ParticipantID: "u1", Range: bad}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := svc.LedgerSummary(context.Background(), LedgerSummaryRequest{Range: day()}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
