package reporting

import (
	"context"
	"errors"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations must filter by participant or owner; reports never span
// other people's calls.
type Repository interface {
	ListCalls(ctx context.Context, participantID string, from, to time.Time) ([]calls.Call, error)
	ListWalletLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.WalletLedger, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.ParticipantID == "" || !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.ParticipantID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{ParticipantID: req.ParticipantID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.BilledMinutes += c.DurationMinutes
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusRejected:
			out.RejectedCalls++
		case calls.CallStatusMissed:
			out.MissedCalls++
		case calls.CallStatusCancelled:
			out.CancelledCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		case calls.CallStatusOffline:
			out.OfflineCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusInitiated:
			out.OpenCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	if ended := out.TotalCalls - out.OpenCalls; ended > 0 {
		out.AnswerRate = float64(out.CompletedCalls) / float64(ended)
	}
	return out, nil
}

func (s *Service) LedgerSummary(ctx context.Context, req LedgerSummaryRequest) (LedgerSummary, error) {
	if req.OwnerID == "" || !req.Range.valid() {
		return LedgerSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return LedgerSummary{}, errors.New("reporting: repository not configured")
	}

	entries, err := s.repo.ListWalletLedger(ctx, req.OwnerID, req.Range.From, req.Range.To)
	if err != nil {
		return LedgerSummary{}, err
	}

	out := LedgerSummary{OwnerID: req.OwnerID}
	settled := map[string]struct{}{}
	for _, e := range entries {
		switch e.Type {
		case wallet.LedgerEntryTypeCallCharge:
			out.ChargedMinor += -e.AmountMinor
			settled[e.ExternalRef] = struct{}{}
		case wallet.LedgerEntryTypeCallEarning:
			out.EarnedMinor += e.AmountMinor
			settled[e.ExternalRef] = struct{}{}
		case wallet.LedgerEntryTypeCredit:
			out.CreditMinor += e.AmountMinor
		}
		out.NetMinor += e.AmountMinor
	}
	out.SettledCalls = len(settled)
	return out, nil
}
