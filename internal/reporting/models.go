package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CallsSummaryRequest requests call outcomes for one participant, user or
// therapist. ParticipantID is required.
type CallsSummaryRequest struct {
	ParticipantID string    `json:"participant_id"`
	Range         TimeRange `json:"range"`
}

type CallsSummary struct {
	ParticipantID string `json:"participant_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	MissedCalls    int `json:"missed_calls"`
	CancelledCalls int `json:"cancelled_calls"`
	BusyCalls      int `json:"busy_calls"`
	OfflineCalls   int `json:"offline_calls"`
	FailedCalls    int `json:"failed_calls"`
	OpenCalls      int `json:"open_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
	BilledMinutes          int `json:"billed_minutes"`

	// AnswerRate is completed calls over calls that have ended.
	AnswerRate float64 `json:"answer_rate"`
}

// LedgerSummaryRequest aggregates one owner's wallet ledger.
type LedgerSummaryRequest struct {
	OwnerID string    `json:"owner_id"`
	Range   TimeRange `json:"range"`
}

type LedgerSummary struct {
	OwnerID string `json:"owner_id"`

	ChargedMinor int64 `json:"charged_minor"`
	EarnedMinor  int64 `json:"earned_minor"`
	CreditMinor  int64 `json:"credit_minor"`
	NetMinor     int64 `json:"net_minor"`

	SettledCalls int `json:"settled_calls"`
}
