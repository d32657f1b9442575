package calls

import "time"

// Call is the backend record of a call between a user and a therapist.
//
// Money invariant reminder: settlement references call_id in the wallet ledger
// (external_ref) rather than storing balances here.
type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	RoomID      string `json:"room_id" db:"room_id"`
	SessionID   string `json:"session_id" db:"session_id"`
	UserID      string `json:"user_id" db:"user_id"`
	TherapistID string `json:"therapist_id" db:"therapist_id"`
	Kind        Kind   `json:"kind" db:"kind"`

	Status CallStatus `json:"status" db:"status"`

	// DurationSeconds is measured from media connect, never from creation.
	DurationSeconds int   `json:"duration" db:"duration"`
	DurationMinutes int   `json:"duration_minutes" db:"duration_minutes"`
	CostInCoins     int64 `json:"cost_in_coins" db:"cost_in_coins"`
	EarningsMinor   int64 `json:"earnings_minor" db:"earnings_minor"`

	EndedBy string     `json:"ended_by,omitempty" db:"ended_by"`
	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusCompleted CallStatus = "completed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusBusy      CallStatus = "busy"
	CallStatusOffline   CallStatus = "offline"
	CallStatusFailed    CallStatus = "failed"
)

// StatusForReason maps a client end reason onto the persisted status.
func StatusForReason(r EndReason) CallStatus {
	switch r {
	case EndReasonCompleted:
		return CallStatusCompleted
	case EndReasonRejected:
		return CallStatusRejected
	case EndReasonTimeout:
		return CallStatusMissed
	case EndReasonCancelled:
		return CallStatusCancelled
	case EndReasonBusy:
		return CallStatusBusy
	case EndReasonOffline:
		return CallStatusOffline
	default:
		return CallStatusFailed
	}
}

func (c Call) Ended() bool { return c.EndedAt != nil }
