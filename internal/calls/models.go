package calls

import (
	"errors"
	"strings"
	"time"
)

// Kind is the media kind of a call. Immutable once a session is created.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

var ErrUnknownKind = errors.New("calls: unknown call kind")

// ParseKind accepts the wire spellings used by the ledger and signaling
// payloads ("voice", "video", "audio" is treated as voice).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice", "audio":
		return KindVoice, nil
	case "video":
		return KindVideo, nil
	default:
		return "", ErrUnknownKind
	}
}

func (k Kind) Valid() bool { return k == KindVoice || k == KindVideo }

// Role is the participant role on a device. Exactly one local role per device.
type Role string

const (
	RoleUser      Role = "user"
	RoleTherapist Role = "therapist"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleTherapist }

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleTherapist {
		return RoleUser
	}
	return RoleTherapist
}

// State is the lifecycle state of a CallSession.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// Live reports whether the state holds a session that blocks a new one.
func (s State) Live() bool {
	return s != StateIdle && s != StateEnded && s != ""
}

// EndReason is the terminal outcome of a session. Set exactly once.
type EndReason string

const (
	EndReasonCompleted EndReason = "completed"
	EndReasonRejected  EndReason = "rejected"
	EndReasonTimeout   EndReason = "timeout"
	EndReasonCancelled EndReason = "cancelled"
	EndReasonBusy      EndReason = "busy"
	EndReasonOffline   EndReason = "offline"
	EndReasonError     EndReason = "error"
)

// Chargeable reports whether the reason can carry a non-zero charge.
// Only sessions that reached ACTIVE are billed, see pricing.Table.Bill.
func (r EndReason) Chargeable() bool {
	switch r {
	case EndReasonCompleted, EndReasonCancelled, EndReasonError:
		return true
	default:
		return false
	}
}

// Message is the user-facing text for a terminal outcome.
func (r EndReason) Message() string {
	switch r {
	case EndReasonCompleted:
		return "Call ended"
	case EndReasonRejected:
		return "The call was declined"
	case EndReasonTimeout:
		return "No answer. Please try again later"
	case EndReasonCancelled:
		return "Call cancelled"
	case EndReasonBusy:
		return "The therapist is on another call"
	case EndReasonOffline:
		return "The other participant is offline"
	case EndReasonError:
		return "The call ended because of a connection problem"
	default:
		return ""
	}
}

// Participant identifies the other side of a call.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// BillingResult is computed once per session at finalization.
type BillingResult struct {
	DurationSeconds          int   `json:"duration_seconds"`
	DurationMinutes          int   `json:"duration_minutes"`
	CostInCoins              int64 `json:"cost_in_coins"`
	CounterpartEarningsCoins int64 `json:"counterpart_earnings_coins"`
}

// Session is the central call entity. At most one live Session exists per
// device; it is owned and mutated by the lifecycle machine only.
type Session struct {
	SessionID       string `json:"session_id"`
	Kind            Kind   `json:"kind"`
	LocalRole       Role   `json:"local_role"`
	InitiatorRole   Role   `json:"initiator_role"`
	CounterpartRole Role   `json:"counterpart_role"`
	CounterpartID   string `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
	Outgoing        bool   `json:"outgoing"`

	// BackendCallID is assigned by the ledger; billing cannot be reconciled without it.
	BackendCallID string `json:"backend_call_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`

	// ActiveSince is set once, when the first remote participant is present.
	ActiveSince *time.Time `json:"active_since,omitempty"`

	EndReason   EndReason      `json:"end_reason,omitempty"`
	Billing     *BillingResult `json:"billing,omitempty"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`

	// LastError is the most recent non-fatal error surfaced on this session.
	LastError string `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (s Session) Clone() Session {
	out := s
	if s.ActiveSince != nil {
		t := *s.ActiveSince
		out.ActiveSince = &t
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		out.FinalizedAt = &t
	}
	if s.Billing != nil {
		b := *s.Billing
		out.Billing = &b
	}
	return out
}

// UserID returns the id of the USER-role party of the session.
func (s Session) UserID(localID string) string {
	if s.LocalRole == RoleUser {
		return localID
	}
	return s.CounterpartID
}

// TherapistID returns the id of the THERAPIST-role party of the session.
func (s Session) TherapistID(localID string) string {
	if s.LocalRole == RoleTherapist {
		return localID
	}
	return s.CounterpartID
}

// IncomingCall describes a call offered to this device over signaling or push.
type IncomingCall struct {
	CallID     string `json:"callId"`
	RoomID     string `json:"roomId"`
	SessionID  string `json:"zegoCallId"`
	CallerID   string `json:"userId"`
	CallerName string `json:"userName"`
	CalleeID   string `json:"therapistId"`
	Kind       Kind   `json:"callType"`

	// EstimatedEarnings is the per-minute earnings shown to the callee.
	EstimatedEarnings float64   `json:"estimatedEarnings,omitempty"`
	ReceivedAt        time.Time `json:"-"`
}
