package signaling

import (
	"encoding/json"

	"therapy-calls/internal/calls"
)

// Event names on the signaling channel. Keep stable; they are wire contracts.
const (
	EventCallRequest   = "call-request"
	EventCallTherapist = "call-therapist"
	EventIncomingCall  = "incoming-call"
	EventCallAccepted  = "call-accepted"
	EventCallRejected  = "call-rejected"
	EventCallTimeout   = "call-timeout"
	EventCallCancelled = "call-cancelled"
	EventCancelCall    = "cancel-call"
	EventCallEnded     = "call-ended"
	EventUserBusy      = "user-busy"
	EventCallBusy      = "call-busy"
	EventUserOffline   = "user-offline"

	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
)

// Local lifecycle events dispatched by the Adapter itself. They never
// travel over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Envelope is the frame exchanged with the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CallControl is the payload of every call-control event. Each event uses a
// subset of the fields; the relay routes on UserID/TherapistID.
type CallControl struct {
	CallID            string     `json:"callId,omitempty"`
	RoomID            string     `json:"roomId,omitempty"`
	SessionID         string     `json:"zegoCallId,omitempty"`
	UserID            string     `json:"userId,omitempty"`
	UserName          string     `json:"userName,omitempty"`
	TherapistID       string     `json:"therapistId,omitempty"`
	CallType          calls.Kind `json:"callType,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	EndedBy           string     `json:"endedBy,omitempty"`
	Duration          int        `json:"duration,omitempty"`
	NewBalance        *float64   `json:"newBalance,omitempty"`
	EstimatedEarnings float64    `json:"estimatedEarnings,omitempty"`
}

// Incoming converts an incoming-call payload into the domain shape.
func (c CallControl) Incoming() calls.IncomingCall {
	return calls.IncomingCall{
		CallID:            c.CallID,
		RoomID:            c.RoomID,
		SessionID:         c.SessionID,
		CallerID:          c.UserID,
		CallerName:        c.UserName,
		CalleeID:          c.TherapistID,
		Kind:              c.CallType,
		EstimatedEarnings: c.EstimatedEarnings,
	}
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaSignal is the room-scoped payload of offer/answer/ice-candidate.
type MediaSignal struct {
	RoomID    string              `json:"roomId"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}
