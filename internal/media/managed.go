package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"therapy-calls/internal/calls"
)

// Vendor error codes reported by the managed call SDK.
const (
	VendorErrNetwork            = 1000001
	VendorErrInvalidCredentials = 1000002
	VendorErrRoomFailed         = 1000003
	VendorErrPermissionDenied   = 1000004
	VendorErrTimeout            = 1000005
)

// VendorRoomConfig is what the vendor SDK needs to join a room.
type VendorRoomConfig struct {
	RoomID   string
	UserID   string
	UserName string
	Video    bool
}

// VendorCallbacks are invoked by the vendor SDK.
type VendorCallbacks struct {
	OnUserJoin  func(remoteCount int)
	OnUserLeave func(remaining int)
	OnRoomState func(state string)
	OnError     func(code int, message string)
	OnCallEnd   func(reason string)
}

// VendorSDK is the binding to a managed call SDK.
type VendorSDK interface {
	Init(appID, appSecret string) error
	JoinRoom(ctx context.Context, cfg VendorRoomConfig, cb VendorCallbacks) error
	LeaveRoom() error
	MuteMicrophone(muted bool) error
	SetSpeaker(on bool) error
}

// Managed delegates the media session to a vendor SDK and translates its
// callbacks into Events.
type Managed struct {
	sdk VendorSDK

	mu     sync.Mutex
	joined bool
}

func NewManaged(sdk VendorSDK) *Managed { return &Managed{sdk: sdk} }

func (m *Managed) Ready() bool { return m.sdk != nil }

func (m *Managed) Join(ctx context.Context, p Params, ev Events) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !m.Ready() {
		return ErrNotReady
	}
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.mu.Unlock()

	if err := m.sdk.Init(p.AppID, p.AppSecret); err != nil {
		return translateVendorErr(err)
	}

	room := p.RoomID
	if room == "" {
		room = p.SessionID
	}
	cb := VendorCallbacks{
		OnUserJoin:  ev.remoteJoin,
		OnUserLeave: ev.remoteLeave,
		OnRoomState: func(state string) { ev.stateChange(ConnectionState(state)) },
		OnError: func(code int, message string) {
			ev.fail(VendorError(code, message))
		},
		OnCallEnd: func(reason string) {
			r := VendorEndReason(reason)
			if r == calls.EndReasonCompleted {
				ev.remoteLeave(0)
				return
			}
			ev.fail(&RemoteEndedError{Reason: r})
		},
	}
	err := m.sdk.JoinRoom(ctx, VendorRoomConfig{
		RoomID:   room,
		UserID:   p.ParticipantID,
		UserName: p.ParticipantName,
		Video:    p.Kind == calls.KindVideo,
	}, cb)
	if err != nil {
		return translateVendorErr(err)
	}

	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	return nil
}

func (m *Managed) Leave(ctx context.Context) error {
	m.mu.Lock()
	joined := m.joined
	m.joined = false
	m.mu.Unlock()
	if !joined {
		return nil
	}
	return m.sdk.LeaveRoom()
}

func (m *Managed) SetMuted(muted bool) error {
	if !m.isJoined() {
		return ErrNotJoined
	}
	return m.sdk.MuteMicrophone(muted)
}

func (m *Managed) SetSpeaker(on bool) error {
	if !m.isJoined() {
		return ErrNotJoined
	}
	return m.sdk.SetSpeaker(on)
}

func (m *Managed) isJoined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

// VendorCodeError carries a raw vendor error code.
type VendorCodeError struct {
	Code    int
	Message string
}

func (e *VendorCodeError) Error() string {
	return fmt.Sprintf("vendor error %d: %s", e.Code, e.Message)
}

// VendorError maps a vendor error code onto the media error taxonomy.
func VendorError(code int, message string) error {
	switch code {
	case VendorErrInvalidCredentials:
		return &ConfigError{Reason: "invalid app credentials"}
	case VendorErrPermissionDenied:
		return &PermissionError{Device: "microphone/camera", Err: &VendorCodeError{Code: code, Message: message}}
	case VendorErrNetwork:
		return fmt.Errorf("%w: network error", ErrTransport)
	case VendorErrRoomFailed:
		return fmt.Errorf("%w: failed to join room", ErrTransport)
	case VendorErrTimeout:
		return fmt.Errorf("%w: connection timeout", ErrTransport)
	default:
		return fmt.Errorf("%w: %v", ErrTransport, &VendorCodeError{Code: code, Message: message})
	}
}

func translateVendorErr(err error) error {
	var ve *VendorCodeError
	if errors.As(err, &ve) {
		return VendorError(ve.Code, ve.Message)
	}
	return err
}

// VendorEndReason maps the vendor's end-of-call reason onto EndReason.
func VendorEndReason(reason string) calls.EndReason {
	switch reason {
	case "Declined":
		return calls.EndReasonRejected
	case "Timeout":
		return calls.EndReasonTimeout
	case "Cancelled", "Canceled":
		return calls.EndReasonCancelled
	case "Ended", "UserLeft":
		return calls.EndReasonCompleted
	case "Busy":
		return calls.EndReasonBusy
	case "Offline":
		return calls.EndReasonOffline
	default:
		return calls.EndReasonError
	}
}
