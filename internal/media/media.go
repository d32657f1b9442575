// Package media owns the peer media session. Two strategies share one event
// contract: Direct (WebRTC offer/answer/ICE relayed over signaling) and
// Managed (a vendor call SDK).
package media

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"therapy-calls/internal/calls"
)

var (
	ErrInvalidConfig    = errors.New("media: invalid configuration")
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrTransport        = errors.New("media: transport failure")
	ErrNotReady         = errors.New("media: controller not ready")
	ErrNotJoined        = errors.New("media: not joined")
	ErrAlreadyJoined    = errors.New("media: already joined")
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ConnectionState mirrors the peer connection lifecycle.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Events is the upward contract. Callbacks may run on any goroutine.
type Events struct {
	OnRemoteJoin            func(remoteCount int)
	OnRemoteLeave           func(remaining int)
	OnConnectionStateChange func(state ConnectionState)
	OnError                 func(err error)
}

func (e Events) remoteJoin(n int) {
	if e.OnRemoteJoin != nil {
		e.OnRemoteJoin(n)
	}
}

func (e Events) remoteLeave(n int) {
	if e.OnRemoteLeave != nil {
		e.OnRemoteLeave(n)
	}
}

func (e Events) stateChange(s ConnectionState) {
	if e.OnConnectionStateChange != nil {
		e.OnConnectionStateChange(s)
	}
}

func (e Events) fail(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Params are the session parameters handed to a strategy.
type Params struct {
	AppID           string
	AppSecret       string
	ParticipantID   string
	ParticipantName string
	SessionID       string
	RoomID          string
	Kind            calls.Kind

	// Initiator is true on the calling side; it creates the offer.
	Initiator bool
}

// Validate checks the fields every strategy needs. Failures are
// configuration errors, never runtime connection errors.
func (p Params) Validate() error {
	var missing []string
	if strings.TrimSpace(p.AppID) == "" {
		missing = append(missing, "appCredentialId")
	}
	if strings.TrimSpace(p.AppSecret) == "" {
		missing = append(missing, "appCredentialSecret")
	}
	if strings.TrimSpace(p.ParticipantID) == "" {
		missing = append(missing, "localParticipantId")
	}
	if strings.TrimSpace(p.ParticipantName) == "" {
		missing = append(missing, "localParticipantName")
	}
	if strings.TrimSpace(p.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return &ConfigError{Reason: "missing required fields: " + strings.Join(missing, ", ")}
	}
	if !safeID.MatchString(p.ParticipantID) {
		return &ConfigError{Reason: "localParticipantId may contain only letters, digits and underscore"}
	}
	if !safeID.MatchString(p.SessionID) {
		return &ConfigError{Reason: "sessionId may contain only letters, digits and underscore"}
	}
	return nil
}

// ConfigError is fatal to call setup and is not retryable without a fix.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "media configuration invalid: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// PermissionError reports a denied microphone or camera. It is recoverable:
// the caller may retry after the user grants access.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s permission denied: %v", e.Device, e.Err)
	}
	return e.Device + " permission denied"
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// RemoteEndedError reports that the media layer saw the remote side end the
// call with a specific outcome.
type RemoteEndedError struct {
	Reason calls.EndReason
}

func (e *RemoteEndedError) Error() string {
	return "media: remote ended call: " + string(e.Reason)
}

// Controller is the Media Session Controller contract.
type Controller interface {
	Ready() bool
	Join(ctx context.Context, p Params, ev Events) error
	Leave(ctx context.Context) error
	SetMuted(muted bool) error
	SetSpeaker(on bool) error
}
