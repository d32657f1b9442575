package callstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/identity"
	"therapy-calls/internal/ledger"
	"therapy-calls/internal/media"
	"therapy-calls/internal/signaling"
)

// Preflight runs the checks Initiate performs, in the same order, without
// creating a session: media ready, balance covers the minimum charge (local
// cache, then the server), signaling connected.
func (m *Machine) Preflight(ctx context.Context, kind calls.Kind) error {
	if !kind.Valid() {
		return calls.ErrUnknownKind
	}
	if !m.med.Ready() {
		return ErrMediaNotReady
	}

	if m.cfg.Local.Role == calls.RoleUser {
		need := m.prices.MinimumCharge(kind)
		if bal, known := m.Balance(); known && bal < float64(need) {
			return fmt.Errorf("%w: have %.0f coins, need %d", ErrInsufficientBalance, bal, need)
		}
		server, err := m.led.Balance(ctx)
		if err != nil {
			m.log.Warn("server balance unavailable, using cached value", "err", err)
		} else {
			m.SetBalance(server)
			if server < float64(need) {
				return fmt.Errorf("%w: have %.0f coins, need %d", ErrInsufficientBalance, server, need)
			}
		}
	}

	if !m.sig.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// CanMakeCall is Preflight plus the single-call check.
func (m *Machine) CanMakeCall(ctx context.Context, kind calls.Kind) error {
	if m.State() != calls.StateIdle {
		return ErrCallInProgress
	}
	return m.Preflight(ctx, kind)
}

// Initiate starts an outgoing call. The session is reserved before the
// preconditions run, so a concurrent Initiate or AcceptIncoming fails fast.
// Nothing is sent to the ledger or the channel when a precondition fails.
func (m *Machine) Initiate(ctx context.Context, target calls.Participant, kind calls.Kind) (calls.Session, error) {
	if !kind.Valid() {
		return calls.Session{}, calls.ErrUnknownKind
	}
	if strings.TrimSpace(target.ID) == "" || target.ID == m.cfg.Local.ID {
		return calls.Session{}, ErrInvalidTarget
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		m.metrics.PreconditionFailed(preconditionLabel(ErrCallInProgress))
		return calls.Session{}, ErrCallInProgress
	}
	s := &session{Session: calls.Session{
		SessionID:       m.ids(m.cfg.Local.ID, target.ID),
		Kind:            kind,
		LocalRole:       m.cfg.Local.Role,
		InitiatorRole:   m.cfg.Local.Role,
		CounterpartRole: m.cfg.Local.Role.Counterpart(),
		CounterpartID:   target.ID,
		CounterpartName: target.Name,
		Outgoing:        true,
		State:           calls.StateInitiating,
		CreatedAt:       m.clock.Now(),
	}}
	m.cur = s
	m.mu.Unlock()

	if err := m.Preflight(ctx, kind); err != nil {
		m.release(s)
		m.metrics.PreconditionFailed(preconditionLabel(err))
		return calls.Session{}, err
	}

	m.mu.Lock()
	if m.cur != s || s.finalized {
		m.mu.Unlock()
		return calls.Session{}, ErrCancelled
	}
	m.publishLocked(s)
	m.mu.Unlock()
	m.flush()

	log := m.log.With("session_id", s.SessionID)
	res, err := m.led.InitiateCall(ctx, ledger.InitiateRequest{
		TherapistID: s.TherapistID(m.cfg.Local.ID),
		CallType:    kind,
		SessionID:   s.SessionID,
	})
	if err != nil {
		var apiErr *ledger.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			// The therapist already holds a live call.
			log.Info("therapist busy", "therapist_id", target.ID)
			_ = m.finalize(s, termination{reason: calls.EndReasonBusy})
			return calls.Session{}, &RemoteOutcomeError{Reason: calls.EndReasonBusy}
		}
		m.metrics.LedgerFailure("initiate")
		if apiErr != nil && apiErr.Status == http.StatusPaymentRequired {
			err = fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
		}
		log.Warn("call not registered with ledger", "err", err)
		_ = m.finalize(s, termination{reason: calls.EndReasonError, cause: err})
		return calls.Session{}, fmt.Errorf("initiate call: %w", err)
	}

	m.mu.Lock()
	if m.cur != s || s.finalized {
		// Cancelled while the ledger request was in flight.
		m.mu.Unlock()
		m.closeOrphan(res.CallID, s)
		return calls.Session{}, ErrCancelled
	}
	s.BackendCallID = res.CallID
	s.RoomID = res.RoomID
	if s.RoomID == "" {
		s.RoomID = s.SessionID
	}
	s.State = calls.StateRinging
	s.ring.arm(m.clock, m.cfg.RingTimeout, func(gen uint64) { m.onRingTimeout(s, gen) })
	payload := m.controlLocked(s)
	m.publishLocked(s)
	snap := s.Clone()
	s.sigMu.Lock()
	m.mu.Unlock()
	err = m.sig.Emit(signaling.EventCallRequest, payload)
	s.sigMu.Unlock()
	if err != nil {
		// The callee never saw the request, so there is nobody to notify.
		_ = m.finalize(s, termination{reason: calls.EndReasonError, cause: err})
		return calls.Session{}, fmt.Errorf("send call request: %w", err)
	}
	m.flush()
	log.Info("call ringing", "call_id", snap.BackendCallID, "room_id", snap.RoomID, "kind", string(kind))
	return snap, nil
}

// AcceptIncoming answers an offered call. When a call is already live the
// offer is rejected with reason busy so the caller is never left ringing.
func (m *Machine) AcceptIncoming(ctx context.Context, in calls.IncomingCall) (calls.Session, error) {
	if strings.TrimSpace(in.CallID) == "" || strings.TrimSpace(in.CallerID) == "" {
		return calls.Session{}, ErrInvalidTarget
	}
	kind := in.Kind
	if !kind.Valid() {
		kind = calls.KindVoice
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		m.rejectBusy(in)
		m.metrics.PreconditionFailed(preconditionLabel(ErrCallInProgress))
		return calls.Session{}, ErrCallInProgress
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = m.ids(in.CallerID, m.cfg.Local.ID)
	}
	room := in.RoomID
	if room == "" {
		room = sessionID
	}
	s := &session{Session: calls.Session{
		SessionID:       sessionID,
		Kind:            kind,
		LocalRole:       m.cfg.Local.Role,
		InitiatorRole:   m.cfg.Local.Role.Counterpart(),
		CounterpartRole: m.cfg.Local.Role.Counterpart(),
		CounterpartID:   in.CallerID,
		CounterpartName: in.CallerName,
		BackendCallID:   in.CallID,
		RoomID:          room,
		State:           calls.StateConnecting,
		CreatedAt:       m.clock.Now(),
	}}
	m.cur = s
	s.connect.arm(m.clock, m.cfg.ConnectTimeout, func(gen uint64) { m.onConnectTimeout(s, gen) })
	payload := m.controlLocked(s)
	m.publishLocked(s)
	s.sigMu.Lock()
	m.mu.Unlock()
	err := m.sig.Emit(signaling.EventCallAccepted, payload)
	s.sigMu.Unlock()
	if err != nil {
		// The caller still owns the ringing timeout and its ledger record.
		_ = m.finalize(s, termination{reason: calls.EndReasonError, cause: err, skipLedger: true})
		return calls.Session{}, fmt.Errorf("accept call: %w", err)
	}
	m.flush()

	err = m.joinMedia(ctx, s, false)
	snap, _ := m.Snapshot()
	return snap, err
}

// RejectIncoming declines an offered call. No session is created.
func (m *Machine) RejectIncoming(in calls.IncomingCall, reason string) error {
	if reason == "" {
		reason = string(calls.EndReasonRejected)
	}
	therapistID := in.CalleeID
	if therapistID == "" && m.cfg.Local.Role == calls.RoleTherapist {
		therapistID = m.cfg.Local.ID
	}
	err := m.sig.Emit(signaling.EventCallRejected, signaling.CallControl{
		CallID:      in.CallID,
		RoomID:      in.RoomID,
		UserID:      in.CallerID,
		TherapistID: therapistID,
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	return nil
}

func (m *Machine) rejectBusy(in calls.IncomingCall) {
	if err := m.RejectIncoming(in, string(calls.EndReasonBusy)); err != nil {
		m.log.Warn("busy auto-reject not delivered", "call_id", in.CallID, "err", err)
		return
	}
	m.log.Info("incoming call auto-rejected, already in a call", "call_id", in.CallID)
}

// Cancel withdraws an outgoing call that has not been answered yet.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if !s.Outgoing || !ringingOrBefore(s) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()
	return m.finalize(s, termination{
		reason: calls.EndReasonCancelled,
		signal: signaling.EventCancelCall,
		guard:  ringingOrBefore,
	})
}

// HangUp ends the live call from this side. Before the callee answers it is
// the same as Cancel.
func (m *Machine) HangUp() error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	state, outgoing := s.State, s.Outgoing
	m.mu.Unlock()

	switch state {
	case calls.StateInitiating, calls.StateRinging:
		if !outgoing {
			return ErrInvalidState
		}
		return m.Cancel()
	case calls.StateConnecting, calls.StateActive:
		return m.finalize(s, termination{signal: signaling.EventCallEnded, guard: connectingOrActive})
	default:
		// Already ending.
		return nil
	}
}

// RetryMedia joins media again after a recoverable failure such as a
// denied microphone.
func (m *Machine) RetryMedia(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.State != calls.StateConnecting || !s.mediaBlocked {
		m.mu.Unlock()
		return ErrInvalidState
	}
	s.mediaBlocked = false
	s.LastError = ""
	s.connect.arm(m.clock, m.cfg.ConnectTimeout, func(gen uint64) { m.onConnectTimeout(s, gen) })
	m.publishLocked(s)
	m.mu.Unlock()
	m.flush()
	return m.joinMedia(ctx, s, s.Outgoing)
}

func (m *Machine) SetMuted(muted bool) error {
	if m.State() == calls.StateIdle {
		return ErrNoSession
	}
	return m.med.SetMuted(muted)
}

func (m *Machine) SetSpeaker(on bool) error {
	if m.State() == calls.StateIdle {
		return ErrNoSession
	}
	return m.med.SetSpeaker(on)
}

// joinMedia starts the media session for s. A permission failure leaves the
// call in CONNECTING with the connect timer paused so the user can retry;
// any other failure ends the call with reason error.
func (m *Machine) joinMedia(ctx context.Context, s *session, initiator bool) error {
	m.mu.Lock()
	params := media.Params{
		AppID:           m.cfg.MediaAppID,
		AppSecret:       m.cfg.MediaAppSecret,
		ParticipantID:   identity.ParticipantID(string(m.cfg.Local.Role), m.cfg.Local.ID),
		ParticipantName: m.cfg.Local.Name,
		SessionID:       s.SessionID,
		RoomID:          s.RoomID,
		Kind:            s.Kind,
		Initiator:       initiator,
	}
	m.mu.Unlock()

	err := m.med.Join(ctx, params, m.mediaEvents(s))

	m.mu.Lock()
	if m.cur != s || s.finalized {
		m.mu.Unlock()
		if err == nil {
			_ = m.med.Leave(context.Background())
		}
		return err
	}
	if err == nil {
		s.mediaJoined = true
		m.mu.Unlock()
		return nil
	}
	var perm *media.PermissionError
	if errors.As(err, &perm) {
		s.mediaBlocked = true
		s.LastError = err.Error()
		s.connect.stop()
		m.publishLocked(s)
		m.mu.Unlock()
		m.flush()
		m.log.Warn("media permission denied", "session_id", s.SessionID, "device", perm.Device)
		return err
	}
	m.mu.Unlock()

	m.log.Error("media join failed", "session_id", s.SessionID, "err", err)
	_ = m.finalize(s, termination{
		reason: calls.EndReasonError,
		signal: signaling.EventCallEnded,
		cause:  err,
		guard:  connectingOrActive,
	})
	return err
}

// release drops a reserved session that never became visible.
func (m *Machine) release(s *session) {
	m.mu.Lock()
	if m.cur == s {
		m.cur = nil
	}
	m.mu.Unlock()
}

// closeOrphan closes a ledger record created for a call that was cancelled
// before the ledger answered.
func (m *Machine) closeOrphan(callID string, s *session) {
	if callID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LedgerTimeout)
	defer cancel()
	_, err := m.led.EndCall(ctx, callID, ledger.EndRequest{
		EndedBy: string(m.cfg.Local.Role),
		Reason:  string(calls.EndReasonCancelled),
	})
	if err != nil {
		m.metrics.LedgerFailure("end")
		m.log.Error("orphan call not closed", "call_id", callID, "session_id", s.SessionID, "err", err)
	}
}

func ringingOrBefore(s *session) bool {
	return s.State == calls.StateInitiating || s.State == calls.StateRinging
}

func connectingOrActive(s *session) bool {
	return s.State == calls.StateConnecting || s.State == calls.StateActive
}
