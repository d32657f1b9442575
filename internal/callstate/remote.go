package callstate

import (
	"context"
	"errors"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/media"
	"therapy-calls/internal/signaling"
)

// sameCall reports whether a call-control payload refers to s. Payloads
// without a call id (call-timeout, user-busy) match the live call.
func sameCall(s *session, cc signaling.CallControl) bool {
	return cc.CallID == "" || s.BackendCallID == "" || cc.CallID == s.BackendCallID
}

// live returns the current session if it matches cc and is not finalized.
func (m *Machine) live(cc signaling.CallControl) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cur
	if s == nil || s.finalized || !sameCall(s, cc) {
		return nil
	}
	return s
}

// RemoteAccepted handles call-accepted: RINGING to CONNECTING, then media.
func (m *Machine) RemoteAccepted(ctx context.Context, cc signaling.CallControl) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.finalized || !s.Outgoing || s.State != calls.StateRinging || !sameCall(s, cc) {
		m.mu.Unlock()
		return
	}
	s.ring.stop()
	s.State = calls.StateConnecting
	s.connect.arm(m.clock, m.cfg.ConnectTimeout, func(gen uint64) { m.onConnectTimeout(s, gen) })
	m.publishLocked(s)
	m.mu.Unlock()
	m.flush()

	_ = m.joinMedia(ctx, s, true)
}

// RemoteRejected handles call-rejected. A busy reason ends as BUSY.
func (m *Machine) RemoteRejected(cc signaling.CallControl) {
	s := m.live(cc)
	if s == nil {
		return
	}
	reason := calls.EndReasonRejected
	if cc.Reason == string(calls.EndReasonBusy) {
		reason = calls.EndReasonBusy
	}
	_ = m.finalize(s, termination{reason: reason, remote: true, guard: outgoingRinging})
}

// RemoteTimeout handles call-timeout from the other side.
func (m *Machine) RemoteTimeout(cc signaling.CallControl) {
	if s := m.live(cc); s != nil {
		_ = m.finalize(s, termination{
			reason: calls.EndReasonTimeout,
			remote: true,
			guard: func(s *session) bool {
				return s.State == calls.StateRinging || s.State == calls.StateConnecting
			},
		})
	}
}

// RemoteCancelled handles call-cancelled on the callee. The caller owns the
// ledger record, so nothing is billed here.
func (m *Machine) RemoteCancelled(cc signaling.CallControl) {
	if s := m.live(cc); s != nil {
		_ = m.finalize(s, termination{
			reason:     calls.EndReasonCancelled,
			remote:     true,
			skipLedger: true,
			guard: func(s *session) bool {
				return !s.Outgoing && s.ActiveSince == nil
			},
		})
	}
}

// RemoteBusy handles user-busy and call-busy.
func (m *Machine) RemoteBusy(cc signaling.CallControl) {
	if s := m.live(cc); s != nil {
		_ = m.finalize(s, termination{reason: calls.EndReasonBusy, remote: true, guard: outgoingRinging})
	}
}

// RemoteOffline handles user-offline.
func (m *Machine) RemoteOffline(cc signaling.CallControl) {
	if s := m.live(cc); s != nil {
		_ = m.finalize(s, termination{reason: calls.EndReasonOffline, remote: true, guard: outgoingRinging})
	}
}

// RemoteEnded handles call-ended. Any balance carried by the event is applied.
func (m *Machine) RemoteEnded(cc signaling.CallControl) {
	s := m.live(cc)
	if s == nil {
		if cc.NewBalance != nil {
			m.SetBalance(*cc.NewBalance)
		}
		return
	}
	_ = m.finalize(s, termination{remote: true, newBalance: cc.NewBalance})
}

func outgoingRinging(s *session) bool {
	return s.Outgoing && s.State == calls.StateRinging
}

func (m *Machine) onRingTimeout(s *session, gen uint64) {
	_ = m.finalize(s, termination{
		reason: calls.EndReasonTimeout,
		signal: signaling.EventCallTimeout,
		guard: func(s *session) bool {
			return s.State == calls.StateRinging && s.ring.current(gen)
		},
	})
}

func (m *Machine) onConnectTimeout(s *session, gen uint64) {
	_ = m.finalize(s, termination{
		reason: calls.EndReasonTimeout,
		signal: signaling.EventCallEnded,
		guard: func(s *session) bool {
			return s.State == calls.StateConnecting && s.connect.current(gen)
		},
	})
}

func (m *Machine) onGraceElapsed(s *session, gen uint64) {
	_ = m.finalize(s, termination{
		reason: calls.EndReasonCompleted,
		signal: signaling.EventCallEnded,
		guard: func(s *session) bool {
			return s.State == calls.StateActive && s.grace.current(gen)
		},
	})
}

func (m *Machine) mediaEvents(s *session) media.Events {
	return media.Events{
		OnRemoteJoin:  func(n int) { m.onRemoteJoin(s, n) },
		OnRemoteLeave: func(n int) { m.onRemoteLeave(s, n) },
		OnConnectionStateChange: func(state media.ConnectionState) {
			m.log.Debug("media connection state", "session_id", s.SessionID, "state", string(state))
		},
		OnError: func(err error) { m.onMediaError(s, err) },
	}
}

// onRemoteJoin: the first remote participant in CONNECTING starts billing.
// A rejoin during the leave grace period keeps the call going.
func (m *Machine) onRemoteJoin(s *session, remote int) {
	if remote < 1 {
		return
	}
	m.mu.Lock()
	if m.cur != s || s.finalized {
		m.mu.Unlock()
		return
	}
	s.grace.stop()
	if s.State != calls.StateConnecting {
		m.mu.Unlock()
		return
	}
	s.connect.stop()
	now := m.clock.Now()
	s.ActiveSince = &now
	s.State = calls.StateActive
	s.LastError = ""
	m.publishLocked(s)
	m.mu.Unlock()
	m.flush()
	m.log.Info("call active", "session_id", s.SessionID)
}

func (m *Machine) onRemoteLeave(s *session, remaining int) {
	if remaining > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s || s.finalized || s.State != calls.StateActive || s.grace.armed() {
		return
	}
	s.grace.arm(m.clock, m.cfg.LeaveGrace, func(gen uint64) { m.onGraceElapsed(s, gen) })
}

func (m *Machine) onMediaError(s *session, err error) {
	var remote *media.RemoteEndedError
	if errors.As(err, &remote) {
		_ = m.finalize(s, termination{reason: remote.Reason, remote: true})
		return
	}

	var perm *media.PermissionError
	if errors.As(err, &perm) {
		m.mu.Lock()
		if m.cur == s && !s.finalized && s.State == calls.StateConnecting {
			s.mediaBlocked = true
			s.LastError = err.Error()
			s.connect.stop()
			m.publishLocked(s)
		}
		m.mu.Unlock()
		m.flush()
		return
	}

	m.log.Error("media error", "session_id", s.SessionID, "err", err)
	_ = m.finalize(s, termination{
		reason: calls.EndReasonError,
		signal: signaling.EventCallEnded,
		cause:  err,
		guard:  connectingOrActive,
	})
}
