package callstate

import (
	"context"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/ledger"
)

// termination describes one trigger that wants to end the session.
type termination struct {
	// reason is the end reason; empty means completed when the call reached
	// ACTIVE and cancelled otherwise.
	reason calls.EndReason
	// signal is emitted so the counterpart leaves its own state machine.
	// Remote-driven endings leave it empty.
	signal string
	// remote is true when the counterpart ended the call.
	remote bool
	// skipLedger leaves reconciliation to the other party.
	skipLedger bool
	cause      error
	newBalance *float64
	// guard must hold, under the lock, for the trigger to win.
	guard func(*session) bool
}

// finalize moves s through ENDING to ENDED and reports billing to the ledger.
// Only the first trigger does any work; later or stale triggers are no-ops.
// The returned error is a *ReconciliationError when the ledger could not be
// reached; the call has ended locally regardless.
func (m *Machine) finalize(s *session, t termination) error {
	m.mu.Lock()
	if m.cur != s || s.finalized || (t.guard != nil && !t.guard(s)) {
		m.mu.Unlock()
		return nil
	}
	s.finalized = true
	s.ring.stop()
	s.connect.stop()
	s.grace.stop()

	prev := s.State
	now := m.clock.Now()
	var activeFor time.Duration
	if s.ActiveSince != nil {
		activeFor = now.Sub(*s.ActiveSince)
	}
	bill := m.prices.Bill(s.Kind, activeFor, s.ActiveSince != nil)

	reason := t.reason
	if reason == "" {
		reason = calls.EndReasonCancelled
		if s.ActiveSince != nil {
			reason = calls.EndReasonCompleted
		}
	}
	s.State = calls.StateEnding
	s.EndReason = reason
	s.Billing = &bill
	s.FinalizedAt = &now
	if t.cause != nil {
		s.LastError = t.cause.Error()
	}
	joined := s.mediaJoined
	s.mediaJoined = false
	callID, kind := s.BackendCallID, s.Kind
	payload := m.controlLocked(s)
	payload.Reason = string(reason)
	payload.Duration = bill.DurationSeconds
	m.publishLocked(s)
	m.mu.Unlock()
	m.flush()

	log := m.log.With("session_id", s.SessionID, "call_id", callID)

	// A session still INITIATING never reached the counterpart.
	if t.signal != "" && prev != calls.StateInitiating {
		s.sigMu.Lock()
		err := m.sig.Emit(t.signal, payload)
		s.sigMu.Unlock()
		if err != nil {
			log.Warn("termination signal not delivered", "event", t.signal, "err", err)
		}
	}
	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LedgerTimeout)
		if err := m.med.Leave(ctx); err != nil {
			log.Warn("media leave failed", "err", err)
		}
		cancel()
	}

	var (
		resp   ledger.EndResponse
		recErr error
	)
	if callID != "" && !t.skipLedger {
		endedBy := m.cfg.Local.Role
		if t.remote {
			endedBy = endedBy.Counterpart()
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LedgerTimeout)
		var err error
		resp, err = m.led.EndCall(ctx, callID, ledger.EndRequest{
			EndedBy:                string(endedBy),
			Duration:               bill.DurationSeconds,
			Reason:                 string(reason),
			CostInCoins:            bill.CostInCoins,
			DurationMinutes:        bill.DurationMinutes,
			TherapistEarningsCoins: bill.CounterpartEarningsCoins,
		})
		cancel()
		if err != nil {
			recErr = &ReconciliationError{CallID: callID, Err: err}
			m.metrics.LedgerFailure("end")
			log.Error("call billing not reconciled", "err", err, "cost", bill.CostInCoins)
		}
	}

	m.mu.Lock()
	if t.newBalance != nil {
		m.balance, m.balanceKnown = *t.newBalance, true
	}
	if resp.NewBalance != nil {
		m.balance, m.balanceKnown = *resp.NewBalance, true
	}
	if resp.NewEarnings != nil {
		m.earnings = *resp.NewEarnings
	}
	if recErr != nil {
		s.LastError = recErr.Error()
	}
	s.State = calls.StateEnded
	m.publishLocked(s)
	m.cur = nil
	m.mu.Unlock()
	m.flush()

	m.metrics.SessionFinalized(kind, reason, bill)
	log.Info("call finalized",
		"reason", string(reason),
		"duration_s", bill.DurationSeconds,
		"minutes", bill.DurationMinutes,
		"cost", bill.CostInCoins,
	)
	return recErr
}
