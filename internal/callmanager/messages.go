package callmanager

import (
	"errors"

	"therapy-calls/internal/callstate"
	"therapy-calls/internal/media"
	"therapy-calls/internal/signaling"
)

// Message turns an error from the machine into text fit for the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		outcome *callstate.RemoteOutcomeError
		perm    *media.PermissionError
		cfg     *media.ConfigError
	)
	switch {
	case errors.As(err, &outcome):
		return outcome.Error()
	case errors.Is(err, callstate.ErrInsufficientBalance):
		return "Insufficient balance. Please add coins to make a call."
	case errors.Is(err, callstate.ErrCallInProgress):
		return "You are already in a call."
	case errors.Is(err, callstate.ErrNotConnected), errors.Is(err, signaling.ErrNotConnected):
		return "Not connected to the call service. Please check your connection."
	case errors.Is(err, callstate.ErrMediaNotReady):
		return "Call service is not ready. Please try again."
	case errors.Is(err, callstate.ErrNoSession):
		return "There is no call to act on."
	case errors.As(err, &perm):
		return "Allow " + perm.Device + " access to continue the call."
	case errors.As(err, &cfg):
		return "Call setup failed: " + cfg.Reason
	case callstate.Classify(err) == callstate.CategoryLedgerReconciliation:
		return "The call ended but billing could not be confirmed. Your balance will update shortly."
	default:
		return err.Error()
	}
}
