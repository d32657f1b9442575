package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"therapy-calls/internal/audit"
	"therapy-calls/internal/auth"
	"therapy-calls/internal/calls"
	"therapy-calls/internal/metrics"
	"therapy-calls/internal/rbac"
	"therapy-calls/internal/wallet"
	"therapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

type initiateRequest struct {
	TherapistID string     `json:"therapistId"`
	CallType    calls.Kind `json:"callType"`
	SessionID   string     `json:"zegoCallId"`
}

// InitiateCall creates the call record for a user calling a therapist.
// It runs behind wallet.RequireCallBalance, which already bound the body.
func (h Handlers) InitiateCall(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req initiateRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.TherapistID = strings.TrimSpace(req.TherapistID)
	if req.TherapistID == "" || req.TherapistID == userID || !req.CallType.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "therapistId and callType required"})
		return
	}

	callID := uuid.NewString()
	if h.Busy != nil {
		ok, err := h.Busy.Acquire(ctx, req.TherapistID, callID)
		if err != nil {
			log.Error("busy check failed", "therapist_id", req.TherapistID, "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "busy check failed"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "therapist busy", "message": calls.EndReasonBusy.Message()})
			return
		}
	}

	now := h.now().UTC()
	rec := calls.Call{
		CallID:      callID,
		RoomID:      "room_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		SessionID:   req.SessionID,
		UserID:      userID,
		TherapistID: req.TherapistID,
		Kind:        req.CallType,
		Status:      calls.CallStatusInitiated,
		CreatedAt:   now,
	}
	if err := h.Calls.Create(ctx, rec); err != nil {
		h.releaseBusy(c, rec)
		log.Error("call create failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call create failed"})
		return
	}

	if h.Push != nil {
		err := h.Push.NotifyIncoming(calls.IncomingCall{
			CallID:            rec.CallID,
			RoomID:            rec.RoomID,
			SessionID:         rec.SessionID,
			CallerID:          userID,
			CallerName:        auth.Name(ctx),
			CalleeID:          rec.TherapistID,
			Kind:              rec.Kind,
			EstimatedEarnings: h.Prices.EarningsPerMinute(rec.Kind),
		})
		if err != nil {
			// Signaling still delivers the call; push only wakes idle devices.
			log.Warn("push notify failed", "call_id", rec.CallID, "err", err)
		}
	}

	log.Info("call initiated", "call_id", rec.CallID, "therapist_id", rec.TherapistID, "kind", rec.Kind)
	c.JSON(http.StatusOK, gin.H{"callId": rec.CallID, "roomId": rec.RoomID})
}

type endRequest struct {
	EndedBy                string `json:"endedBy"`
	Duration               int    `json:"duration"`
	Reason                 string `json:"reason"`
	CostInCoins            int64  `json:"costInCoins"`
	DurationMinutes        int    `json:"durationMinutes"`
	TherapistEarningsCoins int64  `json:"therapistEarningsCoins"`
}

// EndCall settles a finished call. Either party may report; the first report
// fixes the record and later ones replay the same settlement, so a report
// that failed halfway can be completed by the other side.
//
// Cost is recomputed from the server rate card. The client's figures are
// kept for audit only.
func (h Handlers) EndCall(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromGin(c)

	callerID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	callerRole, _ := auth.Role(ctx)

	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Duration < 0 || req.DurationMinutes < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "duration must not be negative"})
		return
	}

	rec, err := h.Calls.Get(ctx, c.Param("callId"))
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	case err != nil:
		log.Error("call lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	if callerID != rec.UserID && callerID != rec.TherapistID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	log = log.With("call_id", rec.CallID)

	duplicate := rec.Ended()
	if !duplicate {
		claimed, err := h.Calls.MarkEnded(ctx, h.closeRecord(rec, req, callerRole), h.now().UTC())
		if err != nil {
			metrics.IncSettlement("failed")
			log.Error("call close failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call close failed"})
			return
		}
		duplicate = !claimed
		// Settle with whatever the winning report stored.
		if rec, err = h.Calls.Get(ctx, rec.CallID); err != nil {
			metrics.IncSettlement("failed")
			log.Error("call reload failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
			return
		}
		if claimed && rec.Status == calls.CallStatusCancelled && callerID == rec.UserID && h.Push != nil {
			// A woken therapist device may still be showing the call.
			if err := h.Push.NotifyCancelled(rec.TherapistID, rec.CallID); err != nil {
				log.Warn("cancel push failed", "err", err)
			}
		}
	}
	h.releaseBusy(c, rec)

	res, err := h.Wallet.SettleCall(ctx, wallet.Settlement{
		CallID:        rec.CallID,
		UserID:        rec.UserID,
		TherapistID:   rec.TherapistID,
		CostMinor:     wallet.CoinsToMinor(rec.CostInCoins),
		EarningsMinor: rec.EarningsMinor,
	})
	if err != nil {
		metrics.IncSettlement("failed")
		log.Error("settlement failed", "err", err, "cost", rec.CostInCoins)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	outcome := "settled"
	if duplicate {
		outcome = "duplicate"
	}
	metrics.IncSettlement(outcome)
	if h.Audit != nil {
		err := h.Audit.LogCallSettled(ctx, callerID, callerRole, c.ClientIP(), audit.CallSettlement{
			CallID:            rec.CallID,
			EndedBy:           rec.EndedBy,
			Reason:            req.Reason,
			DurationSeconds:   rec.DurationSeconds,
			DurationMinutes:   rec.DurationMinutes,
			CostInCoins:       rec.CostInCoins,
			ClientCostInCoins: req.CostInCoins,
			Duplicate:         duplicate,
		})
		if err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}
	if !duplicate && req.CostInCoins != rec.CostInCoins {
		log.Warn("client cost differs from server cost", "client", req.CostInCoins, "server", rec.CostInCoins)
	}
	log.Info("call settled", "status", rec.Status, "minutes", rec.DurationMinutes, "cost", rec.CostInCoins, "duplicate", duplicate)

	if callerID == rec.TherapistID {
		c.JSON(http.StatusOK, gin.H{"newEarnings": res.Therapist.Coins()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"newBalance": res.User.Coins()})
}

// closeRecord prices a report. Only chargeable reasons with connected time
// are billed.
func (h Handlers) closeRecord(rec calls.Call, req endRequest, callerRole string) calls.Call {
	reason := calls.EndReason(strings.ToLower(strings.TrimSpace(req.Reason)))
	connected := req.Duration > 0 || req.DurationMinutes > 0
	bill := h.Prices.Bill(rec.Kind, time.Duration(req.Duration)*time.Second, connected && reason.Chargeable())

	rec.Status = calls.StatusForReason(reason)
	rec.DurationSeconds = bill.DurationSeconds
	rec.DurationMinutes = bill.DurationMinutes
	rec.CostInCoins = bill.CostInCoins
	rec.EarningsMinor = h.Prices.EarningsMinor(rec.Kind, bill.DurationMinutes)
	rec.EndedBy = req.EndedBy
	if !rbac.IsCallParty(rec.EndedBy) {
		rec.EndedBy = callerRole
	}
	return rec
}

func (h Handlers) releaseBusy(c *gin.Context, rec calls.Call) {
	if h.Busy == nil {
		return
	}
	if err := h.Busy.Release(c.Request.Context(), rec.TherapistID, rec.CallID); err != nil {
		logger.FromGin(c).Warn("busy release failed", "therapist_id", rec.TherapistID, "err", err)
	}
}
