package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"therapy-calls/internal/audit"
	"therapy-calls/internal/auth"
	"therapy-calls/internal/calls"
	"therapy-calls/internal/rbac"
	"therapy-calls/internal/reporting"
	"therapy-calls/internal/wallet"
	"therapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallStore
	Wallet  Wallets
	Prices  Prices
	Busy    BusyCap
	Push    Notifier
	Audit   AuditLog
	Reports *reporting.Service

	// Now is injectable for tests.
	Now func() time.Time
}

type CallStore interface {
	Create(ctx context.Context, c calls.Call) error
	Get(ctx context.Context, callID string) (calls.Call, error)
	MarkEnded(ctx context.Context, c calls.Call, now time.Time) (bool, error)
}

type Wallets interface {
	GetBalance(ctx context.Context, ownerID string) (wallet.Balance, error)
	SettleCall(ctx context.Context, st wallet.Settlement) (wallet.SettlementResult, error)
	AdminTopUp(ctx context.Context, ownerID, ownerRole, adminUserID string, req wallet.TopUpRequest) (wallet.AdminWalletAction, wallet.Balance, error)
}

type Prices interface {
	MinimumCharge(kind calls.Kind) int64
	Bill(kind calls.Kind, activeFor time.Duration, reachedActive bool) calls.BillingResult
	EarningsMinor(kind calls.Kind, minutes int) int64
	EarningsPerMinute(kind calls.Kind) float64
}

// BusyCap bounds live calls per therapist. Holders are call ids.
type BusyCap interface {
	Acquire(ctx context.Context, key, holder string) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// Notifier wakes the callee's device. Optional.
type Notifier interface {
	NotifyIncoming(in calls.IncomingCall) error
	NotifyCancelled(calleeID, callID string) error
}

type AuditLog interface {
	LogCallSettled(ctx context.Context, actorUserID, actorRole, ip string, st audit.CallSettlement) error
	LogAdminTopUp(ctx context.Context, adminUserID, ip, walletOwner, reason string, amountMinor int64) error
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), auth.Identity{UserID: req.UserID, Name: req.Name, Role: req.Role})
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Wallet ---

// Balance returns the caller's coin balance. A caller without a wallet has
// zero coins.
func (h Handlers) Balance(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), userID)
	switch {
	case errors.Is(err, wallet.ErrNotFound):
		bal = wallet.Balance{OwnerID: userID}
	case err != nil:
		logger.FromGin(c).Error("balance lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coinBalance": bal.Coins()})
}

type topUpRequest struct {
	OwnerRole      string `json:"owner_role"`
	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// AdminTopUp credits a user's or therapist's wallet by hand.
// RBAC: admin.
func (h Handlers) AdminTopUp(c *gin.Context) {
	adminUserID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	ownerID := c.Param("owner_id")

	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !rbac.IsCallParty(req.OwnerRole) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_role must be user or therapist"})
		return
	}

	action, bal, err := h.Wallet.AdminTopUp(c.Request.Context(), ownerID, req.OwnerRole, adminUserID, wallet.TopUpRequest{
		AmountMinor:    req.AmountMinor,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	switch {
	case errors.Is(err, wallet.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "amount_minor, reason and idempotency_key required"})
		return
	case err != nil:
		logger.FromGin(c).Error("top-up failed", "owner_id", ownerID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "top-up failed"})
		return
	}

	// A replayed idempotency key returns no new action.
	if action.ID != "" && h.Audit != nil {
		if err := h.Audit.LogAdminTopUp(c.Request.Context(), adminUserID, c.ClientIP(), ownerID, req.Reason, req.AmountMinor); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.Coins(), "applied": action.ID != ""})
}
