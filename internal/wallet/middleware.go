package wallet

import (
	"context"
	"errors"
	"net/http"

	"therapy-calls/internal/auth"
	"therapy-calls/internal/calls"
	"therapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, ownerID string) (Balance, error)
}

// MinimumCharger prices the smallest billable call of a kind, in coins.
type MinimumCharger interface {
	MinimumCharge(kind calls.Kind) int64
}

type callKindBody struct {
	CallType calls.Kind `json:"callType"`
}

// RequireCallBalance refuses to start a call the caller cannot pay the
// minimum charge for. It reads callType from the JSON body with
// ShouldBindBodyWith, so handlers after it must bind the same way.
func RequireCallBalance(svc BalanceService, prices MinimumCharger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		var body callKindBody
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if !body.CallType.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callType must be voice or video"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		switch {
		case errors.Is(err, ErrNotFound):
			bal = Balance{OwnerID: userID}
		case err != nil:
			logger.FromGin(c).Error("balance lookup failed", "user_id", userID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}

		need := CoinsToMinor(prices.MinimumCharge(body.CallType))
		if bal.BalanceMinor < need {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient balance",
				"balance": bal.Coins(),
			})
			return
		}

		c.Next()
	}
}
