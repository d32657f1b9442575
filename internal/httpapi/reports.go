package httpapi

import (
	"errors"
	"net/http"
	"time"

	"therapy-calls/internal/auth"
	"therapy-calls/internal/rbac"
	"therapy-calls/internal/reporting"
	"therapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallsReport summarizes the caller's calls. Admins may pass ?participant_id=.
// Range defaults to the last 30 days.
func (h Handlers) CallsReport(c *gin.Context) {
	subject, rng, ok := h.reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{ParticipantID: subject, Range: rng})
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// LedgerReport summarizes the caller's wallet movements.
func (h Handlers) LedgerReport(c *gin.Context) {
	subject, rng, ok := h.reportScope(c)
	if !ok {
		return
	}
	out, err := h.Reports.LedgerSummary(c.Request.Context(), reporting.LedgerSummaryRequest{OwnerID: subject, Range: rng})
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) reportScope(c *gin.Context) (string, reporting.TimeRange, bool) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return "", reporting.TimeRange{}, false
	}
	ctx := c.Request.Context()
	subject, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", reporting.TimeRange{}, false
	}
	if role, _ := auth.Role(ctx); rbac.IsAdmin(role) && c.Query("participant_id") != "" {
		subject = c.Query("participant_id")
	}

	rng := reporting.TimeRange{To: h.now().UTC()}
	rng.From = rng.To.Add(-30 * 24 * time.Hour)
	for param, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": param + " must be RFC3339"})
			return "", reporting.TimeRange{}, false
		}
		*dst = t
	}
	return subject, rng, true
}

func (h Handlers) reportError(c *gin.Context, err error) {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	logger.FromGin(c).Error("report failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
}
