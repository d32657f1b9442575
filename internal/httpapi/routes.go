package httpapi

import (
	"therapy-calls/internal/auth"
	"therapy-calls/internal/rbac"
	"therapy-calls/internal/wallet"

	"github.com/gin-gonic/gin"
)

// Register mounts the ledger REST surface. Call endpoints are unversioned
// because deployed clients post to /call/... directly.
func Register(r gin.IRouter, h Handlers) {
	authMW := auth.RequireAccessToken(h.Auth)

	r.POST("/v1/auth/login", h.Login)

	party := r.Group("/")
	party.Use(authMW, rbac.RequireCallParty())
	{
		party.POST("/call/initiate",
			rbac.RequireAnyRole(rbac.RoleUser),
			wallet.RequireCallBalance(h.Wallet, h.Prices),
			h.InitiateCall,
		)
		party.POST("/call/end/:callId", h.EndCall)
		party.GET("/user/balance", h.Balance)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		reports := v1.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleUser, rbac.RoleTherapist))
		{
			reports.GET("/calls", h.CallsReport)
			reports.GET("/ledger", h.LedgerReport)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/wallets/:owner_id/top-up", h.AdminTopUp)
		}
	}
}
