package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/eventlog"
	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/statistics"
	"github.com/ambetz/vipgate/pkg/logctx"
	"github.com/ambetz/vipgate/pkg/response"
)

const recentFailureLimit = 50

// RegisterAdminRoutes mounts the operator surface: a manual expiry sweep,
// subscription statistics and the webhook failures needing manual
// reconciliation.
func RegisterAdminRoutes(r gin.IRouter, lc *lifecycle.Service, stats *statistics.Service, audit *eventlog.Service, log *zap.SugaredLogger) {
	r.POST("/sweep", func(c *gin.Context) {
		reqLog := logctx.FromGin(c, log)
		res, err := lc.SweepExpired(c.Request.Context())
		if err != nil {
			reqLog.Errorw("manual sweep failed", "error", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, gin.H{}))
			return
		}
		stats.RecordSweep(res)
		c.JSON(http.StatusOK, response.OKT(res))
	})

	r.GET("/statistics", func(c *gin.Context) {
		ov, err := stats.Overview(c.Request.Context())
		if err != nil {
			logctx.FromGin(c, log).Errorw("failed to build statistics", "error", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, gin.H{}))
			return
		}
		c.JSON(http.StatusOK, response.OKT(ov))
	})

	r.GET("/webhook-failures", func(c *gin.Context) {
		rows, err := audit.RecentFailures(c.Request.Context(), recentFailureLimit)
		if err != nil {
			logctx.FromGin(c, log).Errorw("failed to list webhook failures", "error", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, gin.H{}))
			return
		}
		c.JSON(http.StatusOK, response.OKT(rows))
	})
}
