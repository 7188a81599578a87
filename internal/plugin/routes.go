package plugin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mcpd/internal/api"
	"mcpd/internal/server"
	"mcpd/internal/status"
)

const maxHistoryLimit = 500

// HistorySource lists reported outcomes, newest first.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]status.Outcome, error)
}

// Routes mounts the read-only lifecycle endpoints. history may be nil when
// no status store is configured.
func (c *Controller) Routes(history HistorySource) server.RouteFunc {
	return func(r gin.IRouter) {
		v1 := r.Group("/api/v1")
		v1.GET("/status", c.handleStatus)
		v1.GET("/status/history", func(ctx *gin.Context) {
			if history == nil {
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "status store not configured"})
				return
			}
			limit := 20
			if v := ctx.Query("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 || n > maxHistoryLimit {
					ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
					return
				}
				limit = n
			}
			outs, err := history.History(ctx.Request.Context(), limit)
			if err != nil {
				ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			resp := api.StatusHistory{Outcomes: make([]api.OutcomeRecord, 0, len(outs))}
			for _, o := range outs {
				resp.Outcomes = append(resp.Outcomes, api.OutcomeRecord{
					AttemptID: o.AttemptID,
					State:     o.State.String(),
					Reason:    o.Reason,
					Address:   o.Address,
					Attempts:  o.Attempts,
					At:        o.At,
				})
			}
			ctx.JSON(http.StatusOK, resp)
		})
	}
}

func (c *Controller) handleStatus(ctx *gin.Context) {
	snap := c.Snapshot()
	resp := api.ServerStatus{
		State:           snap.State.String(),
		Message:         snap.Last.Message(),
		Address:         snap.Address,
		ProbeAddress:    snap.ProbeAddress,
		UptimeSeconds:   int64(snap.Uptime.Seconds()),
		RestartAttempts: snap.RestartAttempts,
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt
		resp.StartedAt = &t
	}
	if !snap.LastCheck.IsZero() {
		t := snap.LastCheck
		resp.LastCheck = &t
	}
	ctx.JSON(http.StatusOK, resp)
}
