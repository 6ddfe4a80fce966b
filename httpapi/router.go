// Package httpapi wraps package observer in a gin.Engine: the reference
// cockpit surface over FlowLite's four-query/four-mutation interface.
// Grounded on the teacher's internal/http/router.go + internal/http/server.go
// shape. This HTTP surface is a reference observer only, not part of the
// embeddable core's contract.
package httpapi

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin.Engine exposing obs's handlers under /flows.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.Default()
	r.Use(traceContext())

	flows := r.Group("/flows")
	{
		flows.GET("", h.ListFlows)
		flows.GET("/:flowId/instances", h.ListInstances)
		flows.GET("/:flowId/errors", h.ListErrorGroups)
		flows.GET("/:flowId/instances/:instanceId/timeline", h.Timeline)
		flows.POST("/:flowId/instances/:instanceId/retry", h.Retry)
		flows.POST("/:flowId/instances/:instanceId/cancel", h.Cancel)
		flows.POST("/:flowId/instances/:instanceId/change-stage", h.ChangeStage)
		flows.POST("/:flowId/instances/:instanceId/events", h.SendEvent)
	}
	return r
}
