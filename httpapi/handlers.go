package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/httpapi/response"
	"github.com/marcingurbisz/flowlite-sub000/observer"
	"github.com/marcingurbisz/flowlite-sub000/store"
)

// Handler adapts an *observer.Observer to gin, grounded on the teacher's
// JobHandler: each method does parameter parsing and status-code mapping
// only, delegating all behavior to the observer.
type Handler struct {
	obs *observer.Observer
}

func NewHandler(obs *observer.Observer) *Handler {
	return &Handler{obs: obs}
}

// GET /flows
func (h *Handler) ListFlows(c *gin.Context) {
	flows, err := h.obs.ListFlows(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"flows": flows})
}

// GET /flows/:flowId/instances?bucket=active|error|completed
func (h *Handler) ListInstances(c *gin.Context) {
	flowID := c.Param("flowId")
	bucket := store.Bucket(c.Query("bucket"))
	instances, err := h.obs.ListInstances(c.Request.Context(), flowID, bucket)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"instances": instances})
}

// GET /flows/:flowId/errors
func (h *Handler) ListErrorGroups(c *gin.Context) {
	groups, err := h.obs.ListErrorGroups(c.Request.Context(), c.Param("flowId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"errorGroups": groups})
}

// GET /flows/:flowId/instances/:instanceId/timeline
func (h *Handler) Timeline(c *gin.Context) {
	entries, err := h.obs.Timeline(c.Request.Context(), c.Param("flowId"), c.Param("instanceId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"timeline": entries})
}

// POST /flows/:flowId/instances/:instanceId/retry
func (h *Handler) Retry(c *gin.Context) {
	if err := h.obs.Retry(c.Request.Context(), c.Param("flowId"), c.Param("instanceId")); err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// POST /flows/:flowId/instances/:instanceId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	if err := h.obs.Cancel(c.Request.Context(), c.Param("flowId"), c.Param("instanceId")); err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

type changeStageRequest struct {
	Stage string `json:"stage" binding:"required"`
}

// POST /flows/:flowId/instances/:instanceId/change-stage
func (h *Handler) ChangeStage(c *gin.Context) {
	var req changeStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.obs.ChangeStage(c.Request.Context(), c.Param("flowId"), c.Param("instanceId"), flow.StageID(req.Stage))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

type sendEventRequest struct {
	Event string `json:"event" binding:"required"`
}

// POST /flows/:flowId/instances/:instanceId/events
func (h *Handler) SendEvent(c *gin.Context) {
	var req sendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.obs.SendEvent(c.Request.Context(), c.Param("flowId"), c.Param("instanceId"), flow.EventID(req.Event))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// respondErr maps the store package's typed errors to HTTP status codes,
// the way the teacher's handlers pattern-match on error text but using
// errors.As against FlowLite's typed errors instead.
func respondErr(c *gin.Context, err error) {
	var notFound *store.ErrNotFound
	var unknownFlow *store.ErrUnknownFlow
	var invalidOp *store.ErrInvalidOperation
	var conflict *store.ErrConflict
	var validation *flow.ValidationError

	switch {
	case errors.As(err, &notFound), errors.As(err, &unknownFlow):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.As(err, &invalidOp), errors.As(err, &conflict):
		response.RespondError(c, http.StatusConflict, "invalid_operation", err)
	case errors.As(err, &validation):
		response.RespondError(c, http.StatusBadRequest, "validation_error", err)
	default:
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
