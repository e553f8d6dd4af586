package producer

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nextranet/intercom/c-plane/internal/models"
)

// GetActiveCalls returns the devices in a call with the operator
func GetActiveCalls(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		calls := b.Registry.ActiveCalls()
		c.JSON(http.StatusOK, gin.H{
			"calls": calls,
			"total": len(calls),
		})
	}
}

// GetCallQueue returns the legs waiting to be answered
func GetCallQueue(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		queue := b.Registry.QueuedCalls()
		c.JSON(http.StatusOK, gin.H{
			"queue": queue,
			"total": len(queue),
		})
	}
}

type postCallRequest struct {
	From          string            `json:"from"`
	To            string            `json:"to" binding:"required"`
	Action        models.CallAction `json:"action"`
	HangUpCurrent bool              `json:"hangUpCurrent"`
}

// PostCall sets up or answers a call. The caller defaults to the operator.
func PostCall(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.From == "" {
			req.From = b.Registry.OperatorDirNo()
		}
		switch req.Action {
		case "", models.CallActionSetup, models.CallActionAnswer:
		default:
			badRequest(c, "action must be setup or answer")
			return
		}

		res, err := b.Calls.PostCall(c.Request.Context(), req.From, req.To, req.Action, req.HangUpCurrent)
		respondResult(c, res, err)
	}
}

// DeleteCall ends the call a dirno takes part in
func DeleteCall(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := b.Calls.DeleteCall(c.Request.Context(), c.Param("dirno"))
		respondResult(c, res, err)
	}
}

// DeleteCalls ends the call given by ?id=, or every call without it
func DeleteCalls(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Query("id"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				badRequest(c, "id must be an integer")
				return
			}
			res, err := b.Calls.DeleteCallByID(c.Request.Context(), id)
			respondResult(c, res, err)
			return
		}

		if err := b.Calls.DeleteAllCalls(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "All calls deleted"})
	}
}
