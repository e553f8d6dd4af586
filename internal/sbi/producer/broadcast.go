package producer

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nextranet/intercom/c-plane/internal/models"
)

// GetGroups returns the group list, fetching it when ?refresh=true or when
// nothing is cached yet
func GetGroups(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		groups := b.Registry.Groups()
		if c.Query("refresh") == "true" || len(groups) == 0 {
			fresh, err := b.Broadcasting.RetrieveGroups(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			groups = fresh
		}
		c.JSON(http.StatusOK, gin.H{"groups": groups, "total": len(groups)})
	}
}

// GetAudioMessages returns the stored audio messages, fetching them when
// ?refresh=true or when nothing is cached yet
func GetAudioMessages(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs := b.Registry.AudioMessages()
		if c.Query("refresh") == "true" || len(msgs) == 0 {
			fresh, err := b.Broadcasting.RetrieveAudioMessages(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			msgs = fresh
		}
		c.JSON(http.StatusOK, gin.H{"audioMessages": msgs, "total": len(msgs)})
	}
}

type playRequest struct {
	Message string `json:"message" binding:"required"`
	Target  string `json:"target" binding:"required"`
	Repeat  int    `json:"repeat"`
}

// PlayAudioMessage starts playing a stored message to a target dirno
func PlayAudioMessage(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req playRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		var msg *models.AudioMessage
		for _, m := range b.Registry.AudioMessages() {
			if m.DirNo == req.Message {
				msg = m
				break
			}
		}
		if msg == nil {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   http.StatusText(http.StatusNotFound),
				Message: "unknown audio message " + req.Message,
			})
			return
		}

		if err := b.Broadcasting.PlayAudioMessage(c.Request.Context(), msg, req.Target, req.Repeat); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"playing": true, "message": msg})
	}
}

// StopAudioMessage cancels the current playback
func StopAudioMessage(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stopped": b.Broadcasting.StopAudioMessage()})
	}
}

// GetForwardingRules returns the cached forwarding rules, retrieving them
// with ?refresh=true
func GetForwardingRules(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		rules := b.Registry.ForwardingRules()
		if c.Query("refresh") == "true" {
			fresh, err := b.Forwarding.RetrieveRules(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			rules = fresh
		}
		c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
	}
}

// SetForwardingRules adds or updates forwarding rules
func SetForwardingRules(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rules []*models.CallForwardingRule
		if err := c.ShouldBindJSON(&rules); err != nil {
			badRequest(c, err.Error())
			return
		}
		updated, err := b.Forwarding.AddOrUpdateRules(c.Request.Context(), rules)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rules": updated, "total": len(updated)})
	}
}

// DeleteForwardingRule removes the rule given by ?dirno=&fwd_type=
func DeleteForwardingRule(b *Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := b.Forwarding.DeleteRule(c.Request.Context(),
			c.Query("dirno"), models.ForwardingType(c.Query("fwd_type")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rules": updated, "total": len(updated)})
	}
}
