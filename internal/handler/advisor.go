package handler

import (
	"net/http"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/gin-gonic/gin"
)

type setPresenceRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// SetPresence — консультант объявляет себя онлайн/оффлайн. Уход в оффлайн
// не завершает идущую сессию: присутствие и занятость независимы.
func (h *LiveHandler) SetPresence(c *gin.Context) {
	var req setPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id := auth.IdentityFrom(c)
	if err := h.presence.SetOnline(c.Request.Context(), id.UserID, *req.Online); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Staffing — снимок укомплектованности для панели консультанта.
func (h *LiveHandler) Staffing(c *gin.Context) {
	online, available, err := h.presence.Snapshot(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"online_count":    online,
		"available_count": available,
	})
}
