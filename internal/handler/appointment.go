package handler

import (
	"net/http"
	"strconv"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/gin-gonic/gin"
)

type appointmentPresenceRequest struct {
	Present *bool `json:"present" binding:"required"`
}

// AppointmentPresence — «я на месте» по запланированной встрече. Флаг
// клиента конвертируется в Join по кейсу встречи, снятие флага — в End.
func (h *LiveHandler) AppointmentPresence(c *gin.Context) {
	apptID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req appointmentPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	res, err := h.appointments.SetPresence(c.Request.Context(), apptID, auth.IdentityFrom(c), *req.Present)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
