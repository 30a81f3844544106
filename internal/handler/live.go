package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/errs"
	"github.com/JBD-GER/sepana-live-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// LiveHandler — HTTP-поверхность координатора подбора.
type LiveHandler struct {
	matching     *service.MatchingService
	presence     *service.PresenceService
	appointments *service.AppointmentService
	resolver     *auth.Resolver
	upgrader     websocket.Upgrader
}

func NewLiveHandler(matching *service.MatchingService, presence *service.PresenceService,
	appointments *service.AppointmentService, resolver *auth.Resolver) *LiveHandler {
	return &LiveHandler{
		matching:     matching,
		presence:     presence,
		appointments: appointments,
		resolver:     resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// источник проверяет reverse-proxy портала
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type joinRequest struct {
	CaseID     uint64 `json:"case_id" binding:"required"`
	GuestToken string `json:"guest_token"`
}

func (h *LiveHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	res, err := h.matching.Join(c.Request.Context(), req.CaseID, auth.IdentityFrom(c), req.GuestToken)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *LiveHandler) Accept(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	res, err := h.matching.Accept(c.Request.Context(), id, auth.IdentityFrom(c))
	if err != nil {
		if errors.Is(err, errs.ErrCredentialIssuance) && res != nil {
			// переход состоялся; вызывающий повторяет только выпуск токена
			c.JSON(http.StatusBadGateway, gin.H{
				"error":  "credential_issuance_failed",
				"detail": "session is matched; retry POST /credentials to obtain media access",
				"ticket": res.Ticket,
			})
			return
		}
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type guestTokenRequest struct {
	GuestToken string `json:"guest_token"`
}

func (h *LiveHandler) Credentials(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	var req guestTokenRequest
	_ = c.ShouldBindJSON(&req)
	cred, err := h.matching.Credentials(c.Request.Context(), id, auth.IdentityFrom(c), req.GuestToken)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": cred})
}

func (h *LiveHandler) End(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	var req guestTokenRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.matching.End(c.Request.Context(), id, auth.IdentityFrom(c), req.GuestToken); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *LiveHandler) Get(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	t, err := h.matching.GetTicket(c.Request.Context(), id, auth.IdentityFrom(c), c.Query("guest_token"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *LiveHandler) CaseSnapshot(c *gin.Context) {
	raw := c.Param("id")
	caseID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	snap, err := h.matching.GetCaseSnapshot(c.Request.Context(), caseID, auth.IdentityFrom(c), c.Query("guest_token"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Watch — push-канал состояния тикета: после подписки клиент сразу получает
// снапшот, затем события изменений (at-least-once; повтор события после
// снапшота — норма). Браузер не умеет ставить заголовки на websocket,
// поэтому JWT принимается и как query-параметр access_token.
func (h *LiveHandler) Watch(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	identity := auth.IdentityFrom(c)
	if identity.IsGuest() {
		if tok := c.Query("access_token"); tok != "" {
			parsed, err := h.resolver.Parse(tok)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			identity = parsed
		}
	}
	guestToken := c.Query("guest_token")

	// подписка до чтения снапшота, чтобы не потерять событие между ними
	ch, cancel := h.matching.Subscribe(id)
	defer cancel()

	ticket, err := h.matching.GetTicket(c.Request.Context(), id, identity, guestToken)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("watch: upgrade ticket %d: %v", id, err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(gin.H{"type": "snapshot", "ticket": ticket}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func ticketID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeServiceError переводит доменные ошибки в HTTP-ответы. Конфликты
// формулируются действием («возьмите другую заявку»), а не общим сбоем.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrCaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
	case errors.Is(err, errs.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
	case errors.Is(err, errs.ErrAppointmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
	case errors.Is(err, errs.ErrTokenMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "token_mismatch"})
	case errors.Is(err, errs.ErrNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, errs.ErrAdvisorBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "busy",
			"detail": "you already have an active session; finish it before accepting another request",
		})
	case errors.Is(err, errs.ErrAlreadyTaken):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "already_taken",
			"detail": "this request was taken by another advisor; pick a different one",
		})
	case errors.Is(err, errs.ErrAdvisorOffline):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "offline",
			"detail": "go online before accepting requests",
		})
	case errors.Is(err, errs.ErrTicketNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "ticket is not active"})
	case errors.Is(err, errs.ErrCredentialIssuance):
		c.JSON(http.StatusBadGateway, gin.H{"error": "credential_issuance_failed"})
	default:
		log.Printf("handler: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
