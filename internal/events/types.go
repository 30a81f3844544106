package events

import "time"

// Типы событий жизненного цикла тикета. Доставка подписчикам — не реже
// одного раза; получатели обязаны обрабатывать повторы идемпотентно.
const (
	TicketCreated   = "ticket.created"
	TicketMatched   = "ticket.matched"
	TicketEnded     = "ticket.ended"
	TicketCancelled = "ticket.cancelled"
)

// TicketEvent — изменение состояния тикета, публикуемое координатором
// подбора. Ключуется по тикету и кейсу, чтобы подписчик любой из сторон
// мог отфильтровать свои.
type TicketEvent struct {
	Type       string    `json:"type"`
	TicketID   uint64    `json:"ticket_id"`
	CaseID     uint64    `json:"case_id"`
	Status     string    `json:"status"`
	AdvisorID  string    `json:"advisor_id,omitempty"`
	RoomName   string    `json:"room_name,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
