package model

import "time"

type TicketStatus string

const (
	TicketStatusWaiting   TicketStatus = "waiting"
	TicketStatusActive    TicketStatus = "active"
	TicketStatusEnded     TicketStatus = "ended"
	TicketStatusCancelled TicketStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным (тикет больше не «живой»).
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusEnded || s == TicketStatusCancelled
}

// LiveStatuses — статусы, в которых тикет считается живым. Частичный
// уникальный индекс в БД допускает не более одного живого тикета на кейс.
var LiveStatuses = []TicketStatus{TicketStatusWaiting, TicketStatusActive}

// Ticket — запись очереди: одна попытка получить живую консультацию по кейсу.
// Тикеты никогда не удаляются; история кейса определяется статусом.
// GuestToken не сериализуется в JSON: он возвращается отдельным полем и
// только предъявителю гостевого пути.
type Ticket struct {
	ID         uint64       `gorm:"primaryKey" json:"id"`
	CaseID     uint64       `gorm:"index;not null" json:"case_id"`
	CustomerID *string      `gorm:"index" json:"customer_id,omitempty"`
	GuestToken *string      `json:"-"`
	AdvisorID  *string      `gorm:"index" json:"advisor_id,omitempty"`
	Status     TicketStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	RoomName   string       `gorm:"type:varchar(64)" json:"room_name,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (Ticket) TableName() string { return "tickets" }

// LoanCase — минимальная проекция кейса: сервису нужны только принадлежность
// клиенту и статус, остальной workflow кейса живёт в портале.
type LoanCase struct {
	ID         uint64 `gorm:"primaryKey" json:"id"`
	CustomerID string `gorm:"index;not null" json:"customer_id"`
	Status     string `gorm:"type:varchar(32);not null" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LoanCase) TableName() string { return "loan_cases" }

// AdvisorPresence — самообъявленный флаг «онлайн». Занятость не хранится:
// она выводится из наличия активного тикета консультанта.
type AdvisorPresence struct {
	AdvisorID string    `gorm:"primaryKey" json:"advisor_id"`
	IsOnline  bool      `gorm:"not null" json:"is_online"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AdvisorPresence) TableName() string { return "advisor_presence" }

// Appointment — запланированная встреча. Флаги присутствия сторон независимы;
// присутствие клиента переводит встречу в обычный тикет очереди.
type Appointment struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	CaseID      uint64    `gorm:"index;not null" json:"case_id"`
	CustomerID  string    `gorm:"index;not null" json:"customer_id"`
	AdvisorID   string    `gorm:"index;not null" json:"advisor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`

	AdvisorPresent    bool       `gorm:"not null;default:false" json:"advisor_present"`
	AdvisorPresentAt  *time.Time `json:"advisor_present_at,omitempty"`
	CustomerPresent   bool       `gorm:"not null;default:false" json:"customer_present"`
	CustomerPresentAt *time.Time `json:"customer_present_at,omitempty"`

	TicketID *uint64 `json:"ticket_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Appointment) TableName() string { return "appointments" }
