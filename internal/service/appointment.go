package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/errs"
	"github.com/JBD-GER/sepana-live-service/internal/model"
	"gorm.io/gorm"
)

// AppointmentService — вторая точка входа в очередь: запланированная встреча.
// Когда клиент отмечает «я на месте», встреча проходит через тот же Join и
// те же инварианты, что и разовая заявка; снятие флага завершает тикет.
type AppointmentService struct {
	db       *gorm.DB
	matching *MatchingService
}

func NewAppointmentService(db *gorm.DB, matching *MatchingService) *AppointmentService {
	return &AppointmentService{db: db, matching: matching}
}

// PresenceResult — встреча после переключения флага; Join заполняется,
// когда присутствие клиента создало или вернуло тикет.
type PresenceResult struct {
	Appointment *model.Appointment `json:"appointment"`
	Join        *JoinResult        `json:"join,omitempty"`
}

// SetPresence переключает флаг присутствия вызывающей стороны.
func (s *AppointmentService) SetPresence(ctx context.Context, appointmentID uint64, id auth.Identity, present bool) (*PresenceResult, error) {
	if id.IsGuest() {
		return nil, errs.ErrNotAllowed
	}
	var appt model.Appointment
	if err := s.db.WithContext(ctx).First(&appt, appointmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("load appointment %d: %w", appointmentID, err)
	}

	now := time.Now()
	switch id.Role {
	case auth.RoleAdvisor:
		if appt.AdvisorID != id.UserID {
			return nil, errs.ErrNotAllowed
		}
		appt.AdvisorPresent = present
		if present {
			appt.AdvisorPresentAt = &now
		}
		if err := s.save(ctx, &appt); err != nil {
			return nil, err
		}
		return &PresenceResult{Appointment: &appt}, nil

	case auth.RoleCustomer:
		if appt.CustomerID != id.UserID {
			return nil, errs.ErrNotAllowed
		}
		appt.CustomerPresent = present
		if present {
			appt.CustomerPresentAt = &now
		}

		var join *JoinResult
		if present {
			res, err := s.matching.Join(ctx, appt.CaseID, id, "")
			if err != nil {
				return nil, fmt.Errorf("join via appointment %d: %w", appt.ID, err)
			}
			join = res
			tid := res.Ticket.ID
			appt.TicketID = &tid
		} else if appt.TicketID != nil {
			if err := s.matching.End(ctx, *appt.TicketID, id, ""); err != nil &&
				!errors.Is(err, errs.ErrTicketNotFound) {
				return nil, fmt.Errorf("end ticket via appointment %d: %w", appt.ID, err)
			}
		}
		if err := s.save(ctx, &appt); err != nil {
			return nil, err
		}
		return &PresenceResult{Appointment: &appt, Join: join}, nil
	}
	return nil, errs.ErrNotAllowed
}

func (s *AppointmentService) save(ctx context.Context, appt *model.Appointment) error {
	if err := s.db.WithContext(ctx).Save(appt).Error; err != nil {
		return fmt.Errorf("save appointment %d: %w", appt.ID, err)
	}
	return nil
}
