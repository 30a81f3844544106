package service

import (
	"context"
	"errors"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceService отслеживает, кто из консультантов объявил себя онлайн.
// Занятость (busy) не хранится — она выводится из наличия активного тикета,
// поэтому уход в оффлайн не трогает идущую сессию.
type PresenceService struct {
	db *gorm.DB
}

func NewPresenceService(db *gorm.DB) *PresenceService {
	return &PresenceService{db: db}
}

// SetOnline выставляет флаг присутствия (upsert).
func (s *PresenceService) SetOnline(ctx context.Context, advisorID string, online bool) error {
	row := model.AdvisorPresence{
		AdvisorID: advisorID,
		IsOnline:  online,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "advisor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "updated_at"}),
	}).Create(&row).Error
}

func (s *PresenceService) IsOnline(ctx context.Context, advisorID string) (bool, error) {
	var row model.AdvisorPresence
	err := s.db.WithContext(ctx).First(&row, "advisor_id = ?", advisorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.IsOnline, nil
}

// IsBusy сообщает, ведёт ли консультант активную сессию.
func (s *PresenceService) IsBusy(ctx context.Context, advisorID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("advisor_id = ? AND status = ?", advisorID, model.TicketStatusActive).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Snapshot возвращает число консультантов онлайн и число свободных
// (онлайн без активного тикета). Используется Join для оценки ожидания.
// Кратковременное рассогласование с таблицей тикетов допустимо.
func (s *PresenceService) Snapshot(ctx context.Context) (online, available int64, err error) {
	if err = s.db.WithContext(ctx).Model(&model.AdvisorPresence{}).
		Where("is_online = ?", true).
		Count(&online).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&model.AdvisorPresence{}).
		Where("is_online = ? AND NOT EXISTS (SELECT 1 FROM tickets t WHERE t.advisor_id = advisor_presence.advisor_id AND t.status = ?)",
			true, model.TicketStatusActive).
		Count(&available).Error
	if err != nil {
		return 0, 0, err
	}
	return online, available, nil
}
