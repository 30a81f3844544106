package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/errs"
	"github.com/JBD-GER/sepana-live-service/internal/events"
	"github.com/JBD-GER/sepana-live-service/internal/guesttoken"
	"github.com/JBD-GER/sepana-live-service/internal/media"
	"github.com/JBD-GER/sepana-live-service/internal/model"
	"github.com/JBD-GER/sepana-live-service/internal/notify"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MatchingService — координатор подбора: принимает заявки на живую
// консультацию, сводит клиента с одним консультантом и ведёт сессию до
// завершения. Корректность под гонками опирается на ограничения стора
// (частичные уникальные индексы) и условные обновления, а не на локи в
// процессе: сервис может работать в нескольких репликах.
type MatchingService struct {
	db       *gorm.DB
	presence *PresenceService
	issuer   media.CredentialIssuer
	notifier notify.StaffingNotifier
	bus      events.TicketBus
	feed     *events.Producer
	now      func() time.Time
}

func NewMatchingService(db *gorm.DB, presence *PresenceService, issuer media.CredentialIssuer,
	notifier notify.StaffingNotifier, bus events.TicketBus, feed *events.Producer) *MatchingService {
	return &MatchingService{
		db:       db,
		presence: presence,
		issuer:   issuer,
		notifier: notifier,
		bus:      bus,
		feed:     feed,
		now:      time.Now,
	}
}

// JoinResult — тикет плюс снимок укомплектованности очереди.
// GuestToken заполняется только на гостевом пути.
type JoinResult struct {
	Ticket         *model.Ticket `json:"ticket"`
	GuestToken     string        `json:"guest_token,omitempty"`
	WaitMinutes    int           `json:"wait_minutes"`
	OnlineCount    int64         `json:"online_count"`
	AvailableCount int64         `json:"available_count"`
}

// Join ставит клиента (или гостя) в очередь по кейсу. Повторный Join
// возвращает уже существующий живой тикет; дубликаты, возникшие до
// ограничения уникальности, схлопываются до самого раннего.
func (s *MatchingService) Join(ctx context.Context, caseID uint64, id auth.Identity, presentedToken string) (*JoinResult, error) {
	var lc model.LoanCase
	if err := s.db.WithContext(ctx).First(&lc, caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrCaseNotFound
		}
		return nil, fmt.Errorf("load case %d: %w", caseID, err)
	}
	if !id.IsGuest() {
		if id.Role != auth.RoleCustomer || lc.CustomerID != id.UserID {
			return nil, errs.ErrNotAllowed
		}
	}

	ticket, created, err := s.resolveLiveTicket(ctx, caseID, id)
	if err != nil {
		return nil, err
	}

	resolvedToken := ""
	if id.IsGuest() {
		resolvedToken, err = s.claimGuestToken(ctx, ticket, presentedToken)
		if err != nil {
			return nil, err
		}
	} else if ticket.CustomerID == nil {
		// Владелец кейса присоединился к тикету, созданному гостевым путём.
		res := s.db.WithContext(ctx).Model(&model.Ticket{}).
			Where("id = ? AND customer_id IS NULL", ticket.ID).
			Update("customer_id", id.UserID)
		if res.Error != nil {
			return nil, fmt.Errorf("attach customer to ticket %d: %w", ticket.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			uid := id.UserID
			ticket.CustomerID = &uid
		}
	}

	online, available, err := s.presence.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	wait := s.estimateWait(ctx, ticket, online, available)

	if created {
		s.publish(ctx, ticketEvent(events.TicketCreated, ticket))
		if available == 0 {
			s.notifyStaffingAsync(notify.WaitingNotification{
				CaseID:      caseID,
				TicketID:    ticket.ID,
				WaitMinutes: wait,
				OnlineCount: online,
			})
		}
	}

	return &JoinResult{
		Ticket:         ticket,
		GuestToken:     resolvedToken,
		WaitMinutes:    wait,
		OnlineCount:    online,
		AvailableCount: available,
	}, nil
}

// resolveLiveTicket возвращает живой тикет кейса, создавая его при
// отсутствии. Гонку создания разрешает частичный уникальный индекс:
// проигравший получает duplicated key и перечитывает победителя.
func (s *MatchingService) resolveLiveTicket(ctx context.Context, caseID uint64, id auth.Identity) (*model.Ticket, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var live []model.Ticket
		if err := s.db.WithContext(ctx).
			Where("case_id = ? AND status IN ?", caseID, model.LiveStatuses).
			Order("created_at ASC, id ASC").
			Find(&live).Error; err != nil {
			return nil, false, fmt.Errorf("list live tickets for case %d: %w", caseID, err)
		}
		if len(live) > 0 {
			kept, err := s.reconcile(ctx, live)
			return kept, false, err
		}

		t := model.Ticket{CaseID: caseID, Status: model.TicketStatusWaiting}
		if !id.IsGuest() {
			uid := id.UserID
			t.CustomerID = &uid
		}
		err := s.db.WithContext(ctx).Create(&t).Error
		if err == nil {
			return &t, true, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("create ticket for case %d: %w", caseID, err)
		}
		// проигравший параллельного Join — на следующей итерации увидим победителя
	}
	return nil, false, fmt.Errorf("join: could not settle live ticket for case %d", caseID)
}

// reconcile сводит несколько живых тикетов кейса к одному: активный имеет
// приоритет, иначе остаётся самый ранний; лишние ожидающие отменяются
// условным обновлением. Такие ряды возможны только в данных, созданных до
// введения ограничения уникальности.
func (s *MatchingService) reconcile(ctx context.Context, live []model.Ticket) (*model.Ticket, error) {
	keep := live[0]
	for i := range live {
		if live[i].Status == model.TicketStatusActive {
			keep = live[i]
			break
		}
	}
	for i := range live {
		t := live[i]
		if t.ID == keep.ID || t.Status != model.TicketStatusWaiting {
			continue
		}
		res := s.db.WithContext(ctx).Model(&model.Ticket{}).
			Where("id = ? AND status = ?", t.ID, model.TicketStatusWaiting).
			Updates(map[string]interface{}{
				"status":     model.TicketStatusCancelled,
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("cancel duplicate ticket %d: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			t.Status = model.TicketStatusCancelled
			s.publish(ctx, ticketEvent(events.TicketCancelled, &t))
		}
	}
	return &keep, nil
}

// claimGuestToken реализует first-claim семантику: первый гость без токена
// закрепляет токен за тикетом условным обновлением guest_token IS NULL.
// Уже закреплённый токен неизменяем; несовпадение предъявленного —
// token_mismatch. Гость без токена получает текущий токен тикета
// (реконнект и вторая вкладка того же гостя).
func (s *MatchingService) claimGuestToken(ctx context.Context, ticket *model.Ticket, presented string) (string, error) {
	if ticket.GuestToken != nil {
		stored := *ticket.GuestToken
		if presented != "" && !guesttoken.Matches(stored, presented) {
			return "", errs.ErrTokenMismatch
		}
		return stored, nil
	}

	tok := presented
	if tok == "" {
		var err error
		tok, err = guesttoken.New()
		if err != nil {
			return "", err
		}
	}
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ? AND guest_token IS NULL", ticket.ID).
		Update("guest_token", tok)
	if res.Error != nil {
		return "", fmt.Errorf("claim guest token for ticket %d: %w", ticket.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		ticket.GuestToken = &tok
		return tok, nil
	}

	// Проиграли first-claim гонку: перечитываем фактический токен.
	var fresh model.Ticket
	if err := s.db.WithContext(ctx).First(&fresh, ticket.ID).Error; err != nil {
		return "", fmt.Errorf("reload ticket %d: %w", ticket.ID, err)
	}
	if fresh.GuestToken == nil {
		return "", fmt.Errorf("claim guest token for ticket %d: token vanished", ticket.ID)
	}
	stored := *fresh.GuestToken
	if presented != "" && !guesttoken.Matches(stored, presented) {
		return "", errs.ErrTokenMismatch
	}
	*ticket = fresh
	return stored, nil
}

// AcceptResult — активированный тикет и токены медиа-транспорта обеих сторон.
type AcceptResult struct {
	Ticket             *model.Ticket `json:"ticket"`
	AdvisorCredential  string        `json:"advisor_credential,omitempty"`
	CustomerCredential string        `json:"customer_credential,omitempty"`
}

// Accept переводит ожидающий тикет в активный за консультантом. Проверка
// занятости входит в то же условное обновление (NOT EXISTS по активному
// тикету консультанта), поэтому окна check-then-act нет; частичный индекс
// по advisor_id страхует на уровне стора. Повторный Accept того же
// консультанта идемпотентен и переиспользует комнату.
//
// При сбое выпуска токенов возвращаются и результат с тикетом, и ошибка
// (errs.ErrCredentialIssuance): переход уже состоялся, повторить нужно
// только выпуск.
func (s *MatchingService) Accept(ctx context.Context, ticketID uint64, id auth.Identity) (*AcceptResult, error) {
	if id.IsGuest() || id.Role != auth.RoleAdvisor {
		return nil, errs.ErrNotAllowed
	}
	online, err := s.presence.IsOnline(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("presence check: %w", err)
	}
	if !online {
		return nil, errs.ErrAdvisorOffline
	}

	now := s.now()
	room := "case-" + uuid.NewString()
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ? AND status = ?", ticketID, model.TicketStatusWaiting).
		Where("NOT EXISTS (SELECT 1 FROM tickets busy WHERE busy.advisor_id = ? AND busy.status = ?)",
			id.UserID, model.TicketStatusActive).
		Updates(map[string]interface{}{
			"status":      model.TicketStatusActive,
			"advisor_id":  id.UserID,
			"accepted_at": now,
			"room_name":   room,
			"updated_at":  now,
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, errs.ErrAdvisorBusy
		}
		return nil, fmt.Errorf("accept ticket %d: %w", ticketID, res.Error)
	}

	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, fmt.Errorf("reload ticket %d: %w", ticketID, err)
	}

	if res.RowsAffected == 0 {
		switch {
		case t.Status == model.TicketStatusWaiting:
			// условие NOT EXISTS не прошло — у консультанта уже есть сессия
			return nil, errs.ErrAdvisorBusy
		case t.Status == model.TicketStatusActive && t.AdvisorID != nil && *t.AdvisorID == id.UserID:
			// повторный Accept: идемпотентно, комната прежняя
		case t.Status == model.TicketStatusActive:
			return nil, errs.ErrAlreadyTaken
		default:
			// терминальный тикет — такой заявки больше нет
			return nil, errs.ErrTicketNotFound
		}
	} else {
		s.publish(ctx, ticketEvent(events.TicketMatched, &t))
	}

	result := &AcceptResult{Ticket: &t}
	advCred, errAdv := s.issuer.IssueCredential(ctx, t.RoomName, "advisor-"+id.UserID)
	custCred, errCust := s.issuer.IssueCredential(ctx, t.RoomName, customerParticipant(&t))
	result.AdvisorCredential = advCred
	result.CustomerCredential = custCred
	if errAdv != nil || errCust != nil {
		issueErr := errAdv
		if issueErr == nil {
			issueErr = errCust
		}
		log.Printf("media: issue credentials for ticket %d: %v", t.ID, issueErr)
		return result, fmt.Errorf("ticket %d: %w", t.ID, errs.ErrCredentialIssuance)
	}
	return result, nil
}

// Credentials повторно выпускает токен медиа-транспорта вызывающей стороне
// активного тикета — путь восстановления после сбоя выпуска в Accept,
// без повторного перехода состояния.
func (s *MatchingService) Credentials(ctx context.Context, ticketID uint64, id auth.Identity, presentedToken string) (string, error) {
	t, err := s.loadAuthorized(ctx, ticketID, id, presentedToken)
	if err != nil {
		return "", err
	}
	if t.Status != model.TicketStatusActive {
		return "", errs.ErrTicketNotActive
	}
	participant := "guest"
	switch {
	case !id.IsGuest() && id.Role == auth.RoleAdvisor:
		participant = "advisor-" + id.UserID
	case !id.IsGuest() && id.Role == auth.RoleCustomer:
		participant = "customer-" + id.UserID
	}
	cred, err := s.issuer.IssueCredential(ctx, t.RoomName, participant)
	if err != nil {
		log.Printf("media: issue credential for ticket %d: %v", t.ID, err)
		return "", fmt.Errorf("ticket %d: %w", t.ID, errs.ErrCredentialIssuance)
	}
	return cred, nil
}

// End завершает тикет. Идемпотентен: повторный вызов (и гонка двух End)
// возвращает успех без изменения состояния. Завершение публикуется в шину,
// чтобы вторая сторона не осталась в подвешенной сессии.
func (s *MatchingService) End(ctx context.Context, ticketID uint64, id auth.Identity, presentedToken string) error {
	t, err := s.loadAuthorized(ctx, ticketID, id, presentedToken)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("id = ? AND status IN ?", t.ID, model.LiveStatuses).
		Updates(map[string]interface{}{
			"status":     model.TicketStatusEnded,
			"ended_at":   now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("end ticket %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// параллельный End успел раньше
		return nil
	}
	t.Status = model.TicketStatusEnded
	t.EndedAt = &now
	s.publish(ctx, ticketEvent(events.TicketEnded, t))
	return nil
}

// GetTicket возвращает текущее состояние тикета авторизованной стороне —
// опорный путь для клиентов, которые только опрашивают.
func (s *MatchingService) GetTicket(ctx context.Context, ticketID uint64, id auth.Identity, presentedToken string) (*model.Ticket, error) {
	return s.loadAuthorized(ctx, ticketID, id, presentedToken)
}

// CaseSnapshot — данные для отрисовки экрана ожидания/сессии по кейсу,
// без бизнес-содержимого кейса.
type CaseSnapshot struct {
	CaseID         uint64        `json:"case_id"`
	CaseStatus     string        `json:"case_status"`
	Ticket         *model.Ticket `json:"ticket,omitempty"`
	OnlineCount    int64         `json:"online_count"`
	AvailableCount int64         `json:"available_count"`
}

func (s *MatchingService) GetCaseSnapshot(ctx context.Context, caseID uint64, id auth.Identity, presentedToken string) (*CaseSnapshot, error) {
	var lc model.LoanCase
	if err := s.db.WithContext(ctx).First(&lc, caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrCaseNotFound
		}
		return nil, fmt.Errorf("load case %d: %w", caseID, err)
	}

	var live model.Ticket
	var ticket *model.Ticket
	err := s.db.WithContext(ctx).
		Where("case_id = ? AND status IN ?", caseID, model.LiveStatuses).
		Order("created_at ASC, id ASC").
		First(&live).Error
	if err == nil {
		ticket = &live
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load live ticket for case %d: %w", caseID, err)
	}

	switch {
	case !id.IsGuest() && id.Role == auth.RoleAdvisor:
		// консультанту снапшот нужен для принятия заявки
	case !id.IsGuest() && id.Role == auth.RoleCustomer && lc.CustomerID == id.UserID:
	case id.IsGuest() && ticket != nil && ticket.GuestToken != nil && guesttoken.Matches(*ticket.GuestToken, presentedToken):
	case id.IsGuest() && presentedToken != "":
		return nil, errs.ErrTokenMismatch
	default:
		return nil, errs.ErrNotAllowed
	}

	online, available, err := s.presence.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	return &CaseSnapshot{
		CaseID:         lc.ID,
		CaseStatus:     lc.Status,
		Ticket:         ticket,
		OnlineCount:    online,
		AvailableCount: available,
	}, nil
}

// Subscribe подключает наблюдателя к событиям тикета (после авторизации
// в handler). Делегирует шине.
func (s *MatchingService) Subscribe(ticketID uint64) (<-chan events.TicketEvent, func()) {
	return s.bus.Subscribe(ticketID)
}

// loadAuthorized загружает тикет и проверяет, что вызывающий — его сторона:
// назначенный консультант, клиент-владелец или предъявитель guest_token.
// Владелец кейса тоже допускается: тикет мог быть создан до его логина.
func (s *MatchingService) loadAuthorized(ctx context.Context, ticketID uint64, id auth.Identity, presentedToken string) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, fmt.Errorf("load ticket %d: %w", ticketID, err)
	}
	if err := s.authorizeParty(ctx, &t, id, presentedToken); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MatchingService) authorizeParty(ctx context.Context, t *model.Ticket, id auth.Identity, presentedToken string) error {
	switch {
	case !id.IsGuest() && id.Role == auth.RoleAdvisor && t.AdvisorID != nil && *t.AdvisorID == id.UserID:
		return nil
	case !id.IsGuest() && id.Role == auth.RoleCustomer && t.CustomerID != nil && *t.CustomerID == id.UserID:
		return nil
	case id.IsGuest() && t.GuestToken != nil && guesttoken.Matches(*t.GuestToken, presentedToken):
		return nil
	}
	if !id.IsGuest() && id.Role == auth.RoleCustomer {
		var lc model.LoanCase
		if err := s.db.WithContext(ctx).First(&lc, t.CaseID).Error; err == nil && lc.CustomerID == id.UserID {
			return nil
		}
	}
	if id.IsGuest() && presentedToken != "" {
		// токен выписан под другой тикет
		return errs.ErrTokenMismatch
	}
	return errs.ErrNotAllowed
}

// estimateWait — грубая оценка ожидания в минутах: минута при свободном
// консультанте, иначе пять минут на каждый ожидающий тикет в очереди,
// делённые на число консультантов онлайн (нижняя граница — пять минут).
func (s *MatchingService) estimateWait(ctx context.Context, t *model.Ticket, online, available int64) int {
	if t.Status == model.TicketStatusActive {
		return 0
	}
	if available > 0 {
		return 1
	}
	var ahead int64
	if err := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("status = ? AND id <= ?", model.TicketStatusWaiting, t.ID).
		Count(&ahead).Error; err != nil {
		log.Printf("matching: count waiting tickets: %v", err)
		ahead = 1
	}
	if ahead < 1 {
		ahead = 1
	}
	est := 5 * ahead
	if online > 0 {
		est = est / online
	}
	if est < 5 {
		est = 5
	}
	return int(est)
}

// publish раздаёт событие наблюдателям и во внешнюю ленту. Оба плеча
// best-effort: доставка состояния дублируется снапшот-путём.
func (s *MatchingService) publish(ctx context.Context, ev events.TicketEvent) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Printf("events: publish ticket %d: %v", ev.TicketID, err)
	}
	s.feed.Publish(ctx, ev)
}

func (s *MatchingService) notifyStaffingAsync(n notify.WaitingNotification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.NotifyWaiting(ctx, n); err != nil {
			log.Printf("notify: staffing for ticket %d: %v", n.TicketID, err)
		}
	}()
}

func ticketEvent(typ string, t *model.Ticket) events.TicketEvent {
	ev := events.TicketEvent{
		Type:       typ,
		TicketID:   t.ID,
		CaseID:     t.CaseID,
		Status:     string(t.Status),
		RoomName:   t.RoomName,
		OccurredAt: time.Now(),
	}
	if t.AdvisorID != nil {
		ev.AdvisorID = *t.AdvisorID
	}
	return ev
}

func customerParticipant(t *model.Ticket) string {
	if t.CustomerID != nil {
		return "customer-" + *t.CustomerID
	}
	return "guest"
}
