package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/events"
	"github.com/JBD-GER/sepana-live-service/internal/model"
	"github.com/JBD-GER/sepana-live-service/internal/notify"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

// openTestDB — in-memory sqlite с той же схемой и теми же частичными
// уникальными индексами, что и в миграциях. Один физический коннект:
// база живёт, пока он открыт, а конкурирующие запросы сериализуются.
func openTestDB(t *testing.T) *gorm.DB {
	return openDBWithDDL(t, schemaDDL(true))
}

// openLegacyTestDB — схема без uniq_live_ticket_per_case: так выглядят
// данные, созданные до введения ограничения. Нужна для проверки схлопывания
// дубликатов.
func openLegacyTestDB(t *testing.T) *gorm.DB {
	return openDBWithDDL(t, schemaDDL(false))
}

func openDBWithDDL(t *testing.T, ddl []string) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:live_service_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	for _, stmt := range ddl {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func schemaDDL(withCaseIndex bool) []string {
	ddl := []string{
		`CREATE TABLE loan_cases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE tickets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id INTEGER NOT NULL,
			customer_id TEXT,
			guest_token TEXT,
			advisor_id TEXT,
			status TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			updated_at DATETIME,
			accepted_at DATETIME,
			ended_at DATETIME
		)`,
		`CREATE UNIQUE INDEX uniq_active_ticket_per_advisor ON tickets (advisor_id) WHERE status = 'active'`,
		`CREATE TABLE advisor_presence (
			advisor_id TEXT PRIMARY KEY,
			is_online BOOLEAN NOT NULL,
			updated_at DATETIME
		)`,
		`CREATE TABLE appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id INTEGER NOT NULL,
			customer_id TEXT NOT NULL,
			advisor_id TEXT NOT NULL,
			scheduled_at DATETIME,
			advisor_present BOOLEAN NOT NULL DEFAULT FALSE,
			advisor_present_at DATETIME,
			customer_present BOOLEAN NOT NULL DEFAULT FALSE,
			customer_present_at DATETIME,
			ticket_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	}
	if withCaseIndex {
		ddl = append(ddl,
			`CREATE UNIQUE INDEX uniq_live_ticket_per_case ON tickets (case_id) WHERE status IN ('waiting', 'active')`)
	}
	return ddl
}

type fakeIssuer struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeIssuer) IssueCredential(_ context.Context, _, participant string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("issuer unavailable")
	}
	return "cred-" + participant, nil
}

func (f *fakeIssuer) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.WaitingNotification
}

func (f *fakeNotifier) NotifyWaiting(_ context.Context, n notify.WaitingNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) last() notify.WaitingNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type testEnv struct {
	db       *gorm.DB
	presence *PresenceService
	matching *MatchingService
	appts    *AppointmentService
	bus      *events.MemoryBus
	issuer   *fakeIssuer
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, db *gorm.DB) *testEnv {
	t.Helper()
	env := &testEnv{
		db:       db,
		bus:      events.NewMemoryBus(),
		issuer:   &fakeIssuer{},
		notifier: &fakeNotifier{},
	}
	env.presence = NewPresenceService(db)
	env.matching = NewMatchingService(db, env.presence, env.issuer, env.notifier, env.bus, events.NewProducer(nil, ""))
	env.appts = NewAppointmentService(db, env.matching)
	return env
}

func seedCase(t *testing.T, db *gorm.DB, customerID string) *model.LoanCase {
	t.Helper()
	lc := &model.LoanCase{CustomerID: customerID, Status: "advisory"}
	require.NoError(t, db.Create(lc).Error)
	return lc
}

func setOnline(t *testing.T, env *testEnv, advisorID string) {
	t.Helper()
	require.NoError(t, env.presence.SetOnline(context.Background(), advisorID, true))
}

func customer(id string) auth.Identity { return auth.Identity{UserID: id, Role: auth.RoleCustomer} }
func advisor(id string) auth.Identity  { return auth.Identity{UserID: id, Role: auth.RoleAdvisor} }
func guest() auth.Identity             { return auth.Identity{} }

// recvEvent читает одно событие из канала подписки или валит тест по таймауту.
func recvEvent(t *testing.T, ch <-chan events.TicketEvent) events.TicketEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ticket event")
		return events.TicketEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan events.TicketEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s for ticket %d", ev.Type, ev.TicketID)
	default:
	}
}
