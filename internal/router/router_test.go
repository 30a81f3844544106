package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JBD-GER/sepana-live-service/internal/auth"
	"github.com/JBD-GER/sepana-live-service/internal/events"
	"github.com/JBD-GER/sepana-live-service/internal/handler"
	"github.com/JBD-GER/sepana-live-service/internal/metrics"
	"github.com/JBD-GER/sepana-live-service/internal/model"
	"github.com/JBD-GER/sepana-live-service/internal/notify"
	"github.com/JBD-GER/sepana-live-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var routerDBSeq int64

func openRouterDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", atomic.AddInt64(&routerDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ddl := []string{
		`CREATE TABLE loan_cases (
			id INTEGER PRIMARY KEY AUTOINCREMENT, customer_id TEXT NOT NULL, status TEXT NOT NULL,
			created_at DATETIME, updated_at DATETIME)`,
		`CREATE TABLE tickets (
			id INTEGER PRIMARY KEY AUTOINCREMENT, case_id INTEGER NOT NULL, customer_id TEXT,
			guest_token TEXT, advisor_id TEXT, status TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '', created_at DATETIME, updated_at DATETIME,
			accepted_at DATETIME, ended_at DATETIME)`,
		`CREATE UNIQUE INDEX uniq_live_ticket_per_case ON tickets (case_id) WHERE status IN ('waiting', 'active')`,
		`CREATE UNIQUE INDEX uniq_active_ticket_per_advisor ON tickets (advisor_id) WHERE status = 'active'`,
		`CREATE TABLE advisor_presence (
			advisor_id TEXT PRIMARY KEY, is_online BOOLEAN NOT NULL, updated_at DATETIME)`,
		`CREATE TABLE appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT, case_id INTEGER NOT NULL, customer_id TEXT NOT NULL,
			advisor_id TEXT NOT NULL, scheduled_at DATETIME,
			advisor_present BOOLEAN NOT NULL DEFAULT FALSE, advisor_present_at DATETIME,
			customer_present BOOLEAN NOT NULL DEFAULT FALSE, customer_present_at DATETIME,
			ticket_id INTEGER, created_at DATETIME, updated_at DATETIME)`,
	}
	for _, stmt := range ddl {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type stubIssuer struct{ fail atomic.Bool }

func (s *stubIssuer) IssueCredential(_ context.Context, _, participant string) (string, error) {
	if s.fail.Load() {
		return "", fmt.Errorf("issuer unavailable")
	}
	return "cred-" + participant, nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyWaiting(context.Context, notify.WaitingNotification) error { return nil }

type testServer struct {
	srv      *httptest.Server
	db       *gorm.DB
	resolver *auth.Resolver
	issuer   *stubIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openRouterDB(t)
	issuer := &stubIssuer{}
	resolver := auth.NewResolver("router-test-secret")

	presence := service.NewPresenceService(db)
	matching := service.NewMatchingService(db, presence, issuer, nopNotifier{},
		events.NewMemoryBus(), events.NewProducer(nil, ""))
	appts := service.NewAppointmentService(db, matching)
	live := handler.NewLiveHandler(matching, presence, appts, resolver)

	srv := httptest.NewServer(New(live, resolver, metrics.New(prometheus.NewRegistry())))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, db: db, resolver: resolver, issuer: issuer}
}

func (ts *testServer) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := ts.resolver.Sign(id, time.Minute)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) request(t *testing.T, method, path, bearer string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts *testServer) seedCase(t *testing.T, customerID string) *model.LoanCase {
	t.Helper()
	lc := &model.LoanCase{CustomerID: customerID, Status: "advisory"}
	require.NoError(t, ts.db.Create(lc).Error)
	return lc
}

func TestServiceEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "live-service", body["service"])

	status, _ = ts.request(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGuestJoinFlow(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")

	status, body := ts.request(t, http.MethodPost, "/api/v1/live/join", "",
		map[string]interface{}{"case_id": lc.ID})
	require.Equal(t, http.StatusOK, status)
	tok, _ := body["guest_token"].(string)
	require.Len(t, tok, 64)
	ticket := body["ticket"].(map[string]interface{})
	assert.Equal(t, "waiting", ticket["status"])
	ticketID := uint64(ticket["id"].(float64))

	// чтение тикета требует гостевой токен
	status, _ = ts.request(t, http.MethodGet, fmt.Sprintf("/api/v1/live/tickets/%d", ticketID), "", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, got := ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/live/tickets/%d?guest_token=%s", ticketID, tok), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", got["status"])
	_, hasToken := got["GuestToken"]
	assert.False(t, hasToken, "guest token must not leak through ticket JSON")

	// завершение идемпотентно
	for i := 0; i < 2; i++ {
		status, body = ts.request(t, http.MethodPost, fmt.Sprintf("/api/v1/live/tickets/%d/end", ticketID), "",
			map[string]string{"guest_token": tok})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["ok"])
	}
}

func TestAdvisorFlow(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	custTok := ts.token(t, auth.Identity{UserID: "c1", Role: auth.RoleCustomer})
	advTok := ts.token(t, auth.Identity{UserID: "a1", Role: auth.RoleAdvisor})

	status, body := ts.request(t, http.MethodPost, "/api/v1/live/join", custTok,
		map[string]interface{}{"case_id": lc.ID})
	require.Equal(t, http.StatusOK, status)
	ticketID := uint64(body["ticket"].(map[string]interface{})["id"].(float64))

	status, _ = ts.request(t, http.MethodPut, "/api/v1/live/presence", advTok,
		map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, status)

	status, body = ts.request(t, http.MethodGet, "/api/v1/live/staffing", advTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["online_count"])
	assert.Equal(t, float64(1), body["available_count"])

	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketID), advTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cred-advisor-a1", body["advisor_credential"])
	assert.Equal(t, "cred-customer-c1", body["customer_credential"])
	assert.Equal(t, "active", body["ticket"].(map[string]interface{})["status"])

	status, body = ts.request(t, http.MethodGet, "/api/v1/live/staffing", advTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["available_count"])
}

func TestAdvisorRoutesRequireRole(t *testing.T) {
	ts := newTestServer(t)
	custTok := ts.token(t, auth.Identity{UserID: "c1", Role: auth.RoleCustomer})

	status, _ := ts.request(t, http.MethodPost, "/api/v1/live/tickets/1/accept", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = ts.request(t, http.MethodPost, "/api/v1/live/tickets/1/accept", custTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ts.request(t, http.MethodPut, "/api/v1/live/presence", custTok,
		map[string]bool{"online": true})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestConflictResponses(t *testing.T) {
	ts := newTestServer(t)
	caseA := ts.seedCase(t, "c1")
	caseB := ts.seedCase(t, "c2")
	a1 := ts.token(t, auth.Identity{UserID: "a1", Role: auth.RoleAdvisor})
	a2 := ts.token(t, auth.Identity{UserID: "a2", Role: auth.RoleAdvisor})
	a3 := ts.token(t, auth.Identity{UserID: "a3", Role: auth.RoleAdvisor})

	_, bodyA := ts.request(t, http.MethodPost, "/api/v1/live/join",
		ts.token(t, auth.Identity{UserID: "c1", Role: auth.RoleCustomer}),
		map[string]interface{}{"case_id": caseA.ID})
	_, bodyB := ts.request(t, http.MethodPost, "/api/v1/live/join",
		ts.token(t, auth.Identity{UserID: "c2", Role: auth.RoleCustomer}),
		map[string]interface{}{"case_id": caseB.ID})
	ticketA := uint64(bodyA["ticket"].(map[string]interface{})["id"].(float64))
	ticketB := uint64(bodyB["ticket"].(map[string]interface{})["id"].(float64))

	for _, tok := range []string{a1, a2} {
		status, _ := ts.request(t, http.MethodPut, "/api/v1/live/presence", tok, map[string]bool{"online": true})
		require.Equal(t, http.StatusOK, status)
	}

	// оффлайн-консультант не может принимать
	status, body := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketA), a3, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "offline", body["error"])

	status, _ = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketA), a1, nil)
	require.Equal(t, http.StatusOK, status)

	// у a1 уже есть активная сессия
	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketB), a1, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "busy", body["error"])
	assert.NotEmpty(t, body["detail"])

	// заявку A уже забрал a1
	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketA), a2, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_taken", body["error"])
}

func TestAcceptCredentialFailureResponse(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	custTok := ts.token(t, auth.Identity{UserID: "c1", Role: auth.RoleCustomer})
	advTok := ts.token(t, auth.Identity{UserID: "a1", Role: auth.RoleAdvisor})

	_, body := ts.request(t, http.MethodPost, "/api/v1/live/join", custTok,
		map[string]interface{}{"case_id": lc.ID})
	ticketID := uint64(body["ticket"].(map[string]interface{})["id"].(float64))
	status, _ := ts.request(t, http.MethodPut, "/api/v1/live/presence", advTok, map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, status)

	ts.issuer.fail.Store(true)
	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketID), advTok, nil)
	require.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "credential_issuance_failed", body["error"])
	require.NotNil(t, body["ticket"])
	assert.Equal(t, "active", body["ticket"].(map[string]interface{})["status"])

	// после восстановления выпускающего сервиса: повторный выпуск без смены состояния
	ts.issuer.fail.Store(false)
	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/credentials", ticketID), advTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cred-advisor-a1", body["credential"])
}

func TestWatchPushesSnapshotAndEvents(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	advTok := ts.token(t, auth.Identity{UserID: "a1", Role: auth.RoleAdvisor})

	_, body := ts.request(t, http.MethodPost, "/api/v1/live/join", "",
		map[string]interface{}{"case_id": lc.ID})
	guestTok := body["guest_token"].(string)
	ticketID := uint64(body["ticket"].(map[string]interface{})["id"].(float64))

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		fmt.Sprintf("/api/v1/live/tickets/%d/watch?guest_token=%s", ticketID, guestTok)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var snapshot map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot["type"])
	assert.Equal(t, "waiting", snapshot["ticket"].(map[string]interface{})["status"])

	status, _ := ts.request(t, http.MethodPut, "/api/v1/live/presence", advTok, map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/tickets/%d/accept", ticketID), advTok, nil)
	require.Equal(t, http.StatusOK, status)

	var ev map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ticket.matched", ev["type"])
	assert.Equal(t, "a1", ev["advisor_id"])
}

func TestWatchRejectsWrongToken(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	_, body := ts.request(t, http.MethodPost, "/api/v1/live/join", "",
		map[string]interface{}{"case_id": lc.ID})
	ticketID := uint64(body["ticket"].(map[string]interface{})["id"].(float64))

	status, body := ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/live/tickets/%d/watch?guest_token=deadbeef", ticketID), "", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "token_mismatch", body["error"])
}

func TestCaseSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	_, body := ts.request(t, http.MethodPost, "/api/v1/live/join", "",
		map[string]interface{}{"case_id": lc.ID})
	guestTok := body["guest_token"].(string)

	status, snap := ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/live/cases/%d?guest_token=%s", lc.ID, guestTok), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(lc.ID), snap["case_id"])
	require.NotNil(t, snap["ticket"])

	status, snap = ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/live/cases/%d?guest_token=deadbeef", lc.ID), "", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "token_mismatch", snap["error"])
}

func TestAppointmentPresenceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lc := ts.seedCase(t, "c1")
	appt := &model.Appointment{CaseID: lc.ID, CustomerID: "c1", AdvisorID: "a1",
		ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, ts.db.Create(appt).Error)
	custTok := ts.token(t, auth.Identity{UserID: "c1", Role: auth.RoleCustomer})

	status, body := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/appointments/%d/presence", appt.ID), custTok,
		map[string]bool{"present": true})
	require.Equal(t, http.StatusOK, status)
	join := body["join"].(map[string]interface{})
	ticketID := uint64(join["ticket"].(map[string]interface{})["id"].(float64))

	status, body = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/live/appointments/%d/presence", appt.ID), custTok,
		map[string]bool{"present": false})
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["join"])

	status, got := ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/live/tickets/%d", ticketID), custTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ended", got["status"])
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.request(t, http.MethodPost, "/api/v1/live/join", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.request(t, http.MethodGet, "/api/v1/live/tickets/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.request(t, http.MethodPost, "/api/v1/live/join", "",
		map[string]interface{}{"case_id": 999999})
	assert.Equal(t, http.StatusNotFound, status)
}
