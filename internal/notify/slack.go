package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WaitingNotification — сигнал дежурному каналу: клиент ждёт, свободных
// консультантов нет. Отправляется ровно один раз на новый тикет.
type WaitingNotification struct {
	CaseID      uint64
	TicketID    uint64
	WaitMinutes int
	OnlineCount int64
}

// StaffingNotifier — интерфейс диспетчера уведомлений (для подмены моком
// в тестах). Вызовы best-effort: сбой логируется и не блокирует Join.
type StaffingNotifier interface {
	NotifyWaiting(ctx context.Context, n WaitingNotification) error
}

// SlackNotifier шлёт уведомление в Slack-вебхук. Пустой URL — no-op.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *SlackNotifier) NotifyWaiting(ctx context.Context, n WaitingNotification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": "Customer waiting for a live advisor",
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Case:*\n#%d", n.CaseID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Ticket:*\n#%d", n.TicketID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Advisors online:*\n%d", n.OnlineCount)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Est. wait:*\n%d min", n.WaitMinutes)},
				},
			},
			{
				"type": "context",
				"elements": []map[string]string{
					{"type": "mrkdwn", "text": "Go online and accept the request to start the session."},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
