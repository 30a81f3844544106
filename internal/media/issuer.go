package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CredentialIssuer выпускает краткоживущий токен медиа-транспорта для
// участника комнаты. Сбой выпуска не должен оставлять тикет «активным без
// сессии»: переход тикета уже зафиксирован, вызывающая сторона повторяет
// только выпуск токена.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, roomName, participant string) (string, error)
}

// Client обращается к внешнему сервису медиа-транспорта
// (POST {base}/rooms/token). Без baseURL клиент считается не настроенным.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type issueRequest struct {
	RoomName    string `json:"room_name"`
	Participant string `json:"participant"`
}

type issueResponse struct {
	Token string `json:"token"`
}

// IssueCredential запрашивает токен комнаты для участника.
func (c *Client) IssueCredential(ctx context.Context, roomName, participant string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("media issuer is not configured")
	}
	body, err := json.Marshal(issueRequest{RoomName: roomName, Participant: participant})
	if err != nil {
		return "", fmt.Errorf("media: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rooms/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("media: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: issuer status %d for room %s", resp.StatusCode, roomName)
	}
	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("media: decode: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("media: issuer returned empty token")
	}
	return out.Token, nil
}
