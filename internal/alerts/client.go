// Package alerts предоставляет клиент для внешнего сервиса уведомлений.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Типы оповещений, которые понимает сервис уведомлений.
const (
	AlertLowBalance         = "low_balance"
	AlertPackageExpiring    = "package_expiring"
	AlertAllocationCreated  = "allocation_created"
	AlertAllocationRefunded = "allocation_refunded"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Alert описывает одно оповещение для сервиса уведомлений.
type Alert struct {
	Type       string     `json:"type"`
	StudentID  int64      `json:"student_id"`
	SessionID  int64      `json:"session_id,omitempty"`
	PurchaseID int64      `json:"purchase_id,omitempty"`
	Hours      string     `json:"hours,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// NewClient создаёт HTTP-клиент сервиса уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет оповещение. При ответе 429 возвращает рекомендованную
// паузу из заголовка Retry-After; вызывающий цикл сам решает, когда
// повторить.
func (c *Client) Send(ctx context.Context, alert Alert) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("alerts client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal alert: %w", err)
	}

	url := base + "/api/alerts"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, 0, nil
}
