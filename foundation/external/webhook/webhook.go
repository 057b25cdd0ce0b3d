// Package webhook notifies an external URL about call lifecycle events.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const apiTimeout = 5

type Event string

const (
	InitiatedEvent Event = "call.initiated"
	AnsweredEvent  Event = "call.answered"
	CompletedEvent Event = "call.completed"
	FailedEvent    Event = "call.failed"
)

type Notification struct {
	Event      Event          `json:"event"`
	CallID     string         `json:"call_id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Notifier struct {
	url    string
	apiKey string
	client http.Client
}

func New(url string, apiKey string) *Notifier {
	return &Notifier{
		url:    url,
		apiKey: apiKey,
	}
}

// Enabled reports whether a destination URL is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

func (n *Notifier) Send(notification Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout*time.Second)
	defer cancel()

	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = time.Now().UTC()
	}

	b, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("api-key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusInternalServerError {
		return errors.New("internal server error 500")
	}

	bytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return errors.New(string(bytes))
	}

	return nil
}
