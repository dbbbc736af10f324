// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier provides a client for sending notifications to Slack
// via Incoming Webhooks.
//
// Webhook calls go through a circuit breaker: after consecutive failures the
// notifier stops calling Slack for a cool-down period and returns
// ErrCircuitBreakerOpen immediately, so a Slack outage never slows down the
// code paths that raise alerts.
//
// # Usage
//
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//	if notifier.IsEnabled() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    err := notifier.SendAlert(ctx, "warning", "Device unavailable", "fan has stopped answering")
//	}
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
)

const footer = "miIO Bridge"

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	mu         sync.RWMutex
	webhookURL string
}

// Message represents a Slack webhook message payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// Option configures a Notifier.
type Option func(*gobreaker.Settings)

// WithBreaker overrides the circuit breaker thresholds.
func WithBreaker(failures uint32, coolDown time.Duration) Option {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures }
		s.Timeout = coolDown
	}
}

// New creates a new Slack notifier. An empty webhook URL disables it.
func New(webhookURL string, opts ...Option) *Notifier {
	settings := gobreaker.Settings{
		Name:        "slack",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Notification circuit breaker changed state")
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL updates the webhook URL, e.g. after a configuration reload.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.mu.Unlock()
}

// SendMessage sends a simple text message to Slack
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		return nil
	}
	return s.sendPayload(ctx, Message{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		return nil
	}

	payload := Message{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// sendPayload posts a payload through the circuit breaker.
func (s *Notifier) sendPayload(ctx context.Context, payload Message) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, webhookURL, jsonData)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewNotificationError("slack", apperrors.ErrCircuitBreakerOpen)
	}
	if err != nil {
		return apperrors.NewNotificationError("slack", err)
	}
	return nil
}

func (s *Notifier) post(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (s *Notifier) BreakerState() string {
	return s.breaker.State().String()
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger" // Red
	case "warning", "warn":
		return "warning" // Yellow
	case "good", "success":
		return "good" // Green
	default:
		return "#808080" // Gray
	}
}
