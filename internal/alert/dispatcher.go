// Package alert delivers administrator notifications to webhook, ntfy and
// Slack channels.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
)

// Level constants
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Notification represents an alert event
type Notification struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel is one delivery target.
type Channel struct {
	Name  string
	Type  string // "webhook", "ntfy" or "slack"
	Level string // minimum level; empty accepts all

	WebhookURL string

	// ntfy
	Server string
	Topic  string

	// slack
	Token        string
	SlackChannel string
	SlackBaseURL string

	Headers map[string]string
}

// Dispatcher fans a notification out to every matching channel.
type Dispatcher struct {
	channels []Channel
	http     *http.Client
	logger   *logging.Logger
	metrics  *metrics.Registry
	mu       sync.RWMutex
}

func NewDispatcher(channels []Channel, httpClient *http.Client, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		channels: channels,
		http:     httpClient,
		logger:   logger.WithComponent("alert"),
		metrics:  metrics.Get(),
	}
}

// SetChannels replaces the channel list.
func (d *Dispatcher) SetChannels(channels []Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = channels
}

// Send delivers n to every channel accepting its level and returns the
// joined delivery errors. With no channels configured the alert is only
// logged.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	d.logger.Audit("alert", n.Title, map[string]any{"level": n.Level, "message": n.Message})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range channels {
		if !shouldSend(n.Level, ch.Level) {
			continue
		}

		wg.Add(1)
		go func(channel Channel) {
			defer wg.Done()
			err := d.sendToChannel(ctx, channel, n)
			outcome := "success"
			if err != nil {
				outcome = "error"
				d.logger.Error("failed to send alert",
					"channel", channel.Name,
					"type", channel.Type,
					"error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", channel.Name, err))
				mu.Unlock()
			}
			d.metrics.AlertsSent.WithLabelValues(channel.Type, outcome).Inc()
		}(ch)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// SendSimple is a helper for plain messages.
func (d *Dispatcher) SendSimple(ctx context.Context, title, message, level string) error {
	return d.Send(ctx, Notification{Title: title, Message: message, Level: level})
}

// shouldSend checks if a message level meets the channel's minimum level
func shouldSend(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}

	return levels[strings.ToLower(msgLevel)] >= levels[strings.ToLower(chanLevel)]
}

func (d *Dispatcher) sendToChannel(ctx context.Context, ch Channel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "webhook":
		return d.sendWebhook(ctx, ch, n)
	case "ntfy":
		return d.sendNtfy(ctx, ch, n)
	case "slack":
		sc := &SlackClient{Token: ch.Token, BaseURL: ch.SlackBaseURL, HTTP: d.http}
		_, err := sc.PostMessage(ctx, ch.SlackChannel, formatText(n))
		return err
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func formatText(n Notification) string {
	return fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level)
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch Channel, n Notification) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("missing webhook_url")
	}

	payload := map[string]any{
		"text":         formatText(n),
		"notification": n,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ctx context.Context, ch Channel, n Notification) error {
	url := ch.Server
	if url == "" {
		url = "https://ntfy.sh"
	}
	if ch.Topic == "" {
		return fmt.Errorf("missing topic for ntfy")
	}
	url = strings.TrimRight(url, "/") + "/" + ch.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(n.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", n.Title)

	switch n.Level {
	case LevelCritical:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case LevelWarning:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	case LevelInfo:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "information_source")
	}
	if ch.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ch.Token)
	}
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy failed with status: %d", resp.StatusCode)
	}
	return nil
}
