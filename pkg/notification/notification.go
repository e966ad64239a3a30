// Package notification pushes certificate lifecycle events to webhook
// channels. Renewal runs unattended from cron, so a failed or skipped
// renewal has no terminal to report to; webhooks are how the operator
// hears about it before the certificate expires.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventType represents the type of certificate lifecycle event
type EventType string

const (
	EventSetupSucceeded   EventType = "setup_succeeded"
	EventSetupFailed      EventType = "setup_failed"
	EventRenewalSucceeded EventType = "renewal_succeeded"
	EventRenewalFailed    EventType = "renewal_failed"
	EventCertExpired      EventType = "cert_expired"
	EventRollbackDone     EventType = "rollback_done"
)

// Event represents a notification event
type Event struct {
	Type      EventType         `json:"type"`
	Project   string            `json:"project"`
	Hostnames []string          `json:"hostnames,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

// NotifierConfig holds configuration for notifications
type NotifierConfig struct {
	SlackWebhook   string `yaml:"slack_webhook,omitempty"`
	DiscordWebhook string `yaml:"discord_webhook,omitempty"`
	Webhook        string `yaml:"webhook,omitempty"` // Generic webhook
}

// Enabled reports whether any channel is configured.
func (c NotifierConfig) Enabled() bool {
	return c.SlackWebhook != "" || c.DiscordWebhook != "" || c.Webhook != ""
}

// Notifier handles sending notifications
type Notifier struct {
	config  NotifierConfig
	client  *http.Client
	verbose bool
}

// NewNotifier creates a new notifier
func NewNotifier(config NotifierConfig, verbose bool) *Notifier {
	return &Notifier{
		config: config,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		verbose: verbose,
	}
}

// Notify sends a notification to all configured channels
func (n *Notifier) Notify(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var errors []string

	if n.config.SlackWebhook != "" {
		if err := n.sendSlack(event); err != nil {
			errors = append(errors, fmt.Sprintf("slack: %v", err))
		}
	}

	if n.config.DiscordWebhook != "" {
		if err := n.sendDiscord(event); err != nil {
			errors = append(errors, fmt.Sprintf("discord: %v", err))
		}
	}

	if n.config.Webhook != "" {
		if err := n.sendWebhook(event); err != nil {
			errors = append(errors, fmt.Sprintf("webhook: %v", err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// sendSlack sends a notification to Slack
func (n *Notifier) sendSlack(event Event) error {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]string{
				"type":  "plain_text",
				"text":  fmt.Sprintf("%s %s", n.getEventEmoji(event.Type), n.getEventTitle(event.Type)),
				"emoji": "true",
			},
		},
		{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Project:*\n%s", event.Project)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Hostnames:*\n%s", strings.Join(event.Hostnames, ", "))},
			},
		},
		{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": event.Message,
			},
		},
	}

	if event.Error != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Error:*\n```%s```", event.Error),
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]string{
			{"type": "mrkdwn", "text": fmt.Sprintf("<!date^%d^{date_short_pretty} at {time}|%s>",
				event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	})

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  n.getEventColor(event.Type),
				"blocks": blocks,
			},
		},
	}

	return n.postJSON(n.config.SlackWebhook, payload)
}

// sendDiscord sends a notification to Discord
func (n *Notifier) sendDiscord(event Event) error {
	fields := []map[string]interface{}{
		{"name": "Project", "value": event.Project, "inline": true},
	}
	if len(event.Hostnames) > 0 {
		fields = append(fields,
			map[string]interface{}{"name": "Hostnames", "value": strings.Join(event.Hostnames, ", "), "inline": true})
	}
	if event.Error != "" {
		fields = append(fields,
			map[string]interface{}{"name": "Error", "value": fmt.Sprintf("```%s```", event.Error), "inline": false})
	}

	embed := map[string]interface{}{
		"title":       fmt.Sprintf("%s %s", n.getEventEmoji(event.Type), n.getEventTitle(event.Type)),
		"description": event.Message,
		"color":       n.getEventColorInt(event.Type),
		"fields":      fields,
		"timestamp":   event.Timestamp.Format(time.RFC3339),
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	return n.postJSON(n.config.DiscordWebhook, payload)
}

// sendWebhook sends a notification to a generic webhook
func (n *Notifier) sendWebhook(event Event) error {
	return n.postJSON(n.config.Webhook, event)
}

// postJSON sends a JSON payload to a URL
func (n *Notifier) postJSON(url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	if n.verbose {
		fmt.Printf("  → Notification sent to %s\n", url)
	}

	return nil
}

// getEventColor returns a hex color for the event type (Slack)
func (n *Notifier) getEventColor(eventType EventType) string {
	switch eventType {
	case EventSetupSucceeded, EventRenewalSucceeded, EventRollbackDone:
		return "#36a64f" // Green
	case EventSetupFailed, EventRenewalFailed, EventCertExpired:
		return "#dc3545" // Red
	default:
		return "#6c757d" // Gray
	}
}

// getEventColorInt returns an integer color for Discord
func (n *Notifier) getEventColorInt(eventType EventType) int {
	switch eventType {
	case EventSetupSucceeded, EventRenewalSucceeded, EventRollbackDone:
		return 0x36a64f // Green
	case EventSetupFailed, EventRenewalFailed, EventCertExpired:
		return 0xdc3545 // Red
	default:
		return 0x6c757d // Gray
	}
}

// getEventEmoji returns an emoji for the event type
func (n *Notifier) getEventEmoji(eventType EventType) string {
	switch eventType {
	case EventSetupSucceeded, EventRenewalSucceeded:
		return "✅"
	case EventSetupFailed, EventRenewalFailed:
		return "❌"
	case EventCertExpired:
		return "🔴"
	case EventRollbackDone:
		return "↩️"
	default:
		return "📢"
	}
}

// getEventTitle returns a human-readable title for the event type
func (n *Notifier) getEventTitle(eventType EventType) string {
	switch eventType {
	case EventSetupSucceeded:
		return "Certificate Setup Succeeded"
	case EventSetupFailed:
		return "Certificate Setup Failed"
	case EventRenewalSucceeded:
		return "Certificate Renewed"
	case EventRenewalFailed:
		return "Certificate Renewal Failed"
	case EventCertExpired:
		return "Certificate EXPIRED"
	case EventRollbackDone:
		return "Rolled Back to HTTP"
	default:
		return "Certificate Notification"
	}
}

// Helper functions to create common events

// RenewalFailedEvent creates a renewal failed event
func RenewalFailedEvent(project string, hostnames []string, err error) Event {
	return Event{
		Type:      EventRenewalFailed,
		Project:   project,
		Hostnames: hostnames,
		Message:   "Unattended renewal failed; the previous certificate keeps serving",
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

// RenewalSucceededEvent creates a renewal succeeded event
func RenewalSucceededEvent(project string, hostnames []string, notAfter time.Time) Event {
	return Event{
		Type:      EventRenewalSucceeded,
		Project:   project,
		Hostnames: hostnames,
		Message:   fmt.Sprintf("Certificate renewed, valid until %s", notAfter.Format("2006-01-02")),
		Timestamp: time.Now(),
	}
}

// CertExpiredEvent creates an expired-certificate event
func CertExpiredEvent(project string, hostnames []string) Event {
	return Event{
		Type:      EventCertExpired,
		Project:   project,
		Hostnames: hostnames,
		Message:   "The serving certificate has EXPIRED; clients see TLS errors until a renewal succeeds",
		Timestamp: time.Now(),
	}
}
