package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// TerminalChannel prints notifications to the terminal, colored by type,
// with an optional bell on alerts and errors.
type TerminalChannel struct {
	mu          sync.Mutex
	out         io.Writer
	bellEnabled bool
	color       bool
}

func NewTerminalChannel() *TerminalChannel {
	return &TerminalChannel{
		out:         os.Stdout,
		bellEnabled: true,
		color:       true,
	}
}

// SetBellEnabled toggles the audible bell.
func (t *TerminalChannel) SetBellEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bellEnabled = enabled
}

// SetColorEnabled toggles ANSI colors.
func (t *TerminalChannel) SetColorEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.color = enabled
}

func (t *TerminalChannel) Name() string { return "terminal" }

func (t *TerminalChannel) Send(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	icon, color := t.style(n.Type)
	ts := n.Timestamp.Format("15:04:05")

	var line string
	if t.color {
		line = fmt.Sprintf("%s %s \033[%sm%s\033[0m | %s\n", icon, ts, color, n.Title, n.Message)
	} else {
		line = fmt.Sprintf("%s %s %s | %s\n", icon, ts, n.Title, n.Message)
	}
	if t.bellEnabled && (n.Type == TypeAlert || n.Type == TypeError) {
		line = "\a" + line
	}
	_, err := io.WriteString(t.out, line)
	return err
}

// style maps a type to its icon and ANSI color code.
func (t *TerminalChannel) style(typ Type) (string, string) {
	switch typ {
	case TypeTrade:
		return "◆", "36" // cyan
	case TypeAlert:
		return "⚠", "33" // yellow
	case TypeError:
		return "✗", "31" // red
	case TypeSummary:
		return "Σ", "35" // magenta
	default:
		return "●", "32" // green
	}
}

// WebhookChannel POSTs each notification as a JSON object. Any HTTP 2xx is
// success; everything else is an error for the notifier to log.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"type":      string(n.Type),
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
