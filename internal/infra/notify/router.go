// Package notify implements the NotificationRouter the notify hook
// dispatches through. Desktop notification delivery itself is out of scope
// (treated as an external collaborator); this router fans a rendered
// notification out to whichever in-scope sinks are configured — console
// (colorized, for local/dev runs) and an optional webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"

	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Sink delivers one rendered notification.
type Sink interface {
	Send(ctx context.Context, taskID, title, body string) error
}

// Router fans a notification out to every configured Sink, logging (never
// propagating) individual sink failures.
type Router struct {
	sinks  []Sink
	logger logging.Logger
}

// NewRouter constructs a Router over the given sinks.
func NewRouter(logger logging.Logger, sinks ...Sink) *Router {
	return &Router{sinks: sinks, logger: logging.OrNop(logger)}
}

// Notify implements the pipeline engine's Notifier port.
func (r *Router) Notify(ctx context.Context, taskID, title, body string) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, taskID, title, body); err != nil {
			r.logger.Warn("notification sink failed", "task", taskID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ConsoleSink prints notifications to stdout with task-id/title
// highlighting, for local and development runs.
type ConsoleSink struct{}

func (ConsoleSink) Send(_ context.Context, taskID, title, body string) error {
	bold := color.New(color.Bold, color.FgCyan).SprintFunc()
	fmt.Printf("%s %s\n%s\n", bold("["+taskID+"]"), title, body)
	return nil
}

// WebhookSink POSTs a JSON payload to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

func (w WebhookSink) Send(ctx context.Context, taskID, title, body string) error {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	payload, err := json.Marshal(webhookPayload{TaskID: taskID, Title: title, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}
