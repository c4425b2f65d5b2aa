// Package slack sends dispatch lifecycle notifications to Slack via incoming
// webhooks. Delivery is best effort: failures are logged and dropped.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

const httpTimeout = 10 * time.Second

// Notifier posts dispatch events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every
// notification is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// IncidentReturned posts when every dispatch for an incident was exhausted
// without a confirmation, so a sender knows to re-dispatch.
func (n *Notifier) IncidentReturned(ctx context.Context, in *dispatch.Incident) {
	msg := map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("\U0001f7e1 Incident returned: %s", in.Category),
				},
			},
			{"type": "divider"},
			{
				"type": "section",
				"fields": []map[string]any{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Incident:* %s", in.ID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", in.SubjectName)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Occurred:* %s", in.OccurredAt.UTC().Format("2006-01-02 15:04 UTC"))},
					{"type": "mrkdwn", "text": "*Status:* every recipient rejected or timed out"},
				},
			},
		},
	}
	n.post(ctx, msg)
}

// SweepCompleted posts after a sweep that moved dispatches to timeout.
func (n *Notifier) SweepCompleted(ctx context.Context, marked int64) {
	msg := map[string]any{
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("⏰ Timeout sweep marked *%d* stale dispatch(es).", marked), // alarm clock
				},
			},
		},
	}
	n.post(ctx, msg)
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) {
	if n.webhookURL == "" {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error(ctx, err, "slack: marshal message")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error(ctx, err, "slack: create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		n.logger.Error(ctx, err, "slack: post webhook")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		n.logger.Error(ctx, fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody)), "slack: post webhook")
	}
}
