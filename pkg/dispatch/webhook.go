package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// WebhookDispatcher POSTs work to the webhook URL configured on each node.
// Workers report results back through the run callback endpoint; the HTTP
// response here only acknowledges receipt.
type WebhookDispatcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookDispatcher creates a webhook dispatcher.
func NewWebhookDispatcher(logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("module", "dispatch"),
	}
}

// Dispatch delivers the work payload to the node's webhook_url.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, work Dispatch) error {
	url, ok := work.Config["webhook_url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("node %s has no webhook_url configured", work.NodeKey)
	}

	payload, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stitch-Run-ID", work.RunID)
	req.Header.Set("X-Stitch-Node-Key", work.NodeKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver work for node %s: %w", work.NodeKey, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("worker rejected dispatch for node %s: HTTP %d: %s", work.NodeKey, resp.StatusCode, string(body))
	}

	d.logger.InfoContext(ctx, "Dispatched work",
		"run_id", work.RunID,
		"node_key", work.NodeKey,
		"worker_type", work.WorkerType,
	)

	return nil
}
