package workqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewHTTPHandler returns a Handler that submits tasks to the worker pool's
// intake endpoint. A non-2xx response is a delivery failure, so the
// consumer retries it like a transport error.
func NewHTTPHandler(endpoint string, client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, task Task) error {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("worker intake returned %s", resp.Status)
		}
		return nil
	}
}
