package spoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the external SPOC system-of-record. SPOC does not guarantee
// idempotent receipt, so callers must guard against duplicate pushes
// themselves (see the forwarder's dedupe cache).
type Client struct {
	BaseURL string
	APIKey  string
	Source  string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a short per-call timeout so a hung SPOC endpoint
// cannot starve the worker.
func New(baseURL, apiKey, source string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if source == "" {
		source = "EDUCATE"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Source:  source,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type markRequest struct {
	SessionID         string `json:"session_id"`
	StudentExternalID string `json:"student_external_id"`
	Status            string `json:"status"`
	Method            string `json:"method"`
	Source            string `json:"source"`
}

// MarkAttendance pushes one confirmed mark to SPOC. Any transport error or
// non-2xx status is a failure; the response body is folded into the error so
// it lands in the record's sync_error for operators.
func (c *Client) MarkAttendance(ctx context.Context, sessionID, studentExternalID, status, method string) error {
	if c.Skip {
		return nil
	}
	if sessionID == "" || studentExternalID == "" {
		return fmt.Errorf("session id and student external id required")
	}

	body, _ := json.Marshal(markRequest{
		SessionID:         sessionID,
		StudentExternalID: studentExternalID,
		Status:            status,
		Method:            method,
		Source:            c.Source,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/attendance/mark", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("spoc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("spoc error %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Health probes the SPOC endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("spoc health check failed: %s", resp.Status)
	}
	return nil
}
