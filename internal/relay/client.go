package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/handoff/internal/logctx"
)

// AddRequest is the body of POST /downloads/add. Every key is always sent.
type AddRequest struct {
	URL       string `json:"url"`
	Referer   string `json:"referer"`
	FormatID  string `json:"format_id"`
	UserAgent string `json:"user_agent"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Reason    string `json:"reason"`
}

type AddResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

type Format struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Height int    `json:"height"`
	Size   int64  `json:"size"`
}

// FormatsResponse is forwarded to the extension unchanged. Status is "success" or "error".
type FormatsResponse struct {
	Status  string   `json:"status"`
	Title   string   `json:"title,omitempty"`
	Formats []Format `json:"formats,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Relay commands returned by the version report.
const (
	CommandNone   = "NONE"
	CommandReload = "RELOAD"
)

type VersionReport struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Command string `json:"command"`
}

// Client talks to the desktop download manager's local HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client rooted at baseURL, e.g. http://127.0.0.1:5000/api.
// timeout bounds every request; callers may shorten it with their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send hands a download to the relay. It reports success as a boolean and never panics;
// failures are logged.
func (c *Client) Send(ctx context.Context, req AddRequest) (ok bool) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "relay send panicked", "panic", r)
			ok = false
		}
	}()

	resp, err := c.AddDownload(ctx, req)
	if err != nil {
		logger.WarnContext(ctx, "relay send failed", "url", req.URL, "err", err)
		return false
	}

	logger.InfoContext(ctx, "relay accepted download", "url", req.URL, "task_id", resp.TaskID, "reason", req.Reason)

	return true
}

// AddDownload posts the request. A 2xx answer whose status is not "error" is success.
func (c *Client) AddDownload(ctx context.Context, req AddRequest) (*AddResponse, error) {
	var out AddResponse
	if err := c.post(ctx, "add_download", "/downloads/add", req, &out); err != nil {
		return nil, err
	}

	if out.Status == "error" {
		return nil, &NetworkError{Operation: "add_download", StatusCode: http.StatusOK, APIMessage: out.Message, Err: ErrRejected}
	}

	return &out, nil
}

// VideoFormats asks the relay to list formats for a page URL. An answer with
// status "error" is returned as a response, not an error.
func (c *Client) VideoFormats(ctx context.Context, pageURL string) (*FormatsResponse, error) {
	var out FormatsResponse
	if err := c.post(ctx, "video_formats", "/video/formats", map[string]string{"url": pageURL}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// ReportVersion posts the extension version and returns the relay's command.
func (c *Client) ReportVersion(ctx context.Context, version string) (*VersionReport, error) {
	var out VersionReport
	if err := c.post(ctx, "report_version", "/extension/report_version", map[string]string{"version": version}, &out); err != nil {
		return nil, err
	}

	if out.Command == "" {
		out.Command = CommandNone
	}

	return &out, nil
}

func (c *Client) post(ctx context.Context, operation, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: "failed to read body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: apiMessage(raw, resp.Status), Err: ErrRejected}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: "malformed response body", Err: err}
	}

	return nil
}

func apiMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
	}

	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}

	return fallback
}
