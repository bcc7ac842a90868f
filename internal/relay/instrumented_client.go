package relay

import (
	"context"

	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented relay client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Send hands a download to the relay with telemetry. Like Client.Send it never fails loudly.
func (c *InstrumentedClient) Send(ctx context.Context, req AddRequest) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "relay send panicked", "panic", r)
			c.telemetry.RecordSystemError("relay", "panic")
			ok = false
		}
	}()

	err := c.telemetry.InstrumentRelayOperation(ctx, "add_download", func(ctx context.Context) error {
		_, err := c.client.AddDownload(ctx, req)

		return err
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "relay send failed", "url", req.URL, "err", err)

		return false
	}

	return true
}

// VideoFormats lists formats with telemetry.
func (c *InstrumentedClient) VideoFormats(ctx context.Context, pageURL string) (*FormatsResponse, error) {
	var result *FormatsResponse

	err := c.telemetry.InstrumentRelayOperation(ctx, "video_formats", func(ctx context.Context) error {
		var err error
		result, err = c.client.VideoFormats(ctx, pageURL)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ReportVersion reports the extension version with telemetry.
func (c *InstrumentedClient) ReportVersion(ctx context.Context, version string) (*VersionReport, error) {
	var result *VersionReport

	err := c.telemetry.InstrumentRelayOperation(ctx, "report_version", func(ctx context.Context) error {
		var err error
		result, err = c.client.ReportVersion(ctx, version)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
