package intercept

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/italolelis/handoff/internal/bus"
	"github.com/italolelis/handoff/internal/relay"
)

// FormatLister lists the formats a video page offers.
type FormatLister interface {
	VideoFormats(ctx context.Context, pageURL string) (*relay.FormatsResponse, error)
}

type sendToAppPayload struct {
	Candidate
	Reason string `json:"reason,omitempty"`
}

type resumePayload struct {
	DownloadID *int64 `json:"download_id"`
}

type formatsPayload struct {
	URL string `json:"url"`
}

var (
	errMissingURL        = errors.New("url is required")
	errMissingDownloadID = errors.New("download_id is required")
)

// Register wires the coordinator's handlers into r. Event handlers reply with
// the Outcome once the interception has settled.
func (c *Coordinator) Register(r *bus.Router, formats FormatLister) {
	r.Handle(bus.ActionDeterminingFilename, c.candidateHandler(c.HandleFilenameDetermination))
	r.Handle(bus.ActionDownloadCreated, c.candidateHandler(c.HandleDownloadCreated))
	r.Handle(bus.ActionPageClick, c.candidateHandler(c.HandlePageClick))
	r.Handle(bus.ActionContextMenu, c.candidateHandler(c.HandleContextMenu))
	r.Handle(bus.ActionShowModalRemote, c.candidateHandler(c.HandleRemoteSignal))

	r.Handle(bus.ActionSendToApp, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := bus.Bind[sendToAppPayload](raw)
		if err != nil {
			return nil, err
		}

		if p.URL == "" {
			return nil, errMissingURL
		}

		return c.SendToApp(ctx, p.Candidate, p.Reason), nil
	})

	r.Handle(bus.ActionResumeBrowserDownload, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := bus.Bind[resumePayload](raw)
		if err != nil {
			return nil, err
		}

		if p.DownloadID == nil {
			return nil, errMissingDownloadID
		}

		return c.ResumeBrowserDownload(ctx, *p.DownloadID), nil
	})

	r.Handle(bus.ActionGetFormats, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := bus.Bind[formatsPayload](raw)
		if err != nil {
			return nil, err
		}

		if formats == nil {
			return &relay.FormatsResponse{Status: "error", Message: "format lookup unavailable"}, nil
		}

		resp, err := formats.VideoFormats(ctx, p.URL)
		if err != nil {
			return &relay.FormatsResponse{Status: "error", Message: err.Error()}, nil
		}

		return resp, nil
	})
}

func (c *Coordinator) candidateHandler(handle func(context.Context, Candidate) Outcome) bus.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		cand, err := bus.Bind[Candidate](raw)
		if err != nil {
			return nil, err
		}

		if cand.URL == "" {
			return nil, errMissingURL
		}

		return handle(ctx, cand), nil
	}
}
