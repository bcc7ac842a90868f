package bridge

import (
	"context"
	"errors"

	"github.com/italolelis/handoff/internal/bus"
	"github.com/italolelis/handoff/internal/intercept"
	"github.com/italolelis/handoff/internal/notifier"
)

type downloadRef struct {
	ID int64 `json:"id"`
}

type tabRef struct {
	TabID int `json:"tab_id"`
}

type navigation struct {
	TabID int    `json:"tab_id"`
	URL   string `json:"url"`
}

type badge struct {
	Text string `json:"text"`
}

type tabInfo struct {
	URL string `json:"url"`
}

type modalAnswer struct {
	Confirmed bool `json:"confirmed"`
}

func (b *Bridge) Pause(ctx context.Context, id int64) error {
	return b.Call(ctx, bus.CommandPause, downloadRef{ID: id}, nil)
}

func (b *Bridge) Resume(ctx context.Context, id int64) error {
	return b.Call(ctx, bus.CommandResume, downloadRef{ID: id}, nil)
}

func (b *Bridge) Cancel(ctx context.Context, id int64) error {
	return b.Call(ctx, bus.CommandCancel, downloadRef{ID: id}, nil)
}

func (b *Bridge) Erase(ctx context.Context, id int64) error {
	return b.Call(ctx, bus.CommandErase, downloadRef{ID: id}, nil)
}

// Lookup asks the browser for the live state of a download.
func (b *Bridge) Lookup(ctx context.Context, id int64) (intercept.DownloadState, error) {
	var state intercept.DownloadState
	err := b.Call(ctx, bus.CommandSearch, downloadRef{ID: id}, &state)

	return state, err
}

func (b *Bridge) Navigate(ctx context.Context, tabID int, url string) error {
	return b.Call(ctx, bus.CommandNavigate, navigation{TabID: tabID, URL: url}, nil)
}

func (b *Bridge) ActivePage(ctx context.Context, tabID int) (string, error) {
	var info tabInfo
	err := b.Call(ctx, bus.CommandGetTab, tabRef{TabID: tabID}, &info)

	return info.URL, err
}

func (b *Bridge) SetBadge(ctx context.Context, text string) error {
	return b.Call(ctx, bus.CommandSetBadge, badge{Text: text}, nil)
}

// Notify shows a browser notification.
func (b *Bridge) Notify(ctx context.Context, n notifier.Notification) error {
	return b.Call(ctx, bus.CommandNotify, n, nil)
}

// Prompt shows the confirmation modal and waits for the user without a command timeout.
func (b *Bridge) Prompt(ctx context.Context, p intercept.Prompt) (bool, error) {
	var answer modalAnswer

	err := b.telemetry.InstrumentBridgeCommand(ctx, string(bus.CommandShowModal), func(ctx context.Context) error {
		return b.call(ctx, bus.CommandShowModal, p, &answer, 0)
	})

	return answer.Confirmed, err
}

// Reload asks the extension to restart itself. The socket usually drops before
// a reply arrives, which counts as success.
func (b *Bridge) Reload(ctx context.Context) error {
	err := b.Call(ctx, bus.CommandReload, nil, nil)
	if errors.Is(err, ErrDisconnected) {
		return nil
	}

	return err
}

var (
	_ intercept.Browser     = (*Bridge)(nil)
	_ intercept.Prompter    = (*Bridge)(nil)
	_ intercept.PageLocator = (*Bridge)(nil)
	_ notifier.Notifier     = (*Bridge)(nil)
)
