package intercept

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/handoff/internal/bus"
	"github.com/italolelis/handoff/internal/relay"
)

type fakeFormats struct {
	resp *relay.FormatsResponse
	err  error
}

func (f fakeFormats) VideoFormats(context.Context, string) (*relay.FormatsResponse, error) {
	return f.resp, f.err
}

func dispatch(t *testing.T, r *bus.Router, action bus.Action, payload string) bus.Reply {
	t.Helper()

	return r.Dispatch(context.Background(), bus.Message{ID: 1, Action: action, Payload: json.RawMessage(payload)})
}

func decodeResult(t *testing.T, reply bus.Reply) map[string]any {
	t.Helper()

	require.True(t, reply.OK, reply.Error)

	var out map[string]any
	require.NoError(t, json.Unmarshal(reply.Result, &out))

	return out
}

func TestRegister_Actions(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeRelay{ok: true})
	r := bus.NewRouter()
	c.Register(r, fakeFormats{resp: &relay.FormatsResponse{Status: "success"}})

	assert.ElementsMatch(t, []bus.Action{
		bus.ActionPing,
		bus.ActionDeterminingFilename,
		bus.ActionDownloadCreated,
		bus.ActionPageClick,
		bus.ActionContextMenu,
		bus.ActionShowModalRemote,
		bus.ActionSendToApp,
		bus.ActionResumeBrowserDownload,
		bus.ActionGetFormats,
	}, r.Actions())
}

func TestRegister_DeterminingFilename(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)
	r := bus.NewRouter()
	c.Register(r, nil)

	reply := dispatch(t, r, bus.ActionDeterminingFilename,
		`{"url":"https://cdn.example.com/SteamSetup.exe","size":8000000,"download_id":42,"page_url":"https://store.example.com/"}`)

	out := decodeResult(t, reply)
	assert.Equal(t, "native:42", out["key"])
	assert.Equal(t, true, out["claimed"])
	assert.Equal(t, "redirected", out["state"])
	assert.Equal(t, 1, browser.count("cancel:42"))
}

func TestRegister_SendToAppCarriesReason(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, _ := newTestCoordinator(t, rl)
	r := bus.NewRouter()
	c.Register(r, nil)

	reply := dispatch(t, r, bus.ActionSendToApp, `{"url":"https://example.com/v","format_id":"22","reason":"Video"}`)

	decodeResult(t, reply)
	require.Len(t, rl.sent(), 1)
	assert.Equal(t, "Video", rl.sent()[0].Reason)
	assert.Equal(t, "22", rl.sent()[0].FormatID)
}

func TestRegister_ResumeBrowserDownload(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: true})
	r := bus.NewRouter()
	c.Register(r, nil)

	out := decodeResult(t, dispatch(t, r, bus.ActionResumeBrowserDownload, `{"download_id":5}`))
	assert.Equal(t, "resumed_in_browser", out["state"])
	assert.Equal(t, 1, browser.count("resume:5"))

	reply := dispatch(t, r, bus.ActionResumeBrowserDownload, `{}`)
	assert.False(t, reply.OK)
	assert.Equal(t, errMissingDownloadID.Error(), reply.Error)
}

func TestRegister_InvalidPayloads(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeRelay{ok: true})
	r := bus.NewRouter()
	c.Register(r, nil)

	reply := dispatch(t, r, bus.ActionPageClick, `{"filename":"a.zip"}`)
	assert.False(t, reply.OK)
	assert.Equal(t, errMissingURL.Error(), reply.Error)

	reply = dispatch(t, r, bus.ActionContextMenu, `{"url":`)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "invalid payload")

	reply = dispatch(t, r, bus.ActionSendToApp, `{"reason":"Video"}`)
	assert.False(t, reply.OK)
}

func TestRegister_GetFormats(t *testing.T) {
	tests := []struct {
		name    string
		formats FormatLister
		status  string
	}{
		{"success", fakeFormats{resp: &relay.FormatsResponse{Status: "success", Title: "clip", Formats: []relay.Format{{ID: "22", Label: "720p"}}}}, "success"},
		{"relay down", fakeFormats{err: errBrowser}, "error"},
		{"no lister", nil, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t, &fakeRelay{ok: true})
			r := bus.NewRouter()
			c.Register(r, tt.formats)

			out := decodeResult(t, dispatch(t, r, bus.ActionGetFormats, `{"url":"https://video.example.com/watch?v=1"}`))
			assert.Equal(t, tt.status, out["status"])
		})
	}
}
