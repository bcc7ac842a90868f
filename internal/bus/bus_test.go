package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		reply   bool
		wantErr bool
	}{
		{name: "message", raw: `{"id":7,"action":"page.click","payload":{"url":"https://example.com/a.zip"}}`},
		{name: "reply", raw: `{"replyTo":3,"ok":true,"result":{"exists":true}}`, reply: true},
		{name: "failed reply", raw: `{"replyTo":4,"ok":false,"error":"no such download"}`, reply: true},
		{name: "neither", raw: `{"id":1}`, wantErr: true},
		{name: "garbage", raw: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.reply, f.IsReply())
		})
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()

	type payload struct {
		DownloadID int64 `json:"download_id"`
	}

	r.Handle(ActionResumeBrowserDownload, func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := Bind[payload](raw)
		if err != nil {
			return nil, err
		}

		return map[string]int64{"resumed": p.DownloadID}, nil
	})
	r.Handle(ActionGetFormats, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("relay down")
	})
	r.Handle(ActionSendToApp, func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})

	t.Run("success", func(t *testing.T) {
		msg, err := NewMessage(11, ActionResumeBrowserDownload, payload{DownloadID: 42})
		require.NoError(t, err)

		reply := r.Dispatch(context.Background(), msg)
		assert.True(t, reply.OK)
		assert.EqualValues(t, 11, reply.ReplyTo)
		assert.JSONEq(t, `{"resumed":42}`, string(reply.Result))
	})

	t.Run("handler error", func(t *testing.T) {
		reply := r.Dispatch(context.Background(), Message{ID: 12, Action: ActionGetFormats})
		assert.False(t, reply.OK)
		assert.Equal(t, "relay down", reply.Error)
	})

	t.Run("panic", func(t *testing.T) {
		reply := r.Dispatch(context.Background(), Message{ID: 13, Action: ActionSendToApp})
		assert.False(t, reply.OK)
		assert.EqualValues(t, 13, reply.ReplyTo)
		assert.Equal(t, "internal error", reply.Error)
	})

	t.Run("unknown action", func(t *testing.T) {
		reply := r.Dispatch(context.Background(), Message{ID: 14, Action: "tabs.explode"})
		assert.False(t, reply.OK)
		assert.Equal(t, ErrUnknownAction.Error(), reply.Error)
	})

	t.Run("bad payload", func(t *testing.T) {
		reply := r.Dispatch(context.Background(), Message{ID: 15, Action: ActionResumeBrowserDownload, Payload: json.RawMessage(`[1,2]`)})
		assert.False(t, reply.OK)
		assert.Contains(t, reply.Error, "invalid payload")
	})

	t.Run("ping", func(t *testing.T) {
		reply := r.Dispatch(context.Background(), Message{ID: 16, Action: ActionPing})
		assert.True(t, reply.OK)
		assert.JSONEq(t, `{"pong":true}`, string(reply.Result))
	})
}

func TestRouter_Actions(t *testing.T) {
	r := NewRouter()
	r.Handle(ActionPageClick, func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	assert.Equal(t, []Action{ActionPageClick, ActionPing}, r.Actions())
}

func TestBind_Empty(t *testing.T) {
	v, err := Bind[struct{ URL string }](nil)
	require.NoError(t, err)
	assert.Empty(t, v.URL)
}
