package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/italolelis/handoff/internal/logctx"
)

// Action names a message type.
type Action string

// Actions the extension sends to the host.
const (
	ActionSendToApp             Action = "send_to_app"
	ActionResumeBrowserDownload Action = "RESUME_BROWSER_DOWNLOAD"
	ActionGetFormats            Action = "GET_FORMATS"
	ActionShowModalRemote       Action = "SHOW_MODAL_REMOTE"
	ActionDeterminingFilename   Action = "download.determining_filename"
	ActionDownloadCreated       Action = "download.created"
	ActionPageClick             Action = "page.click"
	ActionContextMenu           Action = "context_menu.click"
	ActionPing                  Action = "ping"
)

// Commands the host sends to the extension.
const (
	CommandPause     Action = "downloads.pause"
	CommandResume    Action = "downloads.resume"
	CommandCancel    Action = "downloads.cancel"
	CommandErase     Action = "downloads.erase"
	CommandSearch    Action = "downloads.search"
	CommandNavigate  Action = "tabs.update"
	CommandGetTab    Action = "tabs.get"
	CommandNotify    Action = "notifications.create"
	CommandSetBadge  Action = "action.setBadgeText"
	CommandShowModal Action = "modal.show"
	CommandReload    Action = "runtime.reload"
)

// ErrUnknownAction is reported for messages no handler is registered for.
var ErrUnknownAction = errors.New("unknown action")

// Message is an action-tagged request in either direction.
type Message struct {
	ID      int64           `json:"id"`
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers the message whose id is ReplyTo.
type Reply struct {
	ReplyTo int64           `json:"replyTo"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Frame is the union of Message and Reply as it appears on the wire.
type Frame struct {
	ID      int64           `json:"id,omitempty"`
	ReplyTo int64           `json:"replyTo,omitempty"`
	Action  Action          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode parses one frame and checks that it is either a message or a reply.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}

	if f.ReplyTo <= 0 && f.Action == "" {
		return f, errors.New("decode frame: neither replyTo nor action set")
	}

	return f, nil
}

func (f Frame) IsReply() bool {
	return f.ReplyTo > 0
}

func (f Frame) Message() Message {
	return Message{ID: f.ID, Action: f.Action, Payload: f.Payload}
}

func (f Frame) Reply() Reply {
	return Reply{ReplyTo: f.ReplyTo, OK: f.OK, Result: f.Result, Error: f.Error}
}

// NewMessage marshals payload into a message.
func NewMessage(id int64, action Action, payload any) (Message, error) {
	msg := Message{ID: id, Action: action}
	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", action, err)
	}

	msg.Payload = raw

	return msg, nil
}

// Bind decodes a payload into T. An empty payload yields the zero value.
func Bind[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}

	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}

	return v, nil
}

// HandlerFunc handles one message. The returned value becomes the reply result.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Router maps actions to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[Action]HandlerFunc
}

// NewRouter returns a router that already answers ping.
func NewRouter() *Router {
	r := &Router{handlers: make(map[Action]HandlerFunc)}
	r.Handle(ActionPing, func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})

	return r
}

// Handle registers h for action, replacing any previous handler.
func (r *Router) Handle(action Action, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[action] = h
}

// Actions lists the registered actions in sorted order.
func (r *Router) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Action, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Dispatch runs the handler for msg and builds the reply. Handler panics become error replies.
func (r *Router) Dispatch(ctx context.Context, msg Message) (reply Reply) {
	logger := logctx.LoggerFromContext(ctx).With("action", msg.Action, "message_id", msg.ID)
	reply.ReplyTo = msg.ID

	r.mu.RLock()
	h, ok := r.handlers[msg.Action]
	r.mu.RUnlock()

	if !ok {
		logger.WarnContext(ctx, "no handler for action")
		reply.Error = ErrUnknownAction.Error()

		return reply
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "handler panicked", "panic", rec, "stack", string(debug.Stack()))
			reply = Reply{ReplyTo: msg.ID, Error: "internal error"}
		}
	}()

	result, err := h(ctx, msg.Payload)
	if err != nil {
		logger.WarnContext(ctx, "handler failed", "err", err)
		reply.Error = err.Error()

		return reply
	}

	reply.OK = true

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			reply.OK = false
			reply.Error = fmt.Sprintf("marshal result: %v", err)

			return reply
		}

		reply.Result = raw
	}

	return reply
}
