package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/handoff/internal/bus"
	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/telemetry"
)

const writeWait = 10 * time.Second

type Options struct {
	// CommandTimeout bounds every command except modal.show.
	CommandTimeout time.Duration
	PingInterval   time.Duration
	// Version is reported when the extension connects without a version query parameter.
	Version string
}

func DefaultOptions() Options {
	return Options{
		CommandTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		Version:        "1.0.0",
	}
}

type result struct {
	reply bus.Reply
	err   error
}

// Bridge is the host end of the extension's WebSocket. It accepts one
// connection at a time, sends commands to the extension and dispatches the
// extension's messages to a bus.Router.
type Bridge struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	conn       *websocket.Conn
	connecting bool
	version    string
	pending    map[int64]chan result
	nextID     int64

	router    *bus.Router
	telemetry *telemetry.Telemetry
	upgrader  websocket.Upgrader
	opts      Options
}

func New(router *bus.Router, opts Options, tel *telemetry.Telemetry) *Bridge {
	return &Bridge{
		pending:   make(map[int64]chan result),
		router:    router,
		telemetry: tel,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	return origin == "" ||
		strings.HasPrefix(origin, "chrome-extension://") ||
		strings.HasPrefix(origin, "moz-extension://")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// Connected reports whether an extension is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conn != nil
}

// Version is the version the connected extension announced, or the configured fallback.
func (b *Bridge) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.version != "" {
		return b.version
	}

	return b.opts.Version
}

// ServeHTTP upgrades the extension's connection and serves it until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context()).With("component", "bridge")

	if !isLoopback(r.RemoteAddr) {
		logger.WarnContext(r.Context(), "rejecting non-loopback extension connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)

		return
	}

	b.mu.Lock()
	if b.conn != nil || b.connecting {
		b.mu.Unlock()
		logger.WarnContext(r.Context(), "rejecting second extension connection")
		http.Error(w, ErrAlreadyConnected.Error(), http.StatusConflict)

		return
	}
	b.connecting = true
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.mu.Lock()
		b.connecting = false
		b.mu.Unlock()
		logger.WarnContext(r.Context(), "extension upgrade failed", "err", err)

		return
	}

	version := r.URL.Query().Get("version")

	b.mu.Lock()
	b.conn = conn
	b.connecting = false
	b.version = version
	b.mu.Unlock()

	b.telemetry.ExtensionConnected(true)
	logger.InfoContext(r.Context(), "extension connected", "remote_addr", r.RemoteAddr, "version", version)

	// Interceptions outlive the socket that started them.
	ctx := logctx.WithLogger(context.WithoutCancel(r.Context()), logger)

	stop := make(chan struct{})
	go b.pingLoop(conn, stop)

	b.readLoop(ctx, conn)
	close(stop)

	b.disconnect(conn)
	b.telemetry.ExtensionConnected(false)
	logger.InfoContext(ctx, "extension disconnected")
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	logger := logctx.LoggerFromContext(ctx)

	deadline := 3 * b.opts.PingInterval
	extend := func() {
		if deadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
		}
	}

	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugContext(ctx, "extension read ended", "err", err)
			}

			return
		}

		extend()

		frame, err := bus.Decode(raw)
		if err != nil {
			logger.WarnContext(ctx, "dropping malformed frame", "err", err)
			continue
		}

		if frame.IsReply() {
			b.resolve(frame.Reply())
			continue
		}

		go b.dispatch(ctx, conn, frame.Message())
	}
}

func (b *Bridge) dispatch(ctx context.Context, conn *websocket.Conn, msg bus.Message) {
	reply := b.router.Dispatch(ctx, msg)

	if err := b.write(conn, reply); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "could not deliver reply", "action", msg.Action, "err", err)
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if b.opts.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) resolve(reply bus.Reply) {
	b.mu.Lock()
	ch, ok := b.pending[reply.ReplyTo]
	delete(b.pending, reply.ReplyTo)
	b.mu.Unlock()

	if ok {
		ch <- result{reply: reply}
	}
}

// disconnect forgets conn and fails every command still waiting on it.
func (b *Bridge) disconnect(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}

	pending := b.pending
	b.pending = make(map[int64]chan result)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrDisconnected}
	}

	_ = conn.Close()
}

// Close drops the extension connection, if any.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()

	return conn.Close()
}

func (b *Bridge) write(conn *websocket.Conn, v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	return conn.WriteJSON(v)
}

// Call sends a command and decodes the reply result into out, which may be nil.
func (b *Bridge) Call(ctx context.Context, action bus.Action, payload, out any) error {
	return b.telemetry.InstrumentBridgeCommand(ctx, string(action), func(ctx context.Context) error {
		return b.call(ctx, action, payload, out, b.opts.CommandTimeout)
	})
}

func (b *Bridge) call(ctx context.Context, action bus.Action, payload, out any, timeout time.Duration) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", action, ErrNotConnected)
	}

	b.nextID++
	id := b.nextID
	ch := make(chan result, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	msg, err := bus.NewMessage(id, action, payload)
	if err != nil {
		forget()
		return err
	}

	if err := b.write(conn, msg); err != nil {
		forget()
		return fmt.Errorf("send %s: %w", action, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)

		defer cancel()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", action, res.err)
		}

		if !res.reply.OK {
			return &CommandError{Action: action, Message: res.reply.Error}
		}

		if out != nil && len(res.reply.Result) > 0 {
			if err := json.Unmarshal(res.reply.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", action, err)
			}
		}

		return nil
	case <-ctx.Done():
		forget()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", action, ErrTimeout)
		}

		return ctx.Err()
	}
}
