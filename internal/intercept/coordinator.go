package intercept

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/notifier"
	"github.com/italolelis/handoff/internal/relay"
	"github.com/italolelis/handoff/internal/storage"
)

// DownloadInProgress is the browser's state for a download that is still transferring.
const DownloadInProgress = "in_progress"

// DownloadState is the live state of a native download as the browser reports it.
type DownloadState struct {
	Exists bool   `json:"exists"`
	State  string `json:"state"`
	Paused bool   `json:"paused"`
}

// Claimable reports whether the download can still be taken over.
func (s DownloadState) Claimable() bool {
	return s.Exists && s.State == DownloadInProgress && !s.Paused
}

// Downloads drives the browser's native download API.
type Downloads interface {
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	Erase(ctx context.Context, id int64) error
	Lookup(ctx context.Context, id int64) (DownloadState, error)
}

// Navigator sends a tab to a URL.
type Navigator interface {
	Navigate(ctx context.Context, tabID int, url string) error
}

// Indicator sets the short text shown on the extension icon.
type Indicator interface {
	SetBadge(ctx context.Context, text string) error
}

// Browser is everything the coordinator asks of the extension.
type Browser interface {
	Downloads
	Navigator
	Indicator
}

// Relay hands a download to the desktop app. It never fails loudly.
type Relay interface {
	Send(ctx context.Context, req relay.AddRequest) bool
}

// Recorder keeps the decision log.
type Recorder interface {
	RecordDecision(ctx context.Context, rec storage.DecisionRecord) error
	RecordOutcome(ctx context.Context, key, outcome string) error
}

// Metrics receives interception counters.
type Metrics interface {
	RecordDecision(source, reason string, intercept bool)
	InterceptionStarted(source string)
	InterceptionFinished(source, state string)
	RecordClaimLost(source string)
}

type Options struct {
	RelayTimeout      time.Duration
	SecondaryDelay    time.Duration
	StaleAfter        time.Duration
	TombstoneTTL      time.Duration
	SweepInterval     time.Duration
	BadgeDuration     time.Duration
	ConfirmPageClicks bool
	// UserAgent is sent to the relay when the candidate does not carry one.
	UserAgent string
}

func DefaultOptions() Options {
	return Options{
		RelayTimeout:      15 * time.Second,
		SecondaryDelay:    300 * time.Millisecond,
		StaleAfter:        20 * time.Second,
		TombstoneTTL:      30 * time.Second,
		SweepInterval:     5 * time.Second,
		BadgeDuration:     2 * time.Second,
		ConfirmPageClicks: true,
	}
}

// Outcome is what a handler did with a candidate.
type Outcome struct {
	Key      Key      `json:"key,omitempty"`
	Decision Decision `json:"decision"`
	Claimed  bool     `json:"claimed"`
	State    State    `json:"state,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

const (
	badgeOK = "OK"

	detailClaimed     = "already claimed"
	detailUnclaimable = "download not claimable"
)

// Option configures optional collaborators of the Coordinator.
type Option func(*Coordinator)

func WithNotifier(n notifier.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithConfirmGate(g *ConfirmGate) Option {
	return func(c *Coordinator) { c.gate = g }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the interception state machine. Handlers are safe to call
// concurrently; the claim table guarantees one terminal action per key.
type Coordinator struct {
	classifier *Classifier
	browser    Browser
	relay      Relay
	claims     *ClaimTable
	opts       Options

	notifier notifier.Notifier
	gate     *ConfirmGate
	recorder Recorder
	metrics  Metrics

	badgeMu    sync.Mutex
	badgeTimer *time.Timer
}

func NewCoordinator(classifier *Classifier, browser Browser, rl Relay, opts Options, options ...Option) *Coordinator {
	c := &Coordinator{
		classifier: classifier,
		browser:    browser,
		relay:      rl,
		claims:     NewClaimTable(opts.TombstoneTTL),
		opts:       opts,
		metrics:    nopMetrics{},
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// Claims exposes the claim table for inspection.
func (c *Coordinator) Claims() *ClaimTable {
	return c.claims
}

// Classifier returns the classifier the coordinator decides with.
func (c *Coordinator) Classifier() *Classifier {
	return c.classifier
}

// HandleFilenameDetermination is the primary observer of native downloads.
func (c *Coordinator) HandleFilenameDetermination(ctx context.Context, cand Candidate) Outcome {
	cand.Source = SourceFilenameDetermination

	return c.handleNative(ctx, cand, false)
}

// HandleDownloadCreated is the secondary observer. It waits so the primary can
// claim first, then only takes over downloads that are still running unpaused.
func (c *Coordinator) HandleDownloadCreated(ctx context.Context, cand Candidate) Outcome {
	cand.Source = SourceDownloadCreated

	return c.handleNative(ctx, cand, true)
}

func (c *Coordinator) handleNative(ctx context.Context, cand Candidate, secondary bool) Outcome {
	dec := c.classifier.Classify(cand)

	if cand.NativeDownloadID == nil {
		return Outcome{Decision: dec, Detail: "missing download id"}
	}

	id := *cand.NativeDownloadID
	key := NativeKey(id)
	ctx = logctx.WithInterception(ctx, key.String())
	logger := logctx.LoggerFromContext(ctx)

	c.decided(ctx, key, cand, dec)

	out := Outcome{Key: key, Decision: dec}
	if !dec.Intercept {
		return out
	}

	if secondary {
		if !sleep(ctx, c.opts.SecondaryDelay) {
			out.Detail = "cancelled"
			return out
		}

		if c.claims.Claimed(key) {
			c.metrics.RecordClaimLost(cand.Source.String())
			out.Detail = detailClaimed

			return out
		}

		state, err := c.browser.Lookup(ctx, id)
		if err != nil {
			logger.WarnContext(ctx, "could not look up download, leaving it to the browser", "err", err)
			out.Detail = detailUnclaimable

			return out
		}

		if !state.Claimable() {
			logger.DebugContext(ctx, "download not claimable", "exists", state.Exists, "state", state.State, "paused", state.Paused)
			out.Detail = detailUnclaimable

			return out
		}
	}

	if !c.claim(ctx, key, cand) {
		out.Detail = detailClaimed
		return out
	}

	out.Claimed = true

	if err := c.browser.Pause(ctx, id); err != nil {
		logger.WarnContext(ctx, "pause failed, browser keeps the download", "err", err)
		out.State, _ = c.finish(ctx, key, StateResumedInBrowser)
		out.Detail = "pause failed"

		return out
	}

	c.claims.Advance(key, StatePaused)
	out.State = c.relayNative(ctx, key, cand, dec)

	return out
}

// HandlePageClick handles a link click the content script held back.
func (c *Coordinator) HandlePageClick(ctx context.Context, cand Candidate) Outcome {
	cand.Source = SourcePageClick

	key := PageKey()
	ctx = logctx.WithInterception(ctx, key.String())

	dec := c.classifier.Classify(cand)
	c.decided(ctx, key, cand, dec)

	out := Outcome{Key: key, Decision: dec}
	if !dec.Intercept {
		return out
	}

	if !c.claim(ctx, key, cand) {
		out.Detail = detailClaimed
		return out
	}

	out.Claimed = true

	if c.opts.ConfirmPageClicks && c.gate != nil {
		res := c.gate.Confirm(ctx, cand, dec)
		if res != ConfirmConfirmed {
			out.Detail = "confirmation " + res.String()
			out.State = c.navigateBack(ctx, key, cand)

			return out
		}
	}

	out.State = c.relayPage(ctx, key, cand, dec)

	return out
}

// HandleContextMenu sends a link the user explicitly chose to send. The classifier is not consulted.
func (c *Coordinator) HandleContextMenu(ctx context.Context, cand Candidate) Outcome {
	cand.Source = SourceContextMenu

	key := PageKey()
	ctx = logctx.WithInterception(ctx, key.String())

	dec := c.classifier.Manual(cand)
	c.decided(ctx, key, cand, dec)

	out := Outcome{Key: key, Decision: dec}
	if !c.claim(ctx, key, cand) {
		out.Detail = detailClaimed
		return out
	}

	out.Claimed = true

	sent, active := c.send(ctx, key, cand, dec)
	if !active {
		out.State = c.currentState(key)
		return out
	}

	bg := context.WithoutCancel(ctx)

	if sent {
		if state, won := c.finish(ctx, key, StateRedirected); won {
			c.notifySent(bg, cand, dec)
			c.flashBadge(bg)
			out.State = state
		}

		return out
	}

	out.State, _ = c.finish(ctx, key, StateResumedInBrowser)
	c.notify(bg, notifier.Notification{
		Title:   "App unreachable",
		Message: fmt.Sprintf("Could not send %s", dec.Filename),
		Level:   notifier.LevelError,
	})

	return out
}

// SendToApp relays a candidate the user already approved elsewhere, such as the popup.
// With a native download id it takes the download over like the primary observer.
func (c *Coordinator) SendToApp(ctx context.Context, cand Candidate, reason string) Outcome {
	if cand.Source == SourceUnknown {
		cand.Source = SourcePageClick
	}

	dec := c.classifier.Manual(cand)
	if reason != "" {
		dec.Reason = reason
	}

	key := KeyFor(cand)
	ctx = logctx.WithInterception(ctx, key.String())
	c.decided(ctx, key, cand, dec)

	out := Outcome{Key: key, Decision: dec}
	if !c.claim(ctx, key, cand) {
		out.Detail = detailClaimed
		return out
	}

	out.Claimed = true

	if cand.NativeDownloadID == nil {
		out.State = c.relayPage(ctx, key, cand, dec)
		return out
	}

	if err := c.browser.Pause(ctx, *cand.NativeDownloadID); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "pause failed, browser keeps the download", "err", err)
		out.State, _ = c.finish(ctx, key, StateResumedInBrowser)
		out.Detail = "pause failed"

		return out
	}

	c.claims.Advance(key, StatePaused)
	out.State = c.relayNative(ctx, key, cand, dec)

	return out
}

// HandleRemoteSignal shows the confirmation modal because the desktop app asked for it.
// Rules that make a URL unreachable from the app still apply; the rest are waived.
func (c *Coordinator) HandleRemoteSignal(ctx context.Context, cand Candidate) Outcome {
	cand.Source = SourceRemoteSignal

	key := KeyFor(cand)
	ctx = logctx.WithInterception(ctx, key.String())
	logger := logctx.LoggerFromContext(ctx)

	dec := c.classifier.Classify(cand)
	if !dec.Intercept && dec.Reason == ReasonNotPriority {
		dec.Intercept = true
		dec.Reason = ReasonRemote
	}

	c.decided(ctx, key, cand, dec)

	out := Outcome{Key: key, Decision: dec}
	if !dec.Intercept {
		return out
	}

	if !c.claim(ctx, key, cand) {
		out.Detail = detailClaimed
		return out
	}

	out.Claimed = true
	native := cand.NativeDownloadID != nil

	if native {
		if err := c.browser.Pause(ctx, *cand.NativeDownloadID); err != nil {
			logger.WarnContext(ctx, "pause failed, browser keeps the download", "err", err)
			out.State, _ = c.finish(ctx, key, StateResumedInBrowser)
			out.Detail = "pause failed"

			return out
		}

		c.claims.Advance(key, StatePaused)
	}

	res := ConfirmConfirmed
	if c.gate != nil {
		res = c.gate.Confirm(ctx, cand, dec)
	}

	if res != ConfirmConfirmed {
		out.Detail = "confirmation " + res.String()

		if native {
			out.State, _ = c.resumeNative(ctx, key, *cand.NativeDownloadID)
		} else {
			out.State = c.navigateBack(ctx, key, cand)
		}

		return out
	}

	if native {
		out.State = c.relayNative(ctx, key, cand, dec)
	} else {
		out.State = c.relayPage(ctx, key, cand, dec)
	}

	return out
}

// ResumeBrowserDownload gives a download back to the browser immediately. Any
// relay call in flight for it is cancelled and no further relay calls are made.
func (c *Coordinator) ResumeBrowserDownload(ctx context.Context, id int64) Outcome {
	key := NativeKey(id)
	ctx = logctx.WithInterception(ctx, key.String())
	logger := logctx.LoggerFromContext(ctx)

	out := Outcome{Key: key, State: StateResumedInBrowser}

	if _, won := c.finish(ctx, key, StateResumedInBrowser); !won {
		if state, ok := c.claims.State(key); ok && state.Terminal() {
			out.State = state
			out.Detail = "already finished"

			return out
		}

		c.claims.Tombstone(key, StateResumedInBrowser)
		out.Detail = "untracked"
	} else {
		out.Claimed = true
	}

	if err := c.browser.Resume(ctx, id); err != nil {
		logger.WarnContext(ctx, "resume failed", "err", err)
		out.Detail = "resume failed"
	}

	return out
}

// Sweep releases interceptions that stopped making progress and drops expired
// tombstones. Interceptions waiting on a human are left alone.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) int {
	logger := logctx.LoggerFromContext(ctx)
	released := 0

	for _, entry := range c.claims.Stale(now.Add(-c.opts.StaleAfter)) {
		if awaitingHuman(entry) {
			continue
		}

		ctx := logctx.WithInterception(ctx, entry.Key.String())

		if _, won := c.finish(ctx, entry.Key, StateResumedInBrowser); !won {
			continue
		}

		released++
		logger.WarnContext(ctx, "releasing stale interception", "state", entry.State, "claimed_at", entry.ClaimedAt)

		switch {
		case entry.Candidate.NativeDownloadID != nil:
			if err := c.browser.Resume(ctx, *entry.Candidate.NativeDownloadID); err != nil {
				logger.WarnContext(ctx, "resume of stale download failed", "err", err)
			}
		case entry.Candidate.TabID != nil:
			if err := c.browser.Navigate(ctx, *entry.Candidate.TabID, entry.Candidate.URL); err != nil {
				logger.WarnContext(ctx, "navigation for stale interception failed", "err", err)
			}
		}
	}

	if n := c.claims.PruneTombstones(); n > 0 {
		logger.DebugContext(ctx, "pruned tombstones", "count", n)
	}

	return released
}

// Run sweeps on every SweepInterval until ctx is done. A panic in a sweep is
// logged and the loop keeps going.
func (c *Coordinator) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "coordinator")
	ctx = logctx.WithLogger(ctx, logger)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "sweeper stopped")
			return
		case now := <-ticker.C:
			c.safeSweep(ctx, now)
		}
	}
}

func (c *Coordinator) safeSweep(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "sweep panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	c.Sweep(ctx, now)
}

func (c *Coordinator) relayNative(ctx context.Context, key Key, cand Candidate, dec Decision) State {
	logger := logctx.LoggerFromContext(ctx)
	id := *cand.NativeDownloadID

	sent, active := c.send(ctx, key, cand, dec)
	if !active {
		return c.currentState(key)
	}

	bg := context.WithoutCancel(ctx)

	if !sent {
		state, won := c.resumeNative(ctx, key, id)
		if won {
			c.notify(bg, notifier.Notification{
				Title:   "App unreachable",
				Message: fmt.Sprintf("%s continues downloading in the browser", dec.Filename),
				Level:   notifier.LevelError,
			})
		}

		return state
	}

	state, won := c.finish(ctx, key, StateRedirected)
	if !won {
		logger.WarnContext(ctx, "relay accepted a download that was already released", "state", state)
		return state
	}

	if err := c.browser.Cancel(bg, id); err != nil {
		logger.WarnContext(ctx, "cancel of redirected download failed", "err", err)
	}

	if err := c.browser.Erase(bg, id); err != nil {
		logger.WarnContext(ctx, "erase of redirected download failed", "err", err)
	}

	c.notifySent(bg, cand, dec)
	c.flashBadge(bg)

	return state
}

func (c *Coordinator) relayPage(ctx context.Context, key Key, cand Candidate, dec Decision) State {
	sent, active := c.send(ctx, key, cand, dec)
	if !active {
		return c.currentState(key)
	}

	bg := context.WithoutCancel(ctx)

	if sent {
		state, won := c.finish(ctx, key, StateRedirected)
		if won {
			c.notifySent(bg, cand, dec)
			c.flashBadge(bg)
		}

		return state
	}

	state := c.navigateBack(ctx, key, cand)
	c.notify(bg, notifier.Notification{
		Title:   "App unreachable",
		Message: fmt.Sprintf("Opening %s in the browser", dec.Filename),
		Level:   notifier.LevelError,
	})

	return state
}

// send runs one relay call for key under RelayTimeout. active is false when key
// was finished by someone else first; the relay is not called in that case.
func (c *Coordinator) send(ctx context.Context, key Key, cand Candidate, dec Decision) (sent, active bool) {
	if !c.claims.Advance(key, StateAwaitingRelay) {
		return false, false
	}

	relayCtx, cancel := context.WithTimeout(ctx, c.opts.RelayTimeout)
	defer cancel()

	if !c.claims.Attach(key, cancel) {
		return false, false
	}

	return c.relay.Send(relayCtx, c.addRequest(cand, dec)), true
}

func (c *Coordinator) resumeNative(ctx context.Context, key Key, id int64) (State, bool) {
	state, won := c.finish(ctx, key, StateResumedInBrowser)
	if !won {
		return state, false
	}

	if err := c.browser.Resume(context.WithoutCancel(ctx), id); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "resume failed, download may stay paused", "err", err)
	}

	return state, true
}

// navigateBack lets the browser have the link the content script held back.
func (c *Coordinator) navigateBack(ctx context.Context, key Key, cand Candidate) State {
	state, won := c.finish(ctx, key, StateResumedInBrowser)
	if !won || cand.TabID == nil {
		return state
	}

	if err := c.browser.Navigate(context.WithoutCancel(ctx), *cand.TabID, cand.URL); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "navigation failed", "tab_id", *cand.TabID, "err", err)
	}

	return state
}

func (c *Coordinator) claim(ctx context.Context, key Key, cand Candidate) bool {
	if err := c.claims.TryClaim(key, cand); err != nil {
		c.metrics.RecordClaimLost(cand.Source.String())
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "abstaining", "source", cand.Source, "err", err)

		return false
	}

	c.metrics.InterceptionStarted(cand.Source.String())

	return true
}

// finish applies a terminal state. It returns the state in force and whether this call applied it.
func (c *Coordinator) finish(ctx context.Context, key Key, state State) (State, bool) {
	cand, won := c.claims.Finish(key, state)
	if !won {
		return c.currentState(key), false
	}

	c.metrics.InterceptionFinished(cand.Source.String(), state.String())
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "interception finished", "state", state, "source", cand.Source)

	if c.recorder != nil {
		err := c.recorder.RecordOutcome(context.WithoutCancel(ctx), key.String(), state.String())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record outcome", "err", err)
		}
	}

	return state, true
}

func (c *Coordinator) currentState(key Key) State {
	state, _ := c.claims.State(key)
	return state
}

func (c *Coordinator) decided(ctx context.Context, key Key, cand Candidate, dec Decision) {
	c.metrics.RecordDecision(cand.Source.String(), dec.Reason, dec.Intercept)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "classified",
		"source", cand.Source,
		"intercept", dec.Intercept,
		"reason", dec.Reason,
		"filename", dec.Filename,
	)

	if c.recorder == nil {
		return
	}

	decision := storage.DecisionIgnored
	if dec.Intercept {
		decision = storage.DecisionIntercepted
	}

	rec := storage.DecisionRecord{
		Key:       key.String(),
		URL:       cand.URL,
		Source:    cand.Source.String(),
		Decision:  decision,
		Reason:    dec.Reason,
		Filename:  dec.Filename,
		SizeBytes: cand.Size(),
	}

	if !dec.Intercept {
		rec.Outcome = "ignored"
	}

	if err := c.recorder.RecordDecision(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record decision", "err", err)
	}
}

func (c *Coordinator) addRequest(cand Candidate, dec Decision) relay.AddRequest {
	referer := cand.Referrer
	if referer == "" {
		referer = cand.PageURL
	}

	userAgent := cand.UserAgent
	if userAgent == "" {
		userAgent = c.opts.UserAgent
	}

	return relay.AddRequest{
		URL:       cand.URL,
		Referer:   referer,
		FormatID:  cand.FormatID,
		UserAgent: userAgent,
		Filename:  dec.Filename,
		Size:      cand.Size(),
		Reason:    dec.Reason,
	}
}

func (c *Coordinator) notifySent(ctx context.Context, cand Candidate, dec Decision) {
	msg := dec.Filename
	if size := cand.Size(); size > 0 {
		msg = fmt.Sprintf("%s (%s)", dec.Filename, humanize.Bytes(uint64(size)))
	}

	c.notify(ctx, notifier.Notification{
		Title:   "Sent to app",
		Message: fmt.Sprintf("%s, %s", msg, dec.Reason),
		Level:   notifier.LevelSuccess,
	})
}

func (c *Coordinator) notify(ctx context.Context, n notifier.Notification) {
	if c.notifier == nil {
		return
	}

	if err := c.notifier.Notify(ctx, n); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "notification failed", "title", n.Title, "err", err)
	}
}

// flashBadge shows "OK" on the extension icon and clears it after BadgeDuration.
func (c *Coordinator) flashBadge(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.browser.SetBadge(ctx, badgeOK); err != nil {
		logger.DebugContext(ctx, "badge update failed", "err", err)
		return
	}

	c.badgeMu.Lock()
	defer c.badgeMu.Unlock()

	if c.badgeTimer != nil {
		c.badgeTimer.Stop()
	}

	c.badgeTimer = time.AfterFunc(c.opts.BadgeDuration, func() {
		if err := c.browser.SetBadge(ctx, ""); err != nil {
			logger.DebugContext(ctx, "badge clear failed", "err", err)
		}
	})
}

func awaitingHuman(s Snapshot) bool {
	if s.State == StateAwaitingRelay {
		return false
	}

	return s.Candidate.Source == SourcePageClick || s.Candidate.Source == SourceRemoteSignal
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(string, string, bool) {}
func (nopMetrics) InterceptionStarted(string)          {}
func (nopMetrics) InterceptionFinished(string, string) {}
func (nopMetrics) RecordClaimLost(string)              {}
