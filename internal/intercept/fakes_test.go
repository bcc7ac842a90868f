package intercept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/italolelis/handoff/internal/notifier"
	"github.com/italolelis/handoff/internal/relay"
	"github.com/italolelis/handoff/internal/storage"
)

var errBrowser = errors.New("browser error")

type fakeBrowser struct {
	mu        sync.Mutex
	calls     []string
	downloads map[int64]DownloadState
	pauseErr  error
	lookupErr error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{downloads: make(map[int64]DownloadState)}
}

func (f *fakeBrowser) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBrowser) running(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads[id] = DownloadState{Exists: true, State: DownloadInProgress}
}

func (f *fakeBrowser) Pause(_ context.Context, id int64) error {
	f.record("pause:%d", id)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pauseErr != nil {
		return f.pauseErr
	}

	if st, ok := f.downloads[id]; ok {
		st.Paused = true
		f.downloads[id] = st
	}

	return nil
}

func (f *fakeBrowser) Resume(_ context.Context, id int64) error {
	f.record("resume:%d", id)
	return nil
}

func (f *fakeBrowser) Cancel(_ context.Context, id int64) error {
	f.record("cancel:%d", id)
	return nil
}

func (f *fakeBrowser) Erase(_ context.Context, id int64) error {
	f.record("erase:%d", id)
	return nil
}

func (f *fakeBrowser) Lookup(_ context.Context, id int64) (DownloadState, error) {
	f.record("lookup:%d", id)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lookupErr != nil {
		return DownloadState{}, f.lookupErr
	}

	return f.downloads[id], nil
}

func (f *fakeBrowser) Navigate(_ context.Context, tabID int, url string) error {
	f.record("navigate:%d:%s", tabID, url)
	return nil
}

func (f *fakeBrowser) SetBadge(_ context.Context, text string) error {
	f.record("badge:%s", text)
	return nil
}

// count returns how many recorded calls start with prefix.
func (f *fakeBrowser) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}

	return n
}

type fakeRelay struct {
	mu       sync.Mutex
	requests []relay.AddRequest
	ok       bool
	// block makes Send wait until ctx is done; started receives once per call.
	block   bool
	started chan struct{}
}

func (f *fakeRelay) Send(ctx context.Context, req relay.AddRequest) bool {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}

	if f.block {
		<-ctx.Done()
		return false
	}

	return f.ok
}

func (f *fakeRelay) sent() []relay.AddRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]relay.AddRequest(nil), f.requests...)
}

type fakePrompter struct {
	mu     sync.Mutex
	answer bool
	err    error
	shown  []Prompt
	// release, when set, holds the prompt open until it is closed.
	release chan struct{}
	opened  chan struct{}
}

func (f *fakePrompter) Prompt(ctx context.Context, p Prompt) (bool, error) {
	f.mu.Lock()
	f.shown = append(f.shown, p)
	f.mu.Unlock()

	if f.opened != nil {
		f.opened <- struct{}{}
	}

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return f.answer, f.err
}

func (f *fakePrompter) prompts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.shown)
}

type fakePages map[int]string

func (f fakePages) ActivePage(_ context.Context, tabID int) (string, error) {
	page, ok := f[tabID]
	if !ok {
		return "", errBrowser
	}

	return page, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, n)

	return nil
}

func (f *fakeNotifier) levels() []notifier.Level {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]notifier.Level, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Level)
	}

	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions map[string]storage.DecisionRecord
	outcomes  map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{decisions: make(map[string]storage.DecisionRecord), outcomes: make(map[string]string)}
}

func (f *fakeRecorder) RecordDecision(_ context.Context, rec storage.DecisionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.decisions[rec.Key]; !ok {
		f.decisions[rec.Key] = rec
	}

	return nil
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, key, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.decisions[key]; !ok {
		return storage.ErrNotFound
	}

	f.outcomes[key] = outcome

	return nil
}

func ptr[T any](v T) *T {
	return &v
}
