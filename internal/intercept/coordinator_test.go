package intercept

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/handoff/internal/notifier"
	"github.com/italolelis/handoff/internal/relay"
	"github.com/italolelis/handoff/internal/storage"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.SecondaryDelay = 20 * time.Millisecond
	opts.RelayTimeout = 2 * time.Second
	opts.BadgeDuration = 10 * time.Millisecond
	opts.UserAgent = "handoff-test"

	return opts
}

func newTestCoordinator(t *testing.T, rl Relay, options ...Option) (*Coordinator, *fakeBrowser) {
	t.Helper()

	browser := newFakeBrowser()

	return NewCoordinator(newTestClassifier(t), browser, rl, testOptions(), options...), browser
}

func steamSetup(id int64) Candidate {
	return Candidate{
		URL:              "https://cdn.example.com/SteamSetup.exe",
		SizeBytes:        8_000_000,
		NativeDownloadID: ptr(id),
		PageURL:          "https://store.example.com/about",
	}
}

func TestCoordinator_LargeInstallerIsRedirected(t *testing.T) {
	rl := &fakeRelay{ok: true}
	notes := &fakeNotifier{}
	rec := newFakeRecorder()
	c, browser := newTestCoordinator(t, rl, WithNotifier(notes), WithRecorder(rec))

	out := c.HandleFilenameDetermination(context.Background(), steamSetup(42))

	assert.True(t, out.Claimed)
	assert.Equal(t, StateRedirected, out.State)
	assert.Equal(t, ReasonLargeArchive, out.Decision.Reason)

	assert.Equal(t, 1, browser.count("pause:42"))
	assert.Equal(t, 1, browser.count("cancel:42"))
	assert.Equal(t, 1, browser.count("erase:42"))
	assert.Zero(t, browser.count("resume:"))
	assert.Equal(t, 1, browser.count("badge:OK"))
	assert.Eventually(t, func() bool { return browser.count("badge:") == 2 }, time.Second, 5*time.Millisecond)

	require.Len(t, rl.sent(), 1)
	assert.Equal(t, relay.AddRequest{
		URL:       "https://cdn.example.com/SteamSetup.exe",
		Referer:   "https://store.example.com/about",
		UserAgent: "handoff-test",
		Filename:  "SteamSetup.exe",
		Size:      8_000_000,
		Reason:    ReasonLargeArchive,
	}, rl.sent()[0])

	assert.Equal(t, []notifier.Level{notifier.LevelSuccess}, notes.levels())
	assert.Equal(t, storage.DecisionIntercepted, rec.decisions["native:42"].Decision)
	assert.Equal(t, "redirected", rec.outcomes["native:42"])
	assert.Zero(t, c.Claims().Len())
}

func TestCoordinator_IgnoredCandidatesAreLeftAlone(t *testing.T) {
	tests := []struct {
		name   string
		cand   Candidate
		reason string
	}{
		{"small image", Candidate{URL: "https://example.com/logo.png", SizeBytes: 2_048, NativeDownloadID: ptr(int64(1))}, ReasonNotPriority},
		{"sensitive page", Candidate{URL: "https://cdn.example.com/SteamSetup.exe", SizeBytes: 80_000_000, PageURL: "https://checkout.example.com/", NativeDownloadID: ptr(int64(2))}, ReasonSensitive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := &fakeRelay{ok: true}
			rec := newFakeRecorder()
			c, browser := newTestCoordinator(t, rl, WithRecorder(rec))

			out := c.HandleFilenameDetermination(context.Background(), tt.cand)

			assert.False(t, out.Claimed)
			assert.False(t, out.Decision.Intercept)
			assert.Equal(t, tt.reason, out.Decision.Reason)
			assert.Empty(t, browser.calls)
			assert.Empty(t, rl.sent())

			stored := rec.decisions[out.Key.String()]
			assert.Equal(t, storage.DecisionIgnored, stored.Decision)
			assert.Equal(t, "ignored", stored.Outcome)
		})
	}
}

func TestCoordinator_UnreachableRelayResumesDownload(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	notes := &fakeNotifier{}
	c, browser := newTestCoordinator(t, relay.NewClient(srv.URL+"/api", time.Second), WithNotifier(notes))

	out := c.HandleFilenameDetermination(context.Background(), steamSetup(7))

	assert.True(t, out.Claimed)
	assert.Equal(t, StateResumedInBrowser, out.State)
	assert.Equal(t, 1, browser.count("pause:7"))
	assert.Equal(t, 1, browser.count("resume:7"))
	assert.Zero(t, browser.count("cancel:"))
	assert.Zero(t, browser.count("erase:"))
	assert.Equal(t, []notifier.Level{notifier.LevelError}, notes.levels())
}

func TestCoordinator_BothObserversOneTakeover(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)
	browser.running(42)

	var (
		wg                 sync.WaitGroup
		primary, secondary Outcome
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		secondary = c.HandleDownloadCreated(context.Background(), steamSetup(42))
	}()

	go func() {
		defer wg.Done()
		primary = c.HandleFilenameDetermination(context.Background(), steamSetup(42))
	}()

	wg.Wait()

	assert.True(t, primary.Claimed)
	assert.Equal(t, StateRedirected, primary.State)
	assert.False(t, secondary.Claimed)
	assert.Equal(t, detailClaimed, secondary.Detail)

	assert.Equal(t, 1, browser.count("pause:42"))
	assert.Equal(t, 1, browser.count("cancel:42"))
	assert.Equal(t, 1, browser.count("erase:42"))
	assert.Len(t, rl.sent(), 1)
}

func TestCoordinator_DuplicatePrimaryEvents(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.HandleFilenameDetermination(context.Background(), steamSetup(42))
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, browser.count("pause:42"))
	assert.Equal(t, 1, browser.count("cancel:42"))
	assert.Len(t, rl.sent(), 1)

	late := c.HandleDownloadCreated(context.Background(), steamSetup(42))
	assert.False(t, late.Claimed)
	assert.Equal(t, 1, browser.count("cancel:42"))
}

func TestCoordinator_SecondaryTakesOverUnobservedDownload(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)
	browser.running(5)

	out := c.HandleDownloadCreated(context.Background(), steamSetup(5))

	assert.True(t, out.Claimed)
	assert.Equal(t, StateRedirected, out.State)
	assert.Equal(t, 1, browser.count("lookup:5"))
	assert.Equal(t, 1, browser.count("cancel:5"))
}

func TestCoordinator_SecondaryAbstains(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeBrowser)
	}{
		{"download gone", func(*fakeBrowser) {}},
		{"already paused", func(b *fakeBrowser) {
			b.downloads[5] = DownloadState{Exists: true, State: DownloadInProgress, Paused: true}
		}},
		{"complete", func(b *fakeBrowser) {
			b.downloads[5] = DownloadState{Exists: true, State: "complete"}
		}},
		{"lookup fails", func(b *fakeBrowser) { b.lookupErr = errBrowser }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := &fakeRelay{ok: true}
			c, browser := newTestCoordinator(t, rl)
			tt.setup(browser)

			out := c.HandleDownloadCreated(context.Background(), steamSetup(5))

			assert.False(t, out.Claimed)
			assert.Equal(t, detailUnclaimable, out.Detail)
			assert.Zero(t, browser.count("pause:"))
			assert.Empty(t, rl.sent())
		})
	}
}

func TestCoordinator_SecondaryCancelled(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: true})
	browser.running(5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.HandleDownloadCreated(ctx, steamSetup(5))
	assert.False(t, out.Claimed)
	assert.Zero(t, browser.count("lookup:"))
}

func TestCoordinator_PauseFailureKeepsDownloadInBrowser(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)
	browser.pauseErr = errBrowser

	out := c.HandleFilenameDetermination(context.Background(), steamSetup(3))

	assert.True(t, out.Claimed)
	assert.Equal(t, StateResumedInBrowser, out.State)
	assert.Equal(t, "pause failed", out.Detail)
	assert.Empty(t, rl.sent())

	again := c.HandleFilenameDetermination(context.Background(), steamSetup(3))
	assert.False(t, again.Claimed)
}

func TestCoordinator_MissingDownloadID(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: true})

	cand := steamSetup(1)
	cand.NativeDownloadID = nil

	out := c.HandleFilenameDetermination(context.Background(), cand)
	assert.False(t, out.Claimed)
	assert.Empty(t, browser.calls)
}

func TestCoordinator_PageClick(t *testing.T) {
	cand := Candidate{URL: "https://example.com/files/game.zip", SizeBytes: 100, TabID: ptr(4), PageURL: "https://example.com/files"}

	t.Run("confirmed", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, browser := newTestCoordinator(t, rl)
		prompter := &fakePrompter{answer: true}
		c.gate = NewConfirmGate(c.Classifier(), prompter, fakePages{4: cand.PageURL})

		out := c.HandlePageClick(context.Background(), cand)

		assert.True(t, out.Claimed)
		assert.Equal(t, StateRedirected, out.State)
		assert.Equal(t, 1, prompter.prompts())
		assert.Len(t, rl.sent(), 1)
		assert.Zero(t, browser.count("navigate:"))
		assert.Zero(t, browser.count("cancel:"))
	})

	t.Run("declined navigates", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, browser := newTestCoordinator(t, rl)
		c.gate = NewConfirmGate(c.Classifier(), &fakePrompter{answer: false}, nil)

		out := c.HandlePageClick(context.Background(), cand)

		assert.Equal(t, StateResumedInBrowser, out.State)
		assert.Equal(t, "confirmation declined", out.Detail)
		assert.Empty(t, rl.sent())
		assert.Equal(t, 1, browser.count("navigate:4:https://example.com/files/game.zip"))
	})

	t.Run("relay failure navigates", func(t *testing.T) {
		notes := &fakeNotifier{}
		c, browser := newTestCoordinator(t, &fakeRelay{ok: false}, WithNotifier(notes))

		out := c.HandlePageClick(context.Background(), cand)

		assert.Equal(t, StateResumedInBrowser, out.State)
		assert.Equal(t, 1, browser.count("navigate:4:"))
		assert.Equal(t, []notifier.Level{notifier.LevelError}, notes.levels())
	})

	t.Run("confirmation disabled", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		opts := testOptions()
		opts.ConfirmPageClicks = false

		prompter := &fakePrompter{}
		classifier := newTestClassifier(t)
		c := NewCoordinator(classifier, newFakeBrowser(), rl, opts, WithConfirmGate(NewConfirmGate(classifier, prompter, nil)))

		out := c.HandlePageClick(context.Background(), cand)

		assert.Equal(t, StateRedirected, out.State)
		assert.Zero(t, prompter.prompts())
	})

	t.Run("not interesting", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, browser := newTestCoordinator(t, rl)

		out := c.HandlePageClick(context.Background(), Candidate{URL: "https://example.com/readme.txt", TabID: ptr(4)})

		assert.False(t, out.Claimed)
		assert.Empty(t, browser.calls)
	})
}

func TestCoordinator_ContextMenuSkipsRules(t *testing.T) {
	rl := &fakeRelay{ok: true}
	notes := &fakeNotifier{}
	c, browser := newTestCoordinator(t, rl, WithNotifier(notes))

	out := c.HandleContextMenu(context.Background(), Candidate{URL: "https://example.com/logo.png", Referrer: "https://example.com/gallery"})

	assert.True(t, out.Claimed)
	assert.Equal(t, StateRedirected, out.State)
	assert.Equal(t, ReasonManual, out.Decision.Reason)

	require.Len(t, rl.sent(), 1)
	assert.Equal(t, "https://example.com/gallery", rl.sent()[0].Referer)
	assert.Equal(t, ReasonManual, rl.sent()[0].Reason)
	assert.Equal(t, 1, browser.count("badge:OK"))
	assert.Equal(t, []notifier.Level{notifier.LevelSuccess}, notes.levels())
}

func TestCoordinator_SendToApp(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)

	out := c.SendToApp(context.Background(), Candidate{URL: "https://example.com/v.mp4", FormatID: "137"}, "Video")

	assert.Equal(t, StateRedirected, out.State)
	require.Len(t, rl.sent(), 1)
	assert.Equal(t, "Video", rl.sent()[0].Reason)
	assert.Equal(t, "137", rl.sent()[0].FormatID)
	assert.Zero(t, browser.count("cancel:"))

	native := c.SendToApp(context.Background(), steamSetup(11), "")
	assert.Equal(t, StateRedirected, native.State)
	assert.Equal(t, ReasonManual, native.Decision.Reason)
	assert.Equal(t, 1, browser.count("cancel:11"))
}

func TestCoordinator_RemoteSignal(t *testing.T) {
	t.Run("waives file type rule", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, _ := newTestCoordinator(t, rl)
		c.gate = NewConfirmGate(c.Classifier(), &fakePrompter{answer: true}, nil)

		out := c.HandleRemoteSignal(context.Background(), Candidate{URL: "https://example.com/watch?v=abc"})

		assert.True(t, out.Decision.Intercept)
		assert.Equal(t, ReasonRemote, out.Decision.Reason)
		assert.Equal(t, StateRedirected, out.State)
		require.Len(t, rl.sent(), 1)
		assert.Equal(t, ReasonRemote, rl.sent()[0].Reason)
	})

	t.Run("sensitive still wins", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, _ := newTestCoordinator(t, rl)

		out := c.HandleRemoteSignal(context.Background(), Candidate{URL: "https://bank.example.com/statement.pdf"})

		assert.False(t, out.Claimed)
		assert.Equal(t, ReasonSensitive, out.Decision.Reason)
		assert.Empty(t, rl.sent())
	})

	t.Run("declined native download resumes", func(t *testing.T) {
		rl := &fakeRelay{ok: true}
		c, browser := newTestCoordinator(t, rl)
		c.gate = NewConfirmGate(c.Classifier(), &fakePrompter{answer: false}, nil)

		out := c.HandleRemoteSignal(context.Background(), steamSetup(8))

		assert.Equal(t, StateResumedInBrowser, out.State)
		assert.Equal(t, 1, browser.count("pause:8"))
		assert.Equal(t, 1, browser.count("resume:8"))
		assert.Empty(t, rl.sent())
	})
}

func TestCoordinator_ResumeCancelsInFlightRelay(t *testing.T) {
	rl := &fakeRelay{block: true, started: make(chan struct{}, 1)}
	notes := &fakeNotifier{}
	c, browser := newTestCoordinator(t, rl, WithNotifier(notes))

	done := make(chan Outcome, 1)
	go func() { done <- c.HandleFilenameDetermination(context.Background(), steamSetup(42)) }()

	<-rl.started

	resumed := c.ResumeBrowserDownload(context.Background(), 42)
	assert.True(t, resumed.Claimed)
	assert.Equal(t, StateResumedInBrowser, resumed.State)

	select {
	case out := <-done:
		assert.Equal(t, StateResumedInBrowser, out.State)
	case <-time.After(time.Second):
		t.Fatal("relay call was not cancelled")
	}

	assert.Equal(t, 1, browser.count("resume:42"))
	assert.Zero(t, browser.count("cancel:"))
	assert.Zero(t, browser.count("erase:"))
	assert.Len(t, rl.sent(), 1)
	assert.Empty(t, notes.levels())
}

func TestCoordinator_ResumeUntrackedDownload(t *testing.T) {
	rl := &fakeRelay{ok: true}
	c, browser := newTestCoordinator(t, rl)

	out := c.ResumeBrowserDownload(context.Background(), 99)
	assert.False(t, out.Claimed)
	assert.Equal(t, "untracked", out.Detail)
	assert.Equal(t, 1, browser.count("resume:99"))

	late := c.HandleFilenameDetermination(context.Background(), steamSetup(99))
	assert.False(t, late.Claimed)
	assert.Empty(t, rl.sent())
}

func TestCoordinator_ResumeAfterRedirect(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: true})
	c.HandleFilenameDetermination(context.Background(), steamSetup(6))

	out := c.ResumeBrowserDownload(context.Background(), 6)

	assert.Equal(t, StateRedirected, out.State)
	assert.Equal(t, "already finished", out.Detail)
	assert.Zero(t, browser.count("resume:"))
}

func TestCoordinator_ResumeAfterRelayFailure(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: false})

	first := c.HandleFilenameDetermination(context.Background(), steamSetup(3))
	require.Equal(t, StateResumedInBrowser, first.State)

	out := c.ResumeBrowserDownload(context.Background(), 3)

	assert.False(t, out.Claimed)
	assert.Equal(t, StateResumedInBrowser, out.State)
	assert.Equal(t, "already finished", out.Detail)
	assert.Equal(t, 1, browser.count("pause:3"))
	assert.Equal(t, 1, browser.count("resume:3"))
}

func TestCoordinator_RelayTimeoutResumes(t *testing.T) {
	rl := &fakeRelay{block: true}
	opts := testOptions()
	opts.RelayTimeout = 50 * time.Millisecond

	browser := newFakeBrowser()
	c := NewCoordinator(newTestClassifier(t), browser, rl, opts)

	start := time.Now()
	out := c.HandleFilenameDetermination(context.Background(), steamSetup(9))

	assert.Equal(t, StateResumedInBrowser, out.State)
	assert.GreaterOrEqual(t, time.Since(start), opts.RelayTimeout)
	assert.Equal(t, 1, browser.count("pause:9"))
	assert.Equal(t, 1, browser.count("resume:9"))
	assert.Zero(t, browser.count("cancel:"))
	assert.Zero(t, browser.count("erase:"))
	assert.Zero(t, c.Claims().Len())
}

func TestCoordinator_Sweep(t *testing.T) {
	c, browser := newTestCoordinator(t, &fakeRelay{ok: true})
	table := c.Claims()

	native := steamSetup(1)
	native.Source = SourceFilenameDetermination
	require.NoError(t, table.TryClaim(NativeKey(1), native))
	table.Advance(NativeKey(1), StatePaused)

	prompting := Candidate{URL: "https://example.com/a.zip", TabID: ptr(2), Source: SourcePageClick}
	require.NoError(t, table.TryClaim("page:prompting", prompting))

	relaying := Candidate{URL: "https://example.com/b.zip", TabID: ptr(3), Source: SourcePageClick}
	require.NoError(t, table.TryClaim("page:relaying", relaying))
	table.Advance("page:relaying", StateAwaitingRelay)

	assert.Zero(t, c.Sweep(context.Background(), time.Now()), "nothing is stale yet")

	released := c.Sweep(context.Background(), time.Now().Add(time.Hour))

	assert.Equal(t, 2, released)
	assert.Equal(t, 1, browser.count("resume:1"))
	assert.Equal(t, 1, browser.count("navigate:3:https://example.com/b.zip"))
	assert.Zero(t, browser.count("navigate:2:"))
	assert.Equal(t, 1, table.Len())
}

func TestCoordinator_RunStopsWithContext(t *testing.T) {
	opts := testOptions()
	opts.SweepInterval = 5 * time.Millisecond

	c := NewCoordinator(newTestClassifier(t), newFakeBrowser(), &fakeRelay{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
