package intercept

import (
	"context"
	"sync"

	"github.com/italolelis/handoff/internal/logctx"
)

// ConfirmResult is how a confirmation request ended.
type ConfirmResult int

const (
	ConfirmDeclined ConfirmResult = iota
	ConfirmConfirmed
	// ConfirmDropped means another modal was already shown.
	ConfirmDropped
	// ConfirmSuppressed means the active page became sensitive, or the URL is a blob, by show time.
	ConfirmSuppressed
)

func (r ConfirmResult) String() string {
	switch r {
	case ConfirmConfirmed:
		return "confirmed"
	case ConfirmDropped:
		return "dropped"
	case ConfirmSuppressed:
		return "suppressed"
	default:
		return "declined"
	}
}

// Prompt is what the modal shows.
type Prompt struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
	Category string `json:"category"`
	TabID    *int   `json:"tab_id,omitempty"`
}

// Prompter shows a modal and blocks until the user answers or ctx is done.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt) (bool, error)
}

// PageLocator returns the URL currently loaded in a tab.
type PageLocator interface {
	ActivePage(ctx context.Context, tabID int) (string, error)
}

// ConfirmGate allows one modal at a time.
type ConfirmGate struct {
	mu         sync.Mutex
	shown      bool
	prompter   Prompter
	pages      PageLocator
	classifier *Classifier
}

func NewConfirmGate(classifier *Classifier, prompter Prompter, pages PageLocator) *ConfirmGate {
	return &ConfirmGate{classifier: classifier, prompter: prompter, pages: pages}
}

// Shown reports whether a modal is currently visible.
func (g *ConfirmGate) Shown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.shown
}

// Confirm asks the user about cand. Closing the modal or a prompter error counts as declined.
func (g *ConfirmGate) Confirm(ctx context.Context, cand Candidate, dec Decision) ConfirmResult {
	logger := logctx.LoggerFromContext(ctx)

	g.mu.Lock()
	if g.shown {
		g.mu.Unlock()
		logger.InfoContext(ctx, "confirmation dropped, modal already shown", "url", cand.URL)

		return ConfirmDropped
	}
	g.shown = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.shown = false
		g.mu.Unlock()
	}()

	if suppressed, why := g.classifier.Suppressed(g.currentPage(ctx, cand), cand.URL); suppressed {
		logger.InfoContext(ctx, "confirmation suppressed", "url", cand.URL, "reason", why)

		return ConfirmSuppressed
	}

	ok, err := g.prompter.Prompt(ctx, Prompt{
		URL:      cand.URL,
		Filename: dec.Filename,
		Size:     cand.Size(),
		Reason:   dec.Reason,
		Category: dec.Category,
		TabID:    cand.TabID,
	})
	if err != nil {
		logger.WarnContext(ctx, "confirmation failed, treating as declined", "url", cand.URL, "err", err)

		return ConfirmDeclined
	}

	if !ok {
		return ConfirmDeclined
	}

	return ConfirmConfirmed
}

// currentPage prefers the tab's live URL over the one captured with the event.
func (g *ConfirmGate) currentPage(ctx context.Context, cand Candidate) string {
	page := cand.PageURL
	if g.pages == nil || cand.TabID == nil {
		return page
	}

	current, err := g.pages.ActivePage(ctx, *cand.TabID)
	if err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "could not read active page", "tab_id", *cand.TabID, "err", err)

		return page
	}

	if current != "" {
		return current
	}

	return page
}
