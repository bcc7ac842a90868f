package heartbeat

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/relay"
)

// VersionReporter reports the extension version to the relay and returns its command.
type VersionReporter interface {
	ReportVersion(ctx context.Context, version string) (*relay.VersionReport, error)
}

// Extension is the connected browser extension.
type Extension interface {
	Connected() bool
	Version() string
	Reload(ctx context.Context) error
}

// Reporter keeps the relay informed that the extension is alive and applies
// the relay's RELOAD command.
type Reporter struct {
	relay    VersionReporter
	ext      Extension
	interval time.Duration

	mu       sync.Mutex
	reloaded string
	failing  bool
}

func New(rl VersionReporter, ext Extension, interval time.Duration) *Reporter {
	return &Reporter{relay: rl, ext: ext, interval: interval}
}

// Beat sends one report and returns the relay's command. Nothing is reported
// while no extension is connected.
//
// The relay keeps answering RELOAD until it hears a new version, so a reload
// is requested at most once per reported version.
func (r *Reporter) Beat(ctx context.Context) (string, error) {
	if !r.ext.Connected() {
		return relay.CommandNone, nil
	}

	version := r.ext.Version()

	report, err := r.relay.ReportVersion(ctx, version)
	if err != nil {
		return "", err
	}

	if report.Command != relay.CommandReload {
		return report.Command, nil
	}

	r.mu.Lock()
	already := r.reloaded == version
	r.mu.Unlock()

	if already {
		return report.Command, nil
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "relay requested extension reload", "version", version)

	if err := r.ext.Reload(ctx); err != nil {
		return report.Command, err
	}

	r.mu.Lock()
	r.reloaded = version
	r.mu.Unlock()

	return report.Command, nil
}

// Run beats every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "heartbeat")
	ctx = logctx.WithLogger(ctx, logger)

	logger.InfoContext(ctx, "heartbeat started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "heartbeat stopped")
			return
		case <-ticker.C:
			r.safeBeat(ctx)
		}
	}
}

func (r *Reporter) safeBeat(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "heartbeat panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	_, err := r.Beat(ctx)

	r.mu.Lock()
	wasFailing := r.failing
	r.failing = err != nil
	r.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		logger.WarnContext(ctx, "version report failed", "err", err)
	case err != nil:
		logger.DebugContext(ctx, "version report still failing", "err", err)
	case wasFailing:
		logger.InfoContext(ctx, "version report recovered")
	}
}
