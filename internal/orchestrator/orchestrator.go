// Package orchestrator sequences deployments: it triggers builds, streams
// their logs to observers and polls the fleet until every application
// reports the new version.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
	"github.com/christippett/7apps-in-7minutes/internal/registry"
)

// Outcome is the terminal state of one monitor run.
type Outcome string

const (
	OutcomeConverged   Outcome = "converged"
	OutcomeTimedOut    Outcome = "timed out"
	OutcomeBuildFailed Outcome = "build failed"
	OutcomeCancelled   Outcome = "cancelled"
)

// BuildService is the slice of the build client the orchestrator needs.
type BuildService interface {
	Trigger(ctx context.Context, substitutions map[string]string) (domain.BuildRef, error)
	GetBuild(ctx context.Context, id string) (domain.BuildRef, error)
	ListActive(ctx context.Context) ([]domain.BuildRef, error)
	StreamLogs(ctx context.Context, buildID, logsBucket string, fn func(line string)) error
}

// Notifier publishes events to connected observers.
type Notifier interface {
	Send(topic string, data map[string]any)
	Purge(topic string)
}

// Options tune the monitor loop.
type Options struct {
	PollInterval time.Duration // fleet poll cadence (default 5s)
	Timeout      time.Duration // hard wall-clock limit per rollout (default 600s)
	AppTimeout   time.Duration // per-app fetch budget (default 5s)
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 600 * time.Second
	}
	if o.AppTimeout <= 0 {
		o.AppTimeout = 5 * time.Second
	}
}

// Orchestrator owns the single in-flight rollout: at most one monitor task
// runs at a time, and a deploy request while a build is active piggybacks
// onto that build instead of triggering a second one.
type Orchestrator struct {
	registry *registry.Registry
	builds   BuildService
	notifier Notifier
	client   *http.Client
	logger   *slog.Logger
	opts     Options

	// baseCtx bounds background work (log streaming, monitor polling) so
	// Shutdown can stop it all.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	streaming     map[string]struct{}
}

// New constructs an orchestrator. The http.Client is used for per-app fleet
// fetches; nil gets a default sized to the per-app timeout.
func New(reg *registry.Registry, builds BuildService, notifier Notifier, client *http.Client, logger *slog.Logger, opts Options) *Orchestrator {
	opts.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: opts.AppTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:   reg,
		builds:     builds,
		notifier:   notifier,
		client:     client,
		logger:     logger,
		opts:       opts,
		baseCtx:    ctx,
		baseCancel: cancel,
		streaming:  make(map[string]struct{}),
	}
}

// Deploy starts a rollout for the requested theme. When a build is already
// active it is observed instead of triggering a new one ("piggybacking"),
// preserving the at-most-one-concurrent-deployment invariant; inProgress
// reports that case. Log streaming and convergence polling continue in the
// background after Deploy returns.
func (o *Orchestrator) Deploy(ctx context.Context, theme domain.Theme) (version string, build domain.BuildRef, inProgress bool, err error) {
	active, err := o.builds.ListActive(ctx)
	if err != nil {
		return "", domain.BuildRef{}, false, err
	}

	if len(active) > 0 {
		build = active[0]
		version = build.Version()
		o.logger.Warn("deployment already in progress, observing existing build",
			"build_id", build.ID, "version", version, "active_builds", len(active))
		inProgress = true
	} else {
		version = newVersion(theme)
		subs := theme.Substitutions()
		subs[domain.VersionSubstitution] = version
		o.logger.Info("triggering deployment", "version", version, "substitutions", subs)
		build, err = o.builds.Trigger(ctx, subs)
		if err != nil {
			return "", domain.BuildRef{}, false, err
		}
	}

	o.StartMonitor(version, build)
	go o.streamBuildLogs(build)
	return version, build, inProgress, nil
}

// StartMonitor launches the convergence polling task. Starting while one is
// already running is a logged no-op.
func (o *Orchestrator) StartMonitor(version string, build domain.BuildRef) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.monitorCancel != nil {
		o.logger.Warn("monitor already running, ignoring start", "version", version)
		return false
	}

	// Fresh session: old build output must not replay to new observers.
	o.notifier.Purge(domain.TopicLog)

	ctx, cancel := context.WithCancel(o.baseCtx)
	done := make(chan struct{})
	o.monitorCancel = cancel
	o.monitorDone = done
	go func() {
		defer close(done)
		o.monitor(ctx, version, build)
	}()
	return true
}

// Monitoring reports whether a monitor task is currently running.
func (o *Orchestrator) Monitoring() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitorCancel != nil
}

// Shutdown stops all background work: log streams, and the in-flight monitor
// task, which it waits on until the deployment slot is released.
func (o *Orchestrator) Shutdown() {
	o.baseCancel()
	o.mu.Lock()
	cancel := o.monitorCancel
	done := o.monitorDone
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// monitor polls the fleet until convergence, timeout, build failure or
// cancellation, then emits a terminal build event and releases the slot.
func (o *Orchestrator) monitor(ctx context.Context, version string, build domain.BuildRef) {
	start := build.CreateTime
	if start.IsZero() {
		start = time.Now().UTC()
	}
	o.logger.Info("starting application monitor", "version", version, "build_id", build.ID)

	waiting := make(map[string]struct{})
	for _, app := range o.registry.All() {
		if app.Version != version {
			waiting[app.Name] = struct{}{}
		}
	}

	outcome := OutcomeCancelled
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		o.pollFleet(ctx, version, start, waiting)

		switch {
		case len(waiting) == 0:
			o.logger.Info("all applications converged", "version", version,
				"elapsed", time.Since(start).Round(time.Second))
			outcome = OutcomeConverged
			break loop
		case time.Since(start) > o.opts.Timeout:
			o.logger.Error("application monitor timed out", "version", version,
				"waiting", len(waiting))
			outcome = OutcomeTimedOut
			break loop
		case !o.buildStillActive(ctx, build.ID):
			o.logger.Error("build no longer active before convergence",
				"version", version, "build_id", build.ID)
			outcome = OutcomeBuildFailed
			break loop
		}
	}

	o.notifier.Send(domain.TopicBuild, map[string]any{
		"id":      build.ID,
		"version": version,
		"status":  string(outcome),
	})

	o.mu.Lock()
	o.monitorCancel = nil
	o.monitorDone = nil
	o.mu.Unlock()
	o.logger.Info("application monitor stopped", "version", version, "outcome", string(outcome))
}

// buildStillActive treats status-check failures as "still active" so a flaky
// build service cannot end a rollout early.
func (o *Orchestrator) buildStillActive(ctx context.Context, id string) bool {
	build, err := o.builds.GetBuild(ctx, id)
	if err != nil {
		o.logger.Warn("build status check failed", "build_id", id, "error", err)
		return true
	}
	return build.Active()
}

// newVersion derives a unique release tag from the theme: a slug of the
// gradient name plus a random disambiguator.
var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

func newVersion(theme domain.Theme) string {
	slug := slugStripRe.ReplaceAllString(strings.ToLower(theme.Gradient), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "release"
	}
	suffix := strings.ToLower(shortuuid.New())
	if len(suffix) > 7 {
		suffix = suffix[:7]
	}
	return slug + "-" + suffix
}
