// Package errorrecovery implements the post-launch watchdog: a fatal
// error reported for the currently launched update within a configured
// timeout marks the launch failed and drives recovery; if the timeout
// elapses with no such error, the launch is recorded as successful.
package errorrecovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
)

// RemoteLoadStatus tracks whether a background Loader run is in
// flight, gating whether a success timeout records the current launch
// as successful (see SetRemoteLoadStatus).
type RemoteLoadStatus string

const (
	RemoteLoadIdle    RemoteLoadStatus = "idle"
	RemoteLoadLoading RemoteLoadStatus = "newUpdateLoading"
	RemoteLoadLoaded  RemoteLoadStatus = "newUpdateLoaded"
)

// Actions is the narrow capability surface errorrecovery needs from
// the host runtime, avoiding a cyclic import on the engine façade.
type Actions interface {
	Relaunch(ctx context.Context) error
	RollBackToEmbedded(ctx context.Context) error
	ThrowException(reason string)
}

// Watchdog runs the post-launch recovery timer described for the
// currently launched update.
type Watchdog struct {
	cat     *catalog.Catalog
	actions Actions
	logger  *slog.Logger

	successTimeout time.Duration

	mu           sync.Mutex
	remoteStatus RemoteLoadStatus
	launchedID   string
	resolved     bool
	timer        *time.Timer
}

// New constructs a Watchdog. successTimeout is the window within
// which a fatal error reported via ReportFatalError counts against the
// launched update; once it elapses with none, the launch is recorded
// as successful. A non-positive value defaults to 5s.
func New(cat *catalog.Catalog, actions Actions, successTimeout time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if successTimeout <= 0 {
		successTimeout = 5 * time.Second
	}
	return &Watchdog{
		cat:            cat,
		actions:        actions,
		successTimeout: successTimeout,
		logger:         logger.With("component", "errorrecovery"),
	}
}

// StartWatching arms the timer for a freshly launched update. If
// successTimeoutMs elapses with no fatal error reported via
// ReportFatalError, the launch is presumed healthy and recorded as
// successful.
func (w *Watchdog) StartWatching(ctx context.Context, launchedUpdateID string) {
	w.mu.Lock()
	w.launchedID = launchedUpdateID
	w.resolved = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.successTimeout, func() {
		w.onTimeout(ctx)
	})
	w.mu.Unlock()
}

// SetRemoteLoadStatus updates the gate used by onTimeout: a timeout
// that fires while a new update is loading or already loaded does not
// record the current launch as successful. The timer is not re-armed,
// so that launch stays unresolved until one of the Mark* methods,
// ReportFatalError, or a new StartWatching call.
func (w *Watchdog) SetRemoteLoadStatus(s RemoteLoadStatus) {
	w.mu.Lock()
	w.remoteStatus = s
	w.mu.Unlock()
}

// MarkSuccessfulLaunchForLaunchedUpdate stops the watchdog timer and
// increments the update's successful-launch counter. Called either by
// the host directly, or by onTimeout when successTimeoutMs elapses
// with no fatal error reported.
func (w *Watchdog) MarkSuccessfulLaunchForLaunchedUpdate(ctx context.Context) error {
	w.mu.Lock()
	id := w.launchedID
	alreadyResolved := w.resolved
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if id == "" || alreadyResolved {
		return nil
	}
	if err := w.cat.MarkSuccessfulLaunch(ctx, id); err != nil {
		w.logger.Error("failed to record successful launch", "update_id", id, "error", err)
		return err
	}
	w.logger.Info("launch confirmed successful", "update_id", id)
	return nil
}

// MarkFailedLaunchForLaunchedUpdate records a failed launch
// immediately, without waiting for the timeout or attempting recovery.
// Prefer ReportFatalError from host-facing call sites, which also
// drives the rollback/relaunch recovery flow.
func (w *Watchdog) MarkFailedLaunchForLaunchedUpdate(ctx context.Context) error {
	w.mu.Lock()
	id := w.launchedID
	alreadyResolved := w.resolved
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if id == "" || alreadyResolved {
		return nil
	}
	if err := w.cat.MarkFailedLaunch(ctx, id); err != nil {
		w.logger.Error("failed to record failed launch", "update_id", id, "error", err)
		return err
	}
	w.logger.Warn("launch marked failed", "update_id", id)
	return nil
}

// ReportFatalError is the entry point a host subscribes its JS error
// stream to: a fatal error observed within successTimeoutMs of launch
// is reported here, which stops the timer, records the failed launch
// immediately, and attempts recovery by rolling back to the embedded
// update, falling back to a bare relaunch, and finally surfacing a
// fatal exception if neither recovery path succeeds.
func (w *Watchdog) ReportFatalError(ctx context.Context, reason string) {
	w.mu.Lock()
	id := w.launchedID
	alreadyResolved := w.resolved
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if id == "" || alreadyResolved {
		return
	}

	w.logger.Warn("host reported a fatal error for the launched update", "update_id", id, "reason", reason)
	if err := w.cat.MarkFailedLaunch(ctx, id); err != nil {
		w.logger.Error("failed to record failed launch", "update_id", id, "error", err)
	}

	w.recover(ctx)
}

func (w *Watchdog) onTimeout(ctx context.Context) {
	w.mu.Lock()
	id := w.launchedID
	resolved := w.resolved
	status := w.remoteStatus
	w.mu.Unlock()

	if resolved || id == "" {
		return
	}

	switch status {
	case RemoteLoadLoading, RemoteLoadLoaded:
		w.logger.Info("success timeout elapsed but a remote update is loading or loaded; deferring", "update_id", id, "remote_status", status)
		return
	}

	w.logger.Info("success timeout elapsed with no fatal error reported, confirming launch", "update_id", id)
	if err := w.MarkSuccessfulLaunchForLaunchedUpdate(ctx); err != nil {
		w.logger.Error("failed to record successful launch on timeout", "update_id", id, "error", err)
	}
}

// recover attempts to roll back to the embedded update after a fatal
// launch failure, falling back to a bare relaunch, and finally to a
// fatal exception if neither recovers the host.
func (w *Watchdog) recover(ctx context.Context) {
	if err := w.actions.RollBackToEmbedded(ctx); err != nil {
		w.logger.Error("rollback to embedded failed, relaunching instead", "error", err)
		if relaunchErr := w.actions.Relaunch(ctx); relaunchErr != nil {
			w.actions.ThrowException("errorrecovery: unable to relaunch or roll back after failed launch")
		}
	}
}
