// Package loadertask implements the cold-start orchestrator: it races
// a caller-supplied launch timer against a background Loader fetch so
// the host app never waits longer than launchWaitMs, while still
// picking up a newer update if the Loader wins the race.
package loadertask

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomekzaw/expo-updates-engine/internal/catalog"
	"github.com/tomekzaw/expo-updates-engine/internal/loader"
	"github.com/tomekzaw/expo-updates-engine/internal/selection"
)

// Callback mirrors the ordering guarantees a host observes across one
// cold-start run: each of these is invoked at most once, and
// onSuccess/onFailure fire exactly once, after every other callback
// that applies before the launch decision. When the launch timer or
// ctx cancellation decides first, the Loader keeps running, and remote
// callbacks it produces after Run has returned are invoked one at a
// time on the Loader's goroutine.
type Callback struct {
	OnRemoteCheckForUpdateStarted  func()
	OnRemoteCheckForUpdateFinished func(*loader.Result)
	OnRemoteUpdateLoadStarted      func()
	OnRemoteUpdateFinished         func(*loader.Result)

	// OnCachedUpdateLoaded fires once the best cached launcher candidate
	// has been chosen, with nil if none exists. A nil update never arms
	// the launch timer, regardless of the return value. If set and a
	// candidate was found, the launch timer is armed only if this
	// returns true; a host that wants to wait for the freshest remote
	// result can veto the timeout entirely by returning false. If unset,
	// a found candidate arms the timer unconditionally.
	OnCachedUpdateLoaded func(cached *catalog.UpdateEntity) bool

	// OnSuccess delivers the update selected for launch: either a
	// cached one (if the timer fired first or no better remote update
	// exists) or a remote one (if it finished first). Invoked exactly
	// once.
	OnSuccess func(launchable *catalog.UpdateEntity, fromCache bool)

	// OnFailure fires if no launchable update, cached or remote, could
	// be produced. Invoked instead of OnSuccess, never alongside it.
	OnFailure func(error)
}

// Task runs one cold-start attempt.
type Task struct {
	cat        *catalog.Catalog
	ld         *loader.Loader
	policy     selection.LauncherPolicy
	logger     *slog.Logger
	launchWait time.Duration
}

// New constructs a Task.
func New(cat *catalog.Catalog, ld *loader.Loader, policy selection.LauncherPolicy, launchWait time.Duration, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	if launchWait <= 0 {
		launchWait = 0 // a zero wait means "launch cache immediately, never block on network"
	}
	return &Task{cat: cat, ld: ld, policy: policy, logger: logger.With("component", "loadertask"), launchWait: launchWait}
}

// Run executes the race described above and invokes exactly one of
// OnSuccess/OnFailure, after delivering every applicable progress
// callback in order, on a single dedicated goroutine so the host
// never observes interleaved callbacks.
func (t *Task) Run(ctx context.Context, scopeKey, runtimeVersion string, filters selection.Filters, headers loader.RequestHeaderSource, cb Callback) {
	events := make(chan func(), 8)
	go t.drive(ctx, scopeKey, runtimeVersion, filters, headers, cb, events)

	for fn := range events {
		fn()
	}
}

func (t *Task) drive(ctx context.Context, scopeKey, runtimeVersion string, filters selection.Filters, headers loader.RequestHeaderSource, cb Callback, events chan<- func()) {
	var closeMu sync.Mutex
	closed := false
	defer func() { closeMu.Lock(); closed = true; close(events); closeMu.Unlock() }()

	var once sync.Once
	deliver := func(fn func()) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			fn() // Run has returned; invoke late Loader callbacks in place
			return
		}
		events <- fn
	}

	cachedCh := make(chan *catalog.UpdateEntity, 1)
	go func() {
		candidates, err := t.cat.ListUpdates(ctx, scopeKey)
		if err != nil {
			t.logger.Warn("failed to list cached candidates", "error", err)
			cachedCh <- nil
			return
		}
		cachedCh <- t.policy.ChooseLauncherUpdate(candidates, runtimeVersion, filters)
	}()

	// The launch timer is armed only once the cached candidate lookup
	// completes, and only if one was found and, when a veto callback is
	// set, that callback agrees to apply the timeout. Until then timerC
	// stays nil and the timer case below never fires.
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	remoteDone := make(chan *loader.Result, 1)
	if cb.OnRemoteCheckForUpdateStarted != nil {
		deliver(cb.OnRemoteCheckForUpdateStarted)
	}

	go t.ld.Run(ctx, headers, loader.Callback{
		OnUpdateResponseLoaded: func(resp *loader.ServerResponse) bool {
			if cb.OnRemoteCheckForUpdateFinished != nil {
				deliver(func() { cb.OnRemoteCheckForUpdateFinished(nil) })
			}
			if resp.Manifest != nil && cb.OnRemoteUpdateLoadStarted != nil {
				deliver(cb.OnRemoteUpdateLoadStarted)
			}
			return true
		},
		OnSuccess: func(result *loader.Result) {
			if cb.OnRemoteUpdateFinished != nil {
				deliver(func() { cb.OnRemoteUpdateFinished(result) })
			}
			remoteDone <- result
		},
		OnFailure: func(err error) {
			t.logger.Warn("background load failed", "error", err)
			remoteDone <- nil
		},
	})

	var cached *catalog.UpdateEntity
	cachedReady := false
	remoteFinished := false

	finish := func(ue *catalog.UpdateEntity, fromCache bool) {
		once.Do(func() {
			if ue == nil {
				deliver(func() {
					if cb.OnFailure != nil {
						cb.OnFailure(errNoLaunchableUpdate{})
					}
				})
				return
			}
			deliver(func() {
				if cb.OnSuccess != nil {
					cb.OnSuccess(ue, fromCache)
				}
			})
		})
	}

	for {
		select {
		case cached = <-cachedCh:
			cachedReady = true
			if remoteFinished {
				finish(cached, true)
				return
			}
			armTimer := cached != nil
			if armTimer && cb.OnCachedUpdateLoaded != nil {
				armTimer = cb.OnCachedUpdateLoaded(cached)
			}
			if armTimer {
				timer = time.NewTimer(t.launchWait)
				timerC = timer.C
			}
		case <-timerC:
			if cachedReady {
				finish(cached, true)
				return
			}
			// launchWaitMs elapsed before we even know the cache: wait for it.
		case result := <-remoteDone:
			if result != nil && result.Update != nil {
				finish(result.Update, false)
				return
			}
			// remote produced nothing usable; fall back to cache once known.
			remoteFinished = true
			if cachedReady {
				finish(cached, true)
				return
			}
		case <-ctx.Done():
			finish(cached, true)
			return
		}

		if cachedReady && cached != nil {
			select {
			case <-timerC:
				finish(cached, true)
				return
			default:
			}
		}
	}
}

type errNoLaunchableUpdate struct{}

func (errNoLaunchableUpdate) Error() string { return "no launchable update available, cached or remote" }
